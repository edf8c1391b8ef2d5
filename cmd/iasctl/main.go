package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "node":
		runNode(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "stats":
		runSimpleGet("stats", "/v1/stats", os.Args[2:])
	case "params":
		runParams(os.Args[2:])
	case "pause":
		runAdminPost("pause", "/v1/admin/pause", os.Args[2:])
	case "unpause":
		runAdminPost("unpause", "/v1/admin/unpause", os.Args[2:])
	case "sweep":
		runAdminPost("sweep", "/v1/admin/sweep", os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: iasctl <node|task|stats|params|pause|unpause|sweep|audit|verify> [...]")
}

// client holds the flags every API command shares.
type client struct {
	url       *string
	token     *string
	requester *string
	confirm   *string
}

func apiFlags(fs *flag.FlagSet) *client {
	return &client{
		url:       fs.String("url", envOr("IAS_URL", "http://localhost:8080"), "coordinator URL"),
		token:     fs.String("token", os.Getenv("IAS_TOKEN"), "API bearer token"),
		requester: fs.String("requester", os.Getenv("IAS_REQUESTER"), "requester identity (X-IAS-Requester)"),
		confirm:   fs.String("confirm", os.Getenv("IAS_CONFIRM"), "admin confirmation token (X-IAS-Confirm)"),
	}
}

func (c *client) do(method, path string, body any) []byte {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("encode request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(*c.url, "/")+path, rd)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := strings.TrimSpace(*c.token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if r := strings.TrimSpace(*c.requester); r != "" {
		req.Header.Set("X-IAS-Requester", r)
	}
	if v := strings.TrimSpace(*c.confirm); v != "" {
		req.Header.Set("X-IAS-Confirm", v)
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode >= 300 {
		var e coordapi.ErrorResponse
		if json.Unmarshal(out, &e) == nil && e.Error != "" {
			fatalf("%s: %s (%s)", resp.Status, e.Error, e.Code)
		}
		fatalf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	return out
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		os.Stdout.Write(raw)
		return
	}
	buf.WriteByte('\n')
	_, _ = buf.WriteTo(os.Stdout)
}

func runSimpleGet(name, path string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := apiFlags(fs)
	_ = fs.Parse(args)
	printJSON(c.do(http.MethodGet, path, nil))
}

func runAdminPost(name, path string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := apiFlags(fs)
	_ = fs.Parse(args)
	printJSON(c.do(http.MethodPost, path, nil))
}

func runNode(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: iasctl node <list|get|rewards|deposit|withdraw|deactivate|key|join> [...]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("node "+args[0], flag.ExitOnError)
	switch args[0] {
	case "list":
		c := apiFlags(fs)
		_ = fs.Parse(args[1:])
		printJSON(c.do(http.MethodGet, "/v1/nodes", nil))
	case "get", "rewards", "deactivate":
		c := apiFlags(fs)
		id := fs.String("id", "", "node id")
		_ = fs.Parse(args[1:])
		requireFlag("id", *id)
		path := "/v1/nodes/" + url.PathEscape(*id)
		switch args[0] {
		case "rewards":
			printJSON(c.do(http.MethodGet, path+"/rewards", nil))
		case "deactivate":
			printJSON(c.do(http.MethodPost, path+"/deactivate", nil))
		default:
			printJSON(c.do(http.MethodGet, path, nil))
		}
	case "deposit", "withdraw":
		c := apiFlags(fs)
		id := fs.String("id", "", "node id")
		amount := fs.String("amount", "", "amount in tokens, e.g. 2.5")
		_ = fs.Parse(args[1:])
		requireFlag("id", *id)
		requireFlag("amount", *amount)
		printJSON(c.do(http.MethodPost, "/v1/nodes/"+url.PathEscape(*id)+"/"+args[0], coordapi.AmountRequest{Amount: *amount}))
	case "key":
		runNodeKey(fs, args[1:])
	case "join":
		runNodeJoin(fs, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "usage: iasctl node <list|get|rewards|deposit|withdraw|deactivate|key|join> [...]")
		os.Exit(1)
	}
}

// runNodeKey prints a fresh ed25519 seed for signature proofs and its public key.
func runNodeKey(fs *flag.FlagSet, args []string) {
	_ = fs.Parse(args)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatalf("generate key: %v", err)
	}
	fmt.Printf("IAS_NODE_PRIVATE_KEY=%s\n", hex.EncodeToString(priv.Seed()))
	fmt.Printf("public_key=%s\n", hex.EncodeToString(pub))
}

func runNodeJoin(fs *flag.FlagSet, args []string) {
	coordinator := fs.String("coordinator", "", "coordinator gRPC address, e.g. coordinator:9090")
	nodeID := fs.String("node-id", hostnameOr("node-local"), "node id")
	token := fs.String("token", "", "node service token bound to this node id (IAS_GRPC_TOKENS)")
	endpoint := fs.String("endpoint", "", "public endpoint advertised to the coordinator")
	classes := fs.String("compute-classes", "cpu", "comma separated compute classes")
	stake := fs.String("stake", "100", "initial stake in tokens")
	nodeBin := fs.String("node-bin", "ias-node-daemon", "node daemon executable path")
	service := fs.String("service", defaultServiceType(), "service manager: systemd|launchd|none")
	artifactRoot := fs.String("artifact-root", defaultArtifactRoot(), "artifact root")
	maxTasks := fs.String("max-parallel-tasks", "2", "max parallel tasks")
	heartbeat := fs.String("heartbeat-seconds", "60", "heartbeat interval seconds")
	pollMillis := fs.String("poll-millis", "2000", "poll interval milliseconds")
	proofMode := fs.String("proof-mode", "sha256", "proof mode: sha256|keccak256|signature")
	envPath := fs.String("env-file", defaultEnvPath(), "env file path")
	_ = fs.Parse(args)

	requireFlag("coordinator", *coordinator)
	if err := os.MkdirAll(filepath.Dir(*envPath), 0o755); err != nil {
		fatalf("create env dir: %v", err)
	}
	var env bytes.Buffer
	writeEnv := func(k, v string) { env.WriteString(k + "=" + quoteEnv(v) + "\n") }
	writeEnv("IAS_NODE_COORDINATOR_ADDR", *coordinator)
	writeEnv("IAS_NODE_ID", *nodeID)
	writeEnv("IAS_NODE_COMPUTE_CLASSES", *classes)
	writeEnv("IAS_NODE_STAKE", *stake)
	writeEnv("IAS_NODE_ARTIFACT_ROOT", *artifactRoot)
	writeEnv("IAS_NODE_MAX_PARALLEL_TASKS", *maxTasks)
	writeEnv("IAS_NODE_HEARTBEAT_SECONDS", *heartbeat)
	writeEnv("IAS_NODE_POLL_MILLIS", *pollMillis)
	writeEnv("IAS_NODE_PROOF_MODE", *proofMode)
	if strings.TrimSpace(*endpoint) != "" {
		writeEnv("IAS_NODE_ENDPOINT", *endpoint)
	}
	if strings.TrimSpace(*token) != "" {
		writeEnv("IAS_NODE_TOKEN", *token)
	}
	if err := os.WriteFile(*envPath, env.Bytes(), 0o600); err != nil {
		fatalf("write env file: %v", err)
	}

	switch strings.ToLower(strings.TrimSpace(*service)) {
	case "none":
		fmt.Printf("env file created at %s\n", *envPath)
		fmt.Printf("start manually: env $(cat %s | xargs) %s\n", *envPath, *nodeBin)
	case "systemd":
		installSystemdUserService(*envPath, *nodeBin)
	case "launchd":
		installLaunchdService(*envPath, *nodeBin)
	default:
		fatalf("unsupported service manager %q", *service)
	}
}

func runTask(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: iasctl task <submit|get|result|cancel|list|pending> [...]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("task "+args[0], flag.ExitOnError)
	c := apiFlags(fs)
	switch args[0] {
	case "submit":
		taskType := fs.String("type", "inference", "task type")
		model := fs.String("model", "", "model reference, e.g. ollama:llama3")
		input := fs.String("input", "", "input reference (file://, s3:// or inline text)")
		class := fs.String("class", "", "required compute class")
		budget := fs.String("budget", "", "budget in tokens")
		priority := fs.Int("priority", 2, "priority 1..10")
		deadline := fs.Duration("deadline", time.Hour, "deadline relative to now")
		desc := fs.String("description", "", "description")
		_ = fs.Parse(args[1:])
		requireFlag("model", *model)
		requireFlag("input", *input)
		requireFlag("budget", *budget)
		printJSON(c.do(http.MethodPost, "/v1/tasks", coordapi.SubmitTaskRequest{
			TaskType:        *taskType,
			ModelRef:        *model,
			InputRef:        *input,
			RequiredClass:   *class,
			Description:     *desc,
			Budget:          *budget,
			Priority:        *priority,
			DeadlineSeconds: int(deadline.Seconds()),
		}))
	case "get", "result", "cancel":
		id := fs.Uint64("id", 0, "task id")
		_ = fs.Parse(args[1:])
		if *id == 0 {
			fatalf("--id is required")
		}
		path := "/v1/tasks/" + strconv.FormatUint(*id, 10)
		switch args[0] {
		case "result":
			printJSON(c.do(http.MethodGet, path+"/result", nil))
		case "cancel":
			printJSON(c.do(http.MethodPost, path+"/cancel", nil))
		default:
			printJSON(c.do(http.MethodGet, path, nil))
		}
	case "list":
		status := fs.String("status", "", "comma separated statuses")
		assignee := fs.String("assignee", "", "assigned node")
		owner := fs.String("owner", "", "requester filter")
		limit := fs.Int("limit", 100, "max tasks")
		_ = fs.Parse(args[1:])
		q := url.Values{}
		setQuery(q, "status", *status)
		setQuery(q, "assignee", *assignee)
		setQuery(q, "requester", *owner)
		q.Set("limit", strconv.Itoa(*limit))
		printJSON(c.do(http.MethodGet, "/v1/tasks?"+q.Encode(), nil))
	case "pending":
		_ = fs.Parse(args[1:])
		printJSON(c.do(http.MethodGet, "/v1/tasks/pending", nil))
	default:
		fmt.Fprintln(os.Stderr, "usage: iasctl task <submit|get|result|cancel|list|pending> [...]")
		os.Exit(1)
	}
}

func runParams(args []string) {
	fs := flag.NewFlagSet("params", flag.ExitOnError)
	c := apiFlags(fs)
	minStake := fs.String("min-stake", "", "new minimum stake in tokens")
	maxTasks := fs.Int("max-tasks-per-node", 0, "new per-node task cap")
	timeout := fs.Duration("task-timeout", 0, "new execution timeout")
	_ = fs.Parse(args)

	var req coordapi.UpdateParamsRequest
	if *minStake != "" {
		req.MinStake = minStake
	}
	if *maxTasks > 0 {
		req.MaxTasksPerNode = maxTasks
	}
	if *timeout > 0 {
		secs := int(timeout.Seconds())
		req.TaskTimeoutSeconds = &secs
	}
	if req.MinStake == nil && req.MaxTasksPerNode == nil && req.TaskTimeoutSeconds == nil {
		printJSON(c.do(http.MethodGet, "/v1/params", nil))
		return
	}
	printJSON(c.do(http.MethodPatch, "/v1/admin/params", req))
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	c := apiFlags(fs)
	action := fs.String("action", "", "filter by action")
	actor := fs.String("actor", "", "filter by actor")
	resource := fs.String("resource", "", "filter by resource")
	from := fs.String("from", "", "RFC3339 lower bound")
	to := fs.String("to", "", "RFC3339 upper bound")
	limit := fs.Int("limit", 50, "max events")
	offset := fs.Int("offset", 0, "skip events")
	csvOut := fs.Bool("csv", false, "print CSV instead of JSON")
	_ = fs.Parse(args)

	q := url.Values{}
	setQuery(q, "action", *action)
	setQuery(q, "actor", *actor)
	setQuery(q, "resource", *resource)
	setQuery(q, "from", *from)
	setQuery(q, "to", *to)
	q.Set("limit", strconv.Itoa(*limit))
	q.Set("offset", strconv.Itoa(*offset))
	if *csvOut {
		q.Set("format", "csv")
		os.Stdout.Write(c.do(http.MethodGet, "/v1/admin/audit?"+q.Encode(), nil))
		return
	}
	printJSON(c.do(http.MethodGet, "/v1/admin/audit?"+q.Encode(), nil))
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	c := apiFlags(fs)
	nodeID := fs.String("node-id", "", "optional node id to check task polling")
	_ = fs.Parse(args)

	c.do(http.MethodGet, "/healthz", nil)
	fmt.Printf("ok: %s/healthz\n", strings.TrimRight(*c.url, "/"))
	if strings.TrimSpace(*nodeID) != "" {
		path := "/v1/nodes/" + url.PathEscape(*nodeID) + "/tasks"
		c.do(http.MethodGet, path, nil)
		fmt.Printf("ok: %s%s\n", strings.TrimRight(*c.url, "/"), path)
	}
}

func installSystemdUserService(envPath, nodeBin string) {
	servicePath := filepath.Join(userHomeOr("."), ".config", "systemd", "user", "ias-node.service")
	if err := os.MkdirAll(filepath.Dir(servicePath), 0o755); err != nil {
		fatalf("create systemd user dir: %v", err)
	}
	unit := "[Unit]\nDescription=IAS Node Daemon\nAfter=network-online.target\n\n" +
		"[Service]\nType=simple\nEnvironmentFile=" + envPath + "\nExecStart=" + nodeBin + "\nRestart=always\nRestartSec=3\n\n" +
		"[Install]\nWantedBy=default.target\n"
	if err := os.WriteFile(servicePath, []byte(unit), 0o644); err != nil {
		fatalf("write systemd unit: %v", err)
	}
	runBestEffort("systemctl", "--user", "daemon-reload")
	runBestEffort("systemctl", "--user", "enable", "--now", "ias-node.service")
	fmt.Printf("systemd user service installed: %s\n", servicePath)
}

func installLaunchdService(envPath, nodeBin string) {
	plistPath := filepath.Join(userHomeOr("."), "Library", "LaunchAgents", "io.ias.node.plist")
	wrapperPath := filepath.Join(userHomeOr("."), ".ias", "run-node.sh")
	if err := os.MkdirAll(filepath.Dir(wrapperPath), 0o755); err != nil {
		fatalf("create node wrapper dir: %v", err)
	}
	wrapper := "#!/usr/bin/env bash\nset -a\nsource " + shellEscape(envPath) + "\nset +a\nexec " + shellEscape(nodeBin) + "\n"
	if err := os.WriteFile(wrapperPath, []byte(wrapper), 0o755); err != nil {
		fatalf("write node wrapper: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		fatalf("create launchd dir: %v", err)
	}
	plist := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0"><dict>
  <key>Label</key><string>io.ias.node</string>
  <key>ProgramArguments</key><array><string>` + wrapperPath + `</string></array>
  <key>RunAtLoad</key><true/>
  <key>KeepAlive</key><true/>
</dict></plist>
`
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		fatalf("write launchd plist: %v", err)
	}
	runBestEffort("launchctl", "unload", plistPath)
	runBestEffort("launchctl", "load", plistPath)
	fmt.Printf("launchd service installed: %s\n", plistPath)
}

func setQuery(q url.Values, key, val string) {
	if v := strings.TrimSpace(val); v != "" {
		q.Set(key, v)
	}
}

func requireFlag(name, val string) {
	if strings.TrimSpace(val) == "" {
		fatalf("--%s is required", name)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func quoteEnv(v string) string {
	if strings.ContainsAny(v, " \t\n\"'") {
		return "\"" + strings.ReplaceAll(v, "\"", "\\\"") + "\""
	}
	return v
}

func hostnameOr(fallback string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return fallback
	}
	return h
}

func defaultServiceType() string {
	switch runtime.GOOS {
	case "darwin":
		return "launchd"
	case "linux":
		return "systemd"
	default:
		return "none"
	}
}

func defaultArtifactRoot() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(userHomeOr("."), "Library", "Application Support", "ias", "artifacts")
	case "linux":
		return filepath.Join(userHomeOr("."), ".local", "share", "ias", "artifacts")
	default:
		return filepath.Join(userHomeOr("."), ".ias", "artifacts")
	}
}

func defaultEnvPath() string {
	if runtime.GOOS == "linux" {
		return filepath.Join(userHomeOr("."), ".config", "ias", "node.env")
	}
	return filepath.Join(userHomeOr("."), ".ias", "node.env")
}

func userHomeOr(fallback string) string {
	h, err := os.UserHomeDir()
	if err != nil || h == "" {
		return fallback
	}
	return h
}

func runBestEffort(name string, args ...string) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	_ = cmd.Run()
}

func shellEscape(v string) string {
	if v == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(v, "'", "'\"'\"'") + "'"
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
