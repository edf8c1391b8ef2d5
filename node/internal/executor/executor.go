// Package executor runs assigned tasks on the node and stores their output.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/salazarsebas/iasppt/node/internal/config"
	"github.com/salazarsebas/iasppt/node/internal/models"
)

type Executor struct {
	cfg    config.Config
	router *models.Router

	mu      sync.Mutex
	objects *minio.Client
}

// New builds an executor. A nil router uses the default routing.
func New(cfg config.Config, router *models.Router) *Executor {
	if router == nil {
		router = models.NewDefaultRouter()
	}
	return &Executor{cfg: cfg, router: router}
}

// Task is the part of an assignment the executor needs.
type Task struct {
	ID            uint64
	Type          string
	RequiredClass string
	ModelRef      string
	InputRef      string
	Description   string
}

// Run executes t and returns the reference of the stored output artifact.
func (e *Executor) Run(ctx context.Context, t Task) (string, error) {
	in, err := e.resolveInput(ctx, t.InputRef)
	if err != nil {
		return "", fmt.Errorf("resolve input: %w", err)
	}
	route := e.router.Route(models.RouteInput{TaskType: t.Type, RequiredClass: t.RequiredClass, ModelRef: t.ModelRef})
	backend, model := route.Backend, route.Model
	output := map[string]any{
		"task_id":    t.ID,
		"type":       t.Type,
		"model_ref":  t.ModelRef,
		"route":      route.Rule,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	switch strings.ToLower(strings.TrimSpace(t.Type)) {
	case "inference", "text_generation":
		prompt := firstNonEmpty(in.Prompt, in.Text, t.Description)
		if prompt == "" {
			return "", errors.New("inference requires a prompt")
		}
		text, err := e.runLLM(ctx, backend, model, prompt)
		if err != nil {
			return "", err
		}
		output["backend"] = backend
		output["text"] = text
	case "classification":
		text := firstNonEmpty(in.Text, in.Prompt)
		if text == "" || len(in.Labels) == 0 {
			return "", errors.New("classification requires text and labels")
		}
		label, err := e.classify(ctx, backend, model, text, in.Labels)
		if err != nil {
			return "", err
		}
		output["backend"] = backend
		output["label"] = label
		output["labels"] = in.Labels
	case "embedding":
		texts := in.Texts
		if len(texts) == 0 {
			if s := firstNonEmpty(in.Text, in.Prompt); s != "" {
				texts = []string{s}
			}
		}
		if len(texts) == 0 {
			return "", errors.New("embedding requires non-empty text")
		}
		vectors, err := e.embedTexts(ctx, backend, model, texts, in.Dimension)
		if err != nil {
			return "", err
		}
		for i, v := range vectors {
			if err := validateVector(v); err != nil {
				return "", fmt.Errorf("invalid vector at index %d: %w", i, err)
			}
		}
		output["backend"] = backend
		output["dimension"] = len(vectors[0])
		output["vectors"] = vectors
	case "tool_execution":
		cmd := firstNonEmpty(in.Command)
		if cmd == "" {
			return "", errors.New("tool_execution requires a command")
		}
		stdout, stderr, err := e.runSandboxedCommand(ctx, t.ID, cmd)
		output["stdout"] = stdout
		output["stderr"] = stderr
		if err != nil {
			return "", err
		}
		output["sandboxed"] = true
	default:
		return "", fmt.Errorf("unsupported task type %q", t.Type)
	}
	return e.store(ctx, t.ID, output)
}

// input is the decoded task input. A plain text input lands in Text.
type input struct {
	Prompt    string   `json:"prompt"`
	Text      string   `json:"text"`
	Texts     []string `json:"texts"`
	Labels    []string `json:"labels"`
	Command   string   `json:"command"`
	Dimension int      `json:"dimension"`
}

// resolveInput reads file:// and s3://bucket/key references; anything else is
// taken as the input itself.
func (e *Executor) resolveInput(ctx context.Context, ref string) (input, error) {
	ref = strings.TrimSpace(ref)
	var raw []byte
	switch {
	case strings.HasPrefix(ref, "file://"):
		b, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return input{}, err
		}
		raw = b
	case strings.HasPrefix(ref, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return input{}, fmt.Errorf("malformed object reference %q", ref)
		}
		client, err := e.objectStore()
		if err != nil {
			return input{}, err
		}
		obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return input{}, err
		}
		defer obj.Close()
		b, err := io.ReadAll(io.LimitReader(obj, 16<<20))
		if err != nil {
			return input{}, err
		}
		raw = b
	default:
		raw = []byte(ref)
	}
	var in input
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return input{}, fmt.Errorf("decode input: %w", err)
		}
		return in, nil
	}
	in.Text = string(trimmed)
	return in, nil
}

// store writes output.json under the artifact root and, for the minio
// backend, uploads it. It returns a file:// or s3:// reference.
func (e *Executor) store(ctx context.Context, taskID uint64, output map[string]any) (string, error) {
	id := strconv.FormatUint(taskID, 10)
	artifactPath := filepath.Join(e.cfg.ArtifactRoot, "tasks", id, "output.json")
	if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(artifactPath, b, 0o644); err != nil {
		return "", err
	}
	if strings.EqualFold(strings.TrimSpace(e.cfg.ArtifactBackend), "minio") {
		objectName := "tasks/" + id + "/output.json"
		if err := e.uploadToMinIO(ctx, artifactPath, objectName); err != nil {
			return "", err
		}
		return fmt.Sprintf("s3://%s/%s", e.bucket(), objectName), nil
	}
	abs, err := filepath.Abs(artifactPath)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

func (e *Executor) bucket() string {
	return firstNonEmpty(strings.TrimSpace(e.cfg.MinIOBucket), "ias-results")
}

func (e *Executor) objectStore() (*minio.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.objects != nil {
		return e.objects, nil
	}
	endpoint := strings.TrimSpace(e.cfg.MinIOEndpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required when IAS_NODE_ARTIFACT_BACKEND=minio or for s3:// inputs")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(e.cfg.MinIOAccessKey, e.cfg.MinIOSecretKey, ""),
		Secure: e.cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, err
	}
	e.objects = client
	return client, nil
}

func (e *Executor) uploadToMinIO(ctx context.Context, localPath, objectName string) error {
	client, err := e.objectStore()
	if err != nil {
		return err
	}
	bucket := e.bucket()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	_, err = client.FPutObject(ctx, bucket, objectName, localPath, minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (e *Executor) runLLM(ctx context.Context, backend, model, prompt string) (string, error) {
	switch backend {
	case "", "ollama":
		return e.callOllama(ctx, model, prompt)
	case "vllm":
		return e.callVLLM(ctx, model, prompt)
	case "llama.cpp", "llamacpp":
		return e.callLlamaCPP(ctx, model, prompt)
	case "remote", "remote_api":
		return e.callRemoteAPI(ctx, model, prompt)
	default:
		return "", fmt.Errorf("unsupported llm backend %q", backend)
	}
}

func (e *Executor) callOllama(ctx context.Context, model, prompt string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.OllamaBaseURL), "/")
	if base == "" {
		return "", errors.New("IAS_NODE_OLLAMA_BASE_URL is required for backend=ollama")
	}
	body := map[string]any{
		"model":  firstNonEmpty(model, "llama3"),
		"prompt": prompt,
		"stream": false,
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := e.postJSONWithRetry(ctx, base+"/api/generate", "", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", errors.New("ollama returned empty response")
	}
	return strings.TrimSpace(out.Response), nil
}

func (e *Executor) callVLLM(ctx context.Context, model, prompt string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.VLLMBaseURL), "/")
	if base == "" {
		return "", errors.New("IAS_NODE_VLLM_BASE_URL is required for backend=vllm")
	}
	body := map[string]any{
		"model":      model,
		"prompt":     prompt,
		"max_tokens": 256,
	}
	var out struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := e.postJSONWithRetry(ctx, base+"/v1/completions", "", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) > 0 {
		if txt := strings.TrimSpace(out.Choices[0].Text); txt != "" {
			return txt, nil
		}
	}
	return "", errors.New("vllm returned empty choices")
}

func (e *Executor) callLlamaCPP(ctx context.Context, model, prompt string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.LlamaCPPBaseURL), "/")
	if base == "" {
		return "", errors.New("IAS_NODE_LLAMACPP_BASE_URL is required for backend=llama.cpp")
	}
	body := map[string]any{
		"prompt":      prompt,
		"n_predict":   256,
		"temperature": 0.2,
		"model":       model,
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := e.postJSONWithRetry(ctx, base+"/completion", "", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", errors.New("llama.cpp returned empty content")
	}
	return strings.TrimSpace(out.Content), nil
}

func (e *Executor) callRemoteAPI(ctx context.Context, model, prompt string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(e.cfg.RemoteAPIBaseURL), "/")
	if base == "" {
		return "", errors.New("IAS_NODE_REMOTE_API_BASE_URL is required for backend=remote_api")
	}
	body := map[string]any{
		"model": firstNonEmpty(model, "gpt-4o-mini"),
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream": false,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	auth := strings.TrimSpace(e.cfg.RemoteAPIKey)
	if auth != "" {
		auth = "Bearer " + auth
	}
	if err := e.postJSONWithRetry(ctx, base+"/v1/chat/completions", auth, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) > 0 {
		if txt := strings.TrimSpace(out.Choices[0].Message.Content); txt != "" {
			return txt, nil
		}
	}
	return "", errors.New("remote api returned empty choices")
}

// classify asks the model to pick a label. The local backend picks the label
// whose tokens overlap the text most.
func (e *Executor) classify(ctx context.Context, backend, model, text string, labels []string) (string, error) {
	if backend == "local" {
		return closestLabel(text, labels), nil
	}
	prompt := fmt.Sprintf("Classify the following text into exactly one of [%s]. Answer with the label only.\n\n%s",
		strings.Join(labels, ", "), text)
	answer, err := e.runLLM(ctx, backend, model, prompt)
	if err != nil {
		return "", err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, l := range labels {
		if strings.ToLower(l) == answer {
			return l, nil
		}
	}
	for _, l := range labels {
		if strings.Contains(answer, strings.ToLower(l)) {
			return l, nil
		}
	}
	return "", fmt.Errorf("model answer %q matches no label", answer)
}

func closestLabel(text string, labels []string) string {
	toks := tokenize(text)
	best, bestScore := labels[0], -1
	for _, l := range labels {
		score := 0
		for _, lt := range tokenize(l) {
			for _, t := range toks {
				if t == lt {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = l, score
		}
	}
	return best
}

func (e *Executor) embedTexts(ctx context.Context, backend, model string, texts []string, dim int) ([][]float64, error) {
	if backend == "local" {
		out := make([][]float64, 0, len(texts))
		for _, t := range texts {
			out = append(out, embedText(t, dim))
		}
		return out, nil
	}
	if backend != "ollama" {
		return nil, fmt.Errorf("unsupported embedding backend %q", backend)
	}
	base := strings.TrimRight(strings.TrimSpace(e.cfg.OllamaBaseURL), "/")
	if base == "" {
		return nil, errors.New("IAS_NODE_OLLAMA_BASE_URL is required for backend=ollama")
	}
	out := make([][]float64, 0, len(texts))
	for _, text := range texts {
		var resp struct {
			Embedding []float64 `json:"embedding"`
		}
		body := map[string]any{"model": firstNonEmpty(model, "nomic-embed-text"), "prompt": text}
		if err := e.postJSONWithRetry(ctx, base+"/api/embeddings", "", body, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, errors.New("ollama returned empty embedding")
		}
		out = append(out, resp.Embedding)
	}
	return out, nil
}

func (e *Executor) postJSONWithRetry(ctx context.Context, url, auth string, reqBody any, out any) error {
	return postJSONWithRetryAttempts(ctx, url, auth, reqBody, out, e.cfg.BackendRetries+1)
}

func postJSONWithRetryAttempts(ctx context.Context, url, auth string, reqBody any, out any, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			sleep := time.Duration(i*250) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		lastErr = postJSON(ctx, url, auth, reqBody, out)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func postJSON(ctx context.Context, url, auth string, reqBody any, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend request failed: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *Executor) runSandboxedCommand(ctx context.Context, taskID uint64, command string) (string, string, error) {
	sandboxDir := filepath.Join(e.cfg.ArtifactRoot, "sandboxes", strconv.FormatUint(taskID, 10))
	if err := os.MkdirAll(sandboxDir, 0o700); err != nil {
		return "", "", err
	}
	timeout := e.cfg.SandboxTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Isolated working directory, restricted env and a hard timeout.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = sandboxDir
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + sandboxDir,
		"TMPDIR=" + sandboxDir,
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return out.String(), errOut.String(), errors.New("sandbox command timed out")
	}
	if err != nil {
		return out.String(), errOut.String(), fmt.Errorf("sandbox command failed: %w", err)
	}
	return out.String(), errOut.String(), nil
}

func embedText(text string, dim int) []float64 {
	if dim <= 0 {
		dim = 128
	}
	vec := make([]float64, dim)
	toks := tokenize(text)
	if len(toks) == 0 {
		return vec
	}
	tf := map[string]int{}
	for _, tok := range toks {
		tf[tok]++
	}
	total := float64(len(toks))
	for tok, n := range tf {
		idx := int(fnv32(tok) % uint32(dim))
		vec[idx] += float64(n) / total
	}
	normalizeL2(vec)
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func normalizeL2(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] /= n
	}
}

func validateVector(v []float64) error {
	if len(v) == 0 {
		return errors.New("empty vector")
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return errors.New("vector contains NaN or Inf")
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
