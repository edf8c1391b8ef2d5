// Package config reads node daemon settings from IAS_NODE_* variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	NodeID          string
	CoordinatorAddr string
	Token           string
	LogLevel        string

	Endpoint         string
	ComputeClasses   []string
	GPUSpecs         string
	CPUSpecs         string
	MaxParallelTasks int
	Stake            string

	HeartbeatInterval time.Duration
	HeartbeatRetries  int
	PollInterval      time.Duration

	// ProofMode matches the coordinator verifier: sha256, keccak256 or
	// signature. PrivateKeyHex is the ed25519 seed used for signature.
	ProofMode     string
	PrivateKeyHex string

	ArtifactRoot    string
	ArtifactBackend string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool

	OllamaBaseURL    string
	VLLMBaseURL      string
	LlamaCPPBaseURL  string
	RemoteAPIBaseURL string
	RemoteAPIKey     string
	BackendRetries   int
	SandboxTimeout   time.Duration
	// ModelRoutesFile is an optional YAML file of backend routing rules.
	ModelRoutesFile string
}

func FromEnv() Config {
	nodeID := getenv("IAS_NODE_ID", "node-local")
	artifactRoot := getenv("IAS_NODE_ARTIFACT_ROOT", "/tmp/ias-artifacts")
	return Config{
		NodeID:          nodeID,
		CoordinatorAddr: getenv("IAS_NODE_COORDINATOR_ADDR", "localhost:9090"),
		Token:           getenv("IAS_NODE_TOKEN", ""),
		LogLevel:        getenv("IAS_NODE_LOG_LEVEL", "info"),

		Endpoint:         getenv("IAS_NODE_ENDPOINT", nodeID+":7000"),
		ComputeClasses:   splitList(getenv("IAS_NODE_COMPUTE_CLASSES", "cpu")),
		GPUSpecs:         getenv("IAS_NODE_GPU_SPECS", ""),
		CPUSpecs:         getenv("IAS_NODE_CPU_SPECS", ""),
		MaxParallelTasks: getenvInt("IAS_NODE_MAX_PARALLEL_TASKS", 2),
		Stake:            getenv("IAS_NODE_STAKE", "100"),

		HeartbeatInterval: time.Duration(getenvInt("IAS_NODE_HEARTBEAT_SECONDS", 60)) * time.Second,
		HeartbeatRetries:  getenvInt("IAS_NODE_HEARTBEAT_RETRIES", 3),
		PollInterval:      time.Duration(getenvInt("IAS_NODE_POLL_MILLIS", 2000)) * time.Millisecond,

		ProofMode:     getenv("IAS_NODE_PROOF_MODE", "sha256"),
		PrivateKeyHex: getenv("IAS_NODE_PRIVATE_KEY", ""),

		ArtifactRoot:    artifactRoot,
		ArtifactBackend: getenv("IAS_NODE_ARTIFACT_BACKEND", "local"),
		MinIOEndpoint:   getenv("IAS_NODE_MINIO_ENDPOINT", ""),
		MinIOAccessKey:  getenv("IAS_NODE_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:  getenv("IAS_NODE_MINIO_SECRET_KEY", ""),
		MinIOBucket:     getenv("IAS_NODE_MINIO_BUCKET", "ias-results"),
		MinIOUseSSL:     getenvBool("IAS_NODE_MINIO_USE_SSL", false),

		OllamaBaseURL:    getenv("IAS_NODE_OLLAMA_BASE_URL", ""),
		VLLMBaseURL:      getenv("IAS_NODE_VLLM_BASE_URL", ""),
		LlamaCPPBaseURL:  getenv("IAS_NODE_LLAMACPP_BASE_URL", ""),
		RemoteAPIBaseURL: getenv("IAS_NODE_REMOTE_API_BASE_URL", ""),
		RemoteAPIKey:     getenv("IAS_NODE_REMOTE_API_KEY", ""),
		BackendRetries:   getenvInt("IAS_NODE_BACKEND_RETRIES", 2),
		SandboxTimeout:   time.Duration(getenvInt("IAS_NODE_SANDBOX_TIMEOUT_SECONDS", 30)) * time.Second,
		ModelRoutesFile:  getenv("IAS_NODE_MODEL_ROUTES_FILE", ""),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
