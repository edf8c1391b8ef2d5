package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/salazarsebas/iasppt/node/internal/config"
)

func newExecutor(cfg config.Config) *Executor { return New(cfg, nil) }

func readOutput(t *testing.T, ref string) map[string]any {
	t.Helper()
	if !strings.HasPrefix(ref, "file://") {
		t.Fatalf("expected file reference, got %q", ref)
	}
	b, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return out
}

func TestExecutorLLMBackendAdapters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/completions":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"text": "vllm-ok"}},
			})
		case "/completion":
			_ = json.NewEncoder(w).Encode(map[string]any{"content": "llamacpp-ok"})
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "ollama-ok"})
		case "/v1/chat/completions":
			if r.Header.Get("Authorization") != "Bearer k" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]any{"content": "remote-ok"}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	e := newExecutor(config.Config{
		ArtifactRoot:     t.TempDir(),
		OllamaBaseURL:    ts.URL,
		VLLMBaseURL:      ts.URL,
		LlamaCPPBaseURL:  ts.URL,
		RemoteAPIBaseURL: ts.URL,
		RemoteAPIKey:     "k",
		ArtifactBackend:  "local",
	})

	cases := []struct {
		modelRef string
		want     string
	}{
		{modelRef: "llama3", want: "ollama-ok"},
		{modelRef: "ollama:llama3", want: "ollama-ok"},
		{modelRef: "vllm:test-model", want: "vllm-ok"},
		{modelRef: "llama.cpp:test-model", want: "llamacpp-ok"},
		{modelRef: "remote_api:test-model", want: "remote-ok"},
	}
	for i, tc := range cases {
		ref, err := e.Run(context.Background(), Task{
			ID:       uint64(i + 1),
			Type:     "inference",
			ModelRef: tc.modelRef,
			InputRef: "hello",
		})
		if err != nil {
			t.Fatalf("run %s: %v", tc.modelRef, err)
		}
		if got := readOutput(t, ref)["text"]; got != tc.want {
			t.Fatalf("%s: text = %v, want %s", tc.modelRef, got, tc.want)
		}
	}
}

func TestInferenceRequiresConfiguredBackend(t *testing.T) {
	e := newExecutor(config.Config{ArtifactRoot: t.TempDir()})
	_, err := e.Run(context.Background(), Task{ID: 1, Type: "text_generation", ModelRef: "vllm:m", InputRef: "hi"})
	if err == nil || !strings.Contains(err.Error(), "IAS_NODE_VLLM_BASE_URL") {
		t.Fatalf("expected missing backend error, got %v", err)
	}
}

func TestBackendRetriesTransientFailure(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "ok"})
	}))
	defer ts.Close()

	e := newExecutor(config.Config{ArtifactRoot: t.TempDir(), OllamaBaseURL: ts.URL, BackendRetries: 1})
	if _, err := e.Run(context.Background(), Task{ID: 1, Type: "inference", ModelRef: "m", InputRef: "hi"}); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 backend calls, got %d", calls)
	}
}

func TestClassificationLocalAndRemote(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": " Negative.\n"})
	}))
	defer ts.Close()
	e := newExecutor(config.Config{ArtifactRoot: t.TempDir(), OllamaBaseURL: ts.URL})

	input := `{"text":"the service was terrible, negative experience","labels":["positive","negative"]}`
	ref, err := e.Run(context.Background(), Task{ID: 1, Type: "classification", ModelRef: "local:overlap", InputRef: input})
	if err != nil {
		t.Fatalf("local classification: %v", err)
	}
	if got := readOutput(t, ref)["label"]; got != "negative" {
		t.Fatalf("local label = %v", got)
	}

	ref, err = e.Run(context.Background(), Task{ID: 2, Type: "classification", ModelRef: "ollama:llama3", InputRef: input})
	if err != nil {
		t.Fatalf("remote classification: %v", err)
	}
	if got := readOutput(t, ref)["label"]; got != "negative" {
		t.Fatalf("remote label = %v", got)
	}

	if _, err := e.Run(context.Background(), Task{ID: 3, Type: "classification", ModelRef: "local:x", InputRef: "no labels"}); err == nil {
		t.Fatalf("expected error without labels")
	}
}

func TestEmbeddingBackendsAndBatchInput(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2, 0.3}})
	}))
	defer ts.Close()
	e := newExecutor(config.Config{ArtifactRoot: t.TempDir(), OllamaBaseURL: ts.URL})

	ref, err := e.Run(context.Background(), Task{
		ID: 1, Type: "embedding", ModelRef: "local:hash",
		InputRef: `{"texts":["alpha beta","gamma"],"dimension":16}`,
	})
	if err != nil {
		t.Fatalf("local embedding: %v", err)
	}
	out := readOutput(t, ref)
	if out["dimension"] != float64(16) || len(out["vectors"].([]any)) != 2 {
		t.Fatalf("unexpected local embedding output: %v", out)
	}

	ref, err = e.Run(context.Background(), Task{ID: 2, Type: "embedding", ModelRef: "ollama:nomic-embed-text", InputRef: "hello"})
	if err != nil {
		t.Fatalf("ollama embedding: %v", err)
	}
	if out := readOutput(t, ref); out["dimension"] != float64(3) {
		t.Fatalf("unexpected ollama embedding output: %v", out)
	}
}

func TestInputFromFileReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.json")
	if err := os.WriteFile(path, []byte(`{"text":"from file"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	e := newExecutor(config.Config{ArtifactRoot: dir})
	in, err := e.resolveInput(context.Background(), "file://"+path)
	if err != nil || in.Text != "from file" {
		t.Fatalf("resolve file input: %+v err=%v", in, err)
	}
	if _, err := e.resolveInput(context.Background(), "file://"+filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := e.resolveInput(context.Background(), "s3://bucket-only"); err == nil {
		t.Fatalf("expected error for malformed object reference")
	}
}

func TestExecutorMinioBackendRequiresEndpoint(t *testing.T) {
	e := newExecutor(config.Config{ArtifactRoot: t.TempDir(), ArtifactBackend: "minio"})
	_, err := e.Run(context.Background(), Task{ID: 1, Type: "embedding", ModelRef: "local:hash", InputRef: "hello"})
	if err == nil || !strings.Contains(err.Error(), "minio endpoint") {
		t.Fatalf("expected missing minio endpoint error, got %v", err)
	}
}

func TestUnsupportedTaskTypeFails(t *testing.T) {
	e := newExecutor(config.Config{ArtifactRoot: t.TempDir()})
	if _, err := e.Run(context.Background(), Task{ID: 1, Type: "not_a_real_task", InputRef: "x"}); err == nil {
		t.Fatalf("expected error for unsupported task type")
	}
}

func TestToolExecutionRunsInSandbox(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(config.Config{ArtifactRoot: root})
	ref, err := e.Run(context.Background(), Task{ID: 9, Type: "tool_execution", InputRef: `{"command":"pwd"}`})
	if err != nil {
		t.Fatalf("sandbox tool execution failed: %v", err)
	}
	out := readOutput(t, ref)
	if out["sandboxed"] != true {
		t.Fatalf("expected sandbox marker in output: %v", out)
	}
	if !strings.Contains(out["stdout"].(string), filepath.Join("sandboxes", "9")) {
		t.Fatalf("expected command to run in the sandbox dir: %v", out["stdout"])
	}
}
