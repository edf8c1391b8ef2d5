// Package models picks the inference backend and model for a task.
package models

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type RouteInput struct {
	TaskType      string
	RequiredClass string
	// ModelRef is the task's model reference. "backend:model" pins the
	// backend; a bare name only names the model.
	ModelRef string
}

type Decision struct {
	Backend string
	Model   string
	Rule    string
}

type Rule struct {
	Name          string `yaml:"name"`
	WhenTaskType  string `yaml:"task_type"`
	WhenClass     string `yaml:"required_class"`
	WhenModelLike string `yaml:"model_prefix"`
	UseBackend    string `yaml:"use_backend"`
	UseModel      string `yaml:"use_model"`
}

type Config struct {
	DefaultBackend string `yaml:"default_backend"`
	DefaultModel   string `yaml:"default_model"`
	Rules          []Rule `yaml:"rules"`
}

type Router struct {
	cfg Config
}

var knownBackends = map[string]bool{
	"ollama": true, "vllm": true, "llama.cpp": true, "llamacpp": true,
	"remote": true, "remote_api": true, "local": true,
}

func NewDefaultRouter() *Router {
	return &Router{cfg: Config{DefaultBackend: "ollama", DefaultModel: "llama3"}}
}

// LoadFile reads routing rules from a YAML file. An empty path gives the
// default router.
func LoadFile(path string) (*Router, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewDefaultRouter(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model routing file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse model routing file: %w", err)
	}
	if strings.TrimSpace(cfg.DefaultBackend) == "" {
		cfg.DefaultBackend = "ollama"
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "llama3"
	}
	for i, r := range cfg.Rules {
		if b := strings.ToLower(strings.TrimSpace(r.UseBackend)); b != "" && !knownBackends[b] {
			return nil, fmt.Errorf("rule %d (%s): unknown backend %q", i, r.Name, r.UseBackend)
		}
	}
	return &Router{cfg: cfg}, nil
}

func (r *Router) Route(in RouteInput) Decision {
	ref := strings.TrimSpace(in.ModelRef)
	if backend, model, ok := strings.Cut(ref, ":"); ok && knownBackends[strings.ToLower(backend)] {
		return Decision{Backend: strings.ToLower(backend), Model: model, Rule: "explicit"}
	}
	decision := Decision{
		Backend: r.cfg.DefaultBackend,
		Model:   r.cfg.DefaultModel,
		Rule:    "default",
	}
	if ref != "" {
		decision.Model = ref
	}
	for _, rule := range r.cfg.Rules {
		if rule.WhenTaskType != "" && !strings.EqualFold(rule.WhenTaskType, in.TaskType) {
			continue
		}
		if rule.WhenClass != "" && rule.WhenClass != in.RequiredClass {
			continue
		}
		if rule.WhenModelLike != "" && !strings.HasPrefix(ref, rule.WhenModelLike) {
			continue
		}
		if b := strings.TrimSpace(rule.UseBackend); b != "" {
			decision.Backend = strings.ToLower(b)
		}
		// A model named by the task wins over the rule's model.
		if m := strings.TrimSpace(rule.UseModel); m != "" && ref == "" {
			decision.Model = m
		}
		if n := strings.TrimSpace(rule.Name); n != "" {
			decision.Rule = n
		} else {
			decision.Rule = "rule"
		}
		return decision
	}
	return decision
}
