package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type RequesterQuota struct {
	// MaxOpenTasks bounds the requester's non-terminal tasks.
	MaxOpenTasks int `yaml:"max_open_tasks"`
}

type RuleMatch struct {
	Requester     string `yaml:"requester"`
	TaskType      string `yaml:"task_type"`
	Model         string `yaml:"model"`
	RequiredClass string `yaml:"required_class"`
	MinPriority   int    `yaml:"min_priority"`
	Node          string `yaml:"node"`
	NodeClass     string `yaml:"node_class"`
}

type Rule struct {
	Name   string    `yaml:"name"`
	Effect string    `yaml:"effect"` // allow|deny
	Reason string    `yaml:"reason"`
	Match  RuleMatch `yaml:"match"`
}

type Config struct {
	DefaultAction   string                    `yaml:"default_action"` // allow|deny
	Rules           []Rule                    `yaml:"rules"`
	RequesterQuotas map[string]RequesterQuota `yaml:"requester_quotas"`
}

type Decision struct {
	Allowed    bool
	ReasonCode string
	Rule       string
	Message    string
}

type SubmitInput struct {
	Requester     string
	TaskType      string
	Model         string
	RequiredClass string
	Priority      int
	OpenTasks     int
}

// AssignmentInput describes one candidate pairing. Rules that name a node or
// node class only apply at assignment time.
type AssignmentInput struct {
	Requester   string
	TaskType    string
	Model       string
	Priority    int
	Node        string
	NodeClasses []string
}

type Engine struct {
	defaultAction string
	rules         []Rule
	quotas        map[string]RequesterQuota
	noop          bool
}

func NewAllowAll() *Engine {
	return &Engine{
		defaultAction: "allow",
		quotas:        map[string]RequesterQuota{},
		noop:          true,
	}
}

// LoadFile reads a YAML policy. An empty path yields the allow-all engine.
func LoadFile(path string) (*Engine, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewAllowAll(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewFromConfig(cfg), nil
}

func NewFromConfig(cfg Config) *Engine {
	e := &Engine{
		defaultAction: normalizeAction(cfg.DefaultAction),
		rules:         make([]Rule, 0, len(cfg.Rules)),
		quotas:        map[string]RequesterQuota{},
	}
	for _, r := range cfg.Rules {
		r.Effect = normalizeAction(r.Effect)
		if r.Effect == "" {
			r.Effect = "deny"
		}
		e.rules = append(e.rules, r)
	}
	for k, v := range cfg.RequesterQuotas {
		e.quotas[strings.TrimSpace(k)] = v
	}
	if e.defaultAction == "" {
		e.defaultAction = "allow"
	}
	if e.defaultAction == "allow" && len(e.rules) == 0 && len(e.quotas) == 0 {
		e.noop = true
	}
	return e
}

func (e *Engine) IsNoop() bool { return e == nil || e.noop }

func (e *Engine) EvaluateSubmit(in SubmitInput) Decision {
	if e.IsNoop() {
		return allowDefault()
	}
	q, ok := e.quotas[in.Requester]
	if !ok {
		q, ok = e.quotas["*"]
	}
	if ok && q.MaxOpenTasks > 0 && in.OpenTasks >= q.MaxOpenTasks {
		return Decision{
			Allowed:    false,
			ReasonCode: "quota_open_tasks_exceeded",
			Rule:       "requester_quotas." + in.Requester,
			Message:    fmt.Sprintf("open tasks %d reached max_open_tasks %d", in.OpenTasks, q.MaxOpenTasks),
		}
	}
	return e.evaluateRules(func(m RuleMatch) bool {
		if m.Node != "" || m.NodeClass != "" {
			return false
		}
		return matchTask(m, in.Requester, in.TaskType, in.Model, in.Priority) &&
			(m.RequiredClass == "" || m.RequiredClass == in.RequiredClass)
	})
}

func (e *Engine) EvaluateAssignment(in AssignmentInput) Decision {
	if e.IsNoop() {
		return allowDefault()
	}
	for _, r := range e.rules {
		if r.Match.Node == "" && r.Match.NodeClass == "" {
			continue
		}
		if !matchTask(r.Match, in.Requester, in.TaskType, in.Model, in.Priority) {
			continue
		}
		if r.Match.Node != "" && r.Match.Node != in.Node {
			continue
		}
		if r.Match.NodeClass != "" && !contains(in.NodeClasses, r.Match.NodeClass) {
			continue
		}
		return decide(r)
	}
	return allowDefault()
}

func (e *Engine) evaluateRules(match func(RuleMatch) bool) Decision {
	for _, r := range e.rules {
		if match(r.Match) {
			return decide(r)
		}
	}
	if e.defaultAction == "deny" {
		return Decision{
			Allowed:    false,
			ReasonCode: "default_deny",
			Rule:       "default_action",
			Message:    "request denied by default_action=deny",
		}
	}
	return allowDefault()
}

func decide(r Rule) Decision {
	reason := "policy_rule_" + r.Effect
	if r.Reason != "" {
		reason = strings.TrimSpace(r.Reason)
	}
	msg := reason
	if r.Name != "" {
		msg = r.Name + ": " + reason
	}
	return Decision{
		Allowed:    r.Effect == "allow",
		ReasonCode: reason,
		Rule:       r.Name,
		Message:    msg,
	}
}

func allowDefault() Decision {
	return Decision{
		Allowed:    true,
		ReasonCode: "default_allow",
		Rule:       "default_action",
		Message:    "request allowed by default_action=allow",
	}
}

func matchTask(rule RuleMatch, requester, taskType, model string, priority int) bool {
	if rule.Requester != "" && rule.Requester != requester {
		return false
	}
	if rule.TaskType != "" && rule.TaskType != taskType {
		return false
	}
	if rule.Model != "" && rule.Model != model {
		return false
	}
	if rule.MinPriority > 0 && priority < rule.MinPriority {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func normalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "allow":
		return "allow"
	case "deny":
		return "deny"
	default:
		return ""
	}
}
