// Package inspect matches regular-expression rules against action and
// response payloads. Rules either record a finding, redact the match or
// block the payload.
package inspect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Action describes what a matching rule does to the payload.
type Action string

const (
	// ActionAllow records the finding and leaves the payload untouched.
	ActionAllow Action = "allow"
	// ActionRedact replaces the match with the rule replacement.
	ActionRedact Action = "redact"
	// ActionBlock halts the chain when the rule matches.
	ActionBlock Action = "block"
)

// Rule declares a detection rule.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Action      Action `yaml:"action,omitempty" json:"action,omitempty"`
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

// Finding is a single rule match. Path locates the string inside the payload.
type Finding struct {
	Rule   string `json:"rule"`
	Path   string `json:"path,omitempty"`
	Match  string `json:"match"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Action Action `json:"action"`
}

// Report summarises an inspection.
type Report struct {
	Findings []Finding `json:"findings,omitempty"`
	Redacted bool      `json:"redacted"`
	Blocked  bool      `json:"blocked"`
}

// Inspector applies compiled rules to text.
type Inspector struct {
	rules       []compiledRule
	maxFindings int
}

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	action      Action
	replacement string
}

const defaultMaxFindings = 128

// New compiles rules into an Inspector. Rules without an action redact.
func New(rules []Rule) (*Inspector, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("inspect: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("inspect: pattern is required for rule %s", name)
		}
		action := rule.Action
		if action == "" {
			action = ActionRedact
		}
		if !isValidAction(action) {
			return nil, fmt.Errorf("inspect: unsupported action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("inspect: invalid pattern for rule %s: %w", name, err)
		}
		replacement := rule.Replacement
		if replacement == "" && action == ActionRedact {
			replacement = fmt.Sprintf("[REDACTED:%s]", name)
		}
		compiled = append(compiled, compiledRule{
			name:        name,
			expr:        expr,
			action:      action,
			replacement: replacement,
		})
	}
	return &Inspector{rules: compiled, maxFindings: defaultMaxFindings}, nil
}

// Text inspects a single string and returns the redacted text with the report.
func (i *Inspector) Text(ctx context.Context, text string) (string, Report, error) {
	if err := ctx.Err(); err != nil {
		return text, Report{}, err
	}
	out, findings, blocked := i.scan(text, "", i.maxFindings)
	return out, Report{Findings: findings, Redacted: out != text, Blocked: blocked}, nil
}

// scan reports at most limit findings. Redactions and the blocked flag cover
// every match regardless of the limit.
func (i *Inspector) scan(text, path string, limit int) (string, []Finding, bool) {
	if len(i.rules) == 0 || text == "" {
		return text, nil, false
	}

	redacted := text
	blocked := false
	var findings []Finding
	for _, rule := range i.rules {
		for _, idx := range rule.expr.FindAllStringIndex(text, -1) {
			if rule.action == ActionBlock {
				blocked = true
			}
			if len(findings) >= limit {
				continue
			}
			findings = append(findings, Finding{
				Rule:   rule.name,
				Path:   path,
				Match:  text[idx[0]:idx[1]],
				Start:  idx[0],
				End:    idx[1],
				Action: rule.action,
			})
		}
		if rule.action == ActionRedact {
			redacted = rule.expr.ReplaceAllLiteralString(redacted, rule.replacement)
		}
	}

	sort.SliceStable(findings, func(a, b int) bool {
		if findings[a].Start == findings[b].Start {
			return findings[a].End < findings[b].End
		}
		return findings[a].Start < findings[b].Start
	})
	return redacted, findings, blocked
}

func isValidAction(action Action) bool {
	switch action {
	case ActionAllow, ActionRedact, ActionBlock:
		return true
	default:
		return false
	}
}
