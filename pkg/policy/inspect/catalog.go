package inspect

import (
	"fmt"
	"strings"
	"sync"
)

// RuleSet is a threadsafe catalogue of named rules that manifests can
// reference by name instead of repeating patterns.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[string]Rule)}
}

// Add inserts or replaces a rule. Names are case-insensitive.
func (s *RuleSet) Add(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("inspect: rule name is required")
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("inspect: rule %s missing pattern", rule.Name)
	}

	s.mu.Lock()
	s.rules[strings.ToLower(rule.Name)] = rule
	s.mu.Unlock()
	return nil
}

// Resolve fetches a rule by name.
func (s *RuleSet) Resolve(name string) (Rule, bool) {
	s.mu.RLock()
	rule, ok := s.rules[strings.ToLower(strings.TrimSpace(name))]
	s.mu.RUnlock()
	return rule, ok
}

var (
	standardRules     *RuleSet
	standardRulesOnce sync.Once
)

// StandardRules returns the process-wide rule set holding the stock
// injection and PII rules.
func StandardRules() *RuleSet {
	standardRulesOnce.Do(func() {
		standardRules = NewRuleSet()
		for _, rule := range []Rule{
			{Name: "sql_injection", Pattern: `(?i)union\s+select`, Action: ActionBlock},
			{Name: "sql_comment", Pattern: `(?i)(--|/\*|\*/)`, Action: ActionBlock},
			{Name: "xss", Pattern: `(?i)<script\b`, Action: ActionBlock},
			{Name: "path_traversal", Pattern: `(\.\./|\.\.\\)`, Action: ActionBlock},
			{Name: "email", Pattern: `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`, Action: ActionRedact, Replacement: "[REDACTED:email]"},
			{Name: "ssn", Pattern: `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, Action: ActionRedact, Replacement: "[REDACTED:ssn]"},
		} {
			_ = standardRules.Add(rule)
		}
	})
	return standardRules
}
