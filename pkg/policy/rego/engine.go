// Package rego evaluates action policies written in Rego with an embedded OPA
// instance. A decision either lets the action continue down the chain or blocks
// it.
package rego

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/polis-actionpolicy/pkg/domain"
)

// Action is the outcome of a Rego decision.
type Action string

const (
	// ActionAllow lets the chain continue.
	ActionAllow Action = "allow"
	// ActionBlock halts the chain.
	ActionBlock Action = "block"
)

// Decision captures the result of an evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Input is the document exposed to Rego as `input`.
type Input struct {
	Policy     string
	ApplyPoint domain.ApplyPoint
	Action     any
	Response   any
	Err        error
	Entrypoint string
}

// Options control engine construction.
type Options struct {
	// Entrypoint is the default decision path (e.g. "actions/decision").
	Entrypoint string
	// Modules contains the Rego modules loaded into the engine, keyed by file name.
	Modules map[string]string
	Logger  *slog.Logger
}

// Engine evaluates decisions against a fixed set of Rego modules.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	logger        *slog.Logger

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const defaultEntrypoint = "actions/decision"

// NewEngine parses the modules and prepares the default entrypoint so syntax
// errors surface at construction.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego engine requires at least one module")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsed := make(map[string]*ast.Module, len(moduleOrder))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsed,
		entrypoint:    entry,
		logger:        logger,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	if _, err := engine.preparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// Evaluate runs the entrypoint against the input. An undefined decision allows.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	prepared, err := e.preparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	payload := map[string]any{
		"policy":      input.Policy,
		"apply_point": string(input.ApplyPoint),
		"action":      input.Action,
		"response":    input.Response,
	}
	if input.Err != nil {
		payload["error"] = input.Err.Error()
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("rego decision undefined, allowing", "entrypoint", entry, "policy", input.Policy)
		return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
	}

	decision, err := parseDecision(results[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, err
	}
	e.logger.Debug("rego decision",
		"entrypoint", entry,
		"policy", input.Policy,
		"action", decision.Action,
		"reason", decision.Reason,
	)
	return decision, nil
}

func (e *Engine) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(e.moduleOrder)+2)
	opts = append(opts,
		rego.Query("data."+strings.ReplaceAll(entry, "/", ".")),
		rego.SetRegoVersion(ast.RegoV1),
	)
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// parseDecision accepts either a bare boolean (true allows) or an object with
// action, reason and metadata fields.
func parseDecision(value any) (Decision, error) {
	switch typed := value.(type) {
	case bool:
		if typed {
			return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
		}
		return Decision{Action: ActionBlock, Metadata: map[string]string{}}, nil
	case map[string]any:
		action, err := parseAction(typed["action"])
		if err != nil {
			return Decision{}, err
		}
		reason, _ := typed["reason"].(string)
		return Decision{Action: action, Reason: reason, Metadata: parseMetadata(typed["metadata"])}, nil
	default:
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionAllow, nil
	}
	text, ok := value.(string)
	if !ok {
		return Action(""), fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch Action(strings.ToLower(text)) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionBlock:
		return ActionBlock, nil
	default:
		return Action(""), fmt.Errorf("opa decision: unknown action %q", text)
	}
}

func parseMetadata(value any) map[string]string {
	raw, ok := value.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	result := make(map[string]string, len(raw))
	for key, v := range raw {
		if str, ok := v.(string); ok {
			result[key] = str
		}
	}
	return result
}
