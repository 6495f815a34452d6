package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

// Engine evaluates deployment requests against built-in and operator
// supplied Rego policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared for reuse.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.add(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Check evaluates req and returns a policy_violation error when a blocking
// violation is found. Warnings are logged and returned in the result.
func (e *Engine) Check(ctx context.Context, req *engine.Request) (*Result, error) {
	input, err := NewInput(req)
	if err != nil {
		return nil, engine.NewInvalidConfigError("cannot build policy input", err)
	}

	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("app", req.App).Str("env", req.Env).Msg(w.Message)
	}
	if !result.Allowed {
		msgs := make([]string, len(result.Violations))
		for i, v := range result.Violations {
			msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
		}
		return result, engine.NewPolicyError(strings.Join(msgs, "; "))
	}
	return result, nil
}

// NewInput builds the policy input for req.
func NewInput(req *engine.Request) (*Input, error) {
	if req.Record == nil {
		return nil, fmt.Errorf("request has no deployment record")
	}

	target, err := filepath.Abs(req.TargetDir)
	if err != nil {
		return nil, err
	}

	input := &Input{
		App:       req.App,
		Env:       req.Env,
		Source:    req.Source,
		TargetDir: target,
		Record:    req.Record,
	}
	if req.Record.BackupPath != "" {
		root, err := homedir.Expand(req.Record.BackupPath)
		if err != nil {
			return nil, err
		}
		if input.BackupRoot, err = filepath.Abs(root); err != nil {
			return nil, err
		}
	}
	return input, nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()

	// Policies see the JSON form, field names included.
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.names() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			return nil, engine.NewInvalidConfigError(fmt.Sprintf("policy %s failed to evaluate", name), err)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")
	return result, nil
}

// evaluatePolicy returns the entries of cp's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			entries, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				violations = append(violations, newViolation(cp.policy, entry))
			}
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// newViolation reads a deny entry: a message string or an object with msg
// (or message) and an optional severity.
func newViolation(p *Policy, entry any) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]any:
		for _, key := range []string{"msg", "message"} {
			if msg, ok := val[key].(string); ok {
				v.Message = msg
				break
			}
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// add compiles p and registers it, replacing a policy of the same name.
// The caller holds the write lock or owns e exclusively.
func (e *Engine) add(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityError
	}
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	return nil
}

// LoadPolicies compiles the policies found under paths and adds them.
// Nothing is added if any of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.ReplaceOperatorPolicies(ctx, policies)
}

// ReplaceOperatorPolicies swaps every non built-in policy for policies.
func (e *Engine) ReplaceOperatorPolicies(ctx context.Context, policies []Policy) error {
	staged := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	for i := range policies {
		if isBuiltin(policies[i].Name) {
			return fmt.Errorf("policy %s shadows a built-in policy", policies[i].Name)
		}
		if err := staged.add(ctx, &policies[i]); err != nil {
			return fmt.Errorf("policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if isBuiltin(name) {
			continue
		}
		// A policy switched off with SetEnabled stays off across reloads.
		if next, ok := staged.policies[name]; ok && !cp.policy.Enabled {
			next.policy.Enabled = false
		}
		delete(e.policies, name)
	}
	for name, cp := range staged.policies {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("Operator policies loaded")
	return nil
}

// Watch reloads operator policies from dir whenever a policy file changes,
// until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, dir string) error {
	return NewLoader(e.logger).Watch(ctx, []string{dir}, func(policies []Policy) error {
		return e.ReplaceOperatorPolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.names() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isBuiltin(name string) bool {
	for _, p := range BuiltinPolicies() {
		if p.Name == name {
			return true
		}
	}
	return false
}
