package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/engine"
)

// Engine evaluates risk policies against selected candidates and deny policies
// against plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	risk     *rego.PreparedEvalQuery
	deny     *rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	logger = logger.With().Str("component", "policy-engine").Logger()
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger,
		loader:   NewLoader(logger),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// NewRiskInput builds a risk input with display strings for policy messages.
func NewRiskInput(c CandidateInput, t Thresholds) RiskInput {
	if t.LesserKnownProviders == nil {
		t.LesserKnownProviders = []string{}
	}
	return RiskInput{
		Candidate:  c,
		Thresholds: t,
		Display: map[string]string{
			"price_per_hour":         fmt.Sprintf("$%.4f", c.PricePerHour),
			"availability":           fmt.Sprintf("%.1f%%", c.Availability*100),
			"availability_threshold": fmt.Sprintf("%g%%", t.Availability*100),
		},
		Context: &PolicyContext{Timestamp: time.Now()},
	}
}

// EvaluateRisks runs every enabled risk policy over in and returns the raised risks in
// policy order. A policy that fails to evaluate is reported as a high-severity risk
// rather than silently skipped. An error is returned only if ctx is done.
func (e *Engine) EvaluateRisks(ctx context.Context, in RiskInput) ([]engine.Risk, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	risks := []engine.Risk{}
	for _, name := range e.order {
		cp := e.policies[name]
		if !cp.policy.Enabled || cp.risk == nil {
			continue
		}

		values, err := evalSet(ctx, cp.risk, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("provider", in.Candidate.Provider).
				Msg("Risk policy evaluation failed")
			risks = append(risks, engine.Risk{
				Type:        "policy",
				Severity:    engine.RiskSeverityHigh,
				Description: fmt.Sprintf("Risk policy %s failed to evaluate: %v", name, err),
				Mitigation:  "Fix the policy before relying on this decision",
			})
			continue
		}

		for _, v := range values {
			risks = append(risks, toRisk(name, v))
		}
	}

	e.logger.Debug().
		Str("provider", in.Candidate.Provider).
		Str("instance_type", in.Candidate.InstanceType).
		Int("risks", len(risks)).
		Dur("duration", time.Since(startTime)).
		Msg("Risk evaluation completed")

	return risks, nil
}

// EvaluatePlan evaluates deny policies against a plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, pctx *PolicyContext) (*PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx == nil {
		pctx = &PolicyContext{}
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = startTime
	}
	input := PlanInput{Plan: plan, Context: pctx}

	result := &PolicyResult{Allowed: true}
	for _, name := range e.order {
		cp := e.policies[name]
		if !cp.policy.Enabled || cp.deny == nil {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		values, err := evalSet(ctx, cp.deny, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, PolicyViolation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range values {
			violation := toViolation(cp.policy, v)
			if violation.Severity.IsBlocking() {
				result.Violations = append(result.Violations, violation)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, violation)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// evalSet evaluates a prepared query for a partial set rule and returns its members.
// An undefined rule yields no members.
func evalSet(ctx context.Context, q *rego.PreparedEvalQuery, input interface{}) ([]interface{}, error) {
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var out []interface{}
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if set, ok := result.Expressions[0].Value.([]interface{}); ok {
			out = append(out, set...)
		}
	}
	return out, nil
}

// toRisk converts a risk rule member into a Risk.
func toRisk(policyName string, v interface{}) engine.Risk {
	risk := engine.Risk{Type: policyName, Severity: engine.RiskSeverityMedium}

	switch val := v.(type) {
	case string:
		risk.Description = val
	case map[string]interface{}:
		if s, ok := val["type"].(string); ok {
			risk.Type = s
		}
		if s, ok := val["severity"].(string); ok {
			risk.Severity = engine.RiskSeverity(s)
		}
		if s, ok := val["description"].(string); ok {
			risk.Description = s
		}
		if s, ok := val["mitigation"].(string); ok {
			risk.Mitigation = s
		}
	default:
		risk.Description = fmt.Sprintf("%v", v)
	}

	return risk
}

// toViolation creates a PolicyViolation from a deny rule member.
func toViolation(policy *Policy, v interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch val := v.(type) {
	case string:
		violation.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		for k, d := range val {
			if k == "message" || k == "severity" {
				continue
			}
			if violation.Details == nil {
				violation.Details = make(map[string]interface{})
			}
			violation.Details[k] = d
		}
	default:
		violation.Message = fmt.Sprintf("%v", v)
	}

	return violation
}

// compile parses a policy and prepares queries for the rules it defines.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := module.Package.Path.String()
	cp := &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}

	for _, rule := range module.Rules {
		name := ruleName(rule)
		if name != RuleRisk && name != RuleDeny {
			continue
		}
		if (name == RuleRisk && cp.risk != nil) || (name == RuleDeny && cp.deny != nil) {
			continue
		}

		query, err := rego.New(
			rego.Query(pkg+"."+name),
			rego.ParsedModule(module),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare %s query: %w", name, err)
		}

		if name == RuleRisk {
			cp.risk = &query
		} else {
			cp.deny = &query
		}
	}

	if cp.risk == nil && cp.deny == nil {
		return nil, fmt.Errorf("policy %s defines neither %q nor %q", policy.Name, RuleRisk, RuleDeny)
	}

	return cp, nil
}

// ruleName returns the leading name of a rule head.
func ruleName(rule *ast.Rule) string {
	if ref := rule.Head.Ref(); len(ref) > 0 {
		if v, ok := ref[0].Value.(ast.Var); ok {
			return string(v)
		}
	}
	return string(rule.Head.Name)
}

// AddPolicy compiles a policy and adds it, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compile(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store(cp)

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// store registers cp, keeping the original position of a replaced policy. Callers hold mu.
func (e *Engine) store(cp *compiledPolicy) {
	name := cp.policy.Name
	if _, exists := e.policies[name]; !exists {
		e.order = append(e.order, name)
	}
	e.policies[name] = cp
}

// LoadPolicies loads custom policies from paths. Every policy must compile; on
// failure nothing changes.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceCustom(ctx, policies)
}

// Watch loads custom policies from paths and reloads them whenever a file changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceCustom(ctx, policies)
	})
}

// replaceCustom swaps the set of non-builtin policies for policies.
func (e *Engine) replaceCustom(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}
	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].policy.Name < compiled[j].policy.Name
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.order[:0:0]
	for _, name := range e.order {
		if e.policies[name].policy.Builtin {
			order = append(order, name)
		} else {
			delete(e.policies, name)
		}
	}
	e.order = order

	for _, cp := range compiled {
		if existing, ok := e.policies[cp.policy.Name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", cp.policy.Name).Msg("Custom policy overrides built-in policy")
		}
		e.store(cp)
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.store(cp)
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies in evaluation order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
