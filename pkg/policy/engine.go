package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/engine"
	"github.com/openstack-archive/senlin-sub004/pkg/stores"
	"github.com/openstack-archive/senlin-sub004/pkg/telemetry"
)

// Engine evaluates a cluster's policy bindings around action execution. It
// implements the PolicyHooks interface from pkg/engine/interfaces.go: PreOp
// vetoes operations that violate a binding's rules or cooldown, PostOp
// stamps the cooldown anchor after a successful mutation.
type Engine struct {
	mu           sync.RWMutex
	rules        map[string]*compiledRule
	store        stores.Store
	events       *telemetry.EventPublisher
	logger       zerolog.Logger
	builtinRules []Rule

	// defaultCooldown applies when a binding's data carries no cooldown.
	defaultCooldown time.Duration
}

// compiledRule represents a compiled Rego rule.
type compiledRule struct {
	rule     *Rule
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a new policy engine backed by the shared store.
func NewEngine(store stores.Store, defaultCooldown time.Duration, events *telemetry.EventPublisher, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		rules:           make(map[string]*compiledRule),
		store:           store,
		events:          events,
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinRules:    GetBuiltinRules(),
		defaultCooldown: defaultCooldown,
	}

	// Load built-in rules
	if err := e.loadBuiltinRules(); err != nil {
		return nil, fmt.Errorf("failed to load built-in rules: %w", err)
	}

	return e, nil
}

// PreOp evaluates the cluster's enabled bindings against the action, in
// priority order. The first cooldown or blocking violation vetoes the
// operation.
func (e *Engine) PreOp(ctx context.Context, clusterID string, action *stores.Action) error {
	bindings, err := e.store.ListClusterPolicies(ctx, clusterID)
	if err != nil {
		return engine.NewInfrastructureError("failed to load policy bindings", err).WithTarget(clusterID)
	}
	if len(bindings) == 0 {
		return nil
	}

	params := map[string]interface{}{}
	if action.Inputs != "" {
		if uerr := json.Unmarshal([]byte(action.Inputs), &params); uerr != nil {
			return engine.NewConflictError("action inputs are not valid JSON", uerr).WithAction(action.ID)
		}
	}

	now := time.Now().UTC()
	for _, binding := range bindings {
		if !binding.Enabled {
			continue
		}

		data := decodeBindingData(binding.Data)
		if binding.CooldownInProgress(e.cooldownFor(data), now) {
			e.logger.Debug().
				Str("cluster", clusterID).
				Str("policy", binding.PolicyID).
				Msg("operation rejected by cooldown")
			return engine.NewConflictError(
				fmt.Sprintf("policy %s cooldown in progress", binding.PolicyName), nil).
				WithAction(action.ID).WithTarget(clusterID)
		}

		result, eerr := e.Evaluate(ctx, binding, action, clusterID, params)
		if eerr != nil {
			return eerr
		}
		if !result.Allowed {
			v := result.Violations[0]
			e.logger.Info().
				Str("cluster", clusterID).
				Str("rule", v.Rule).
				Str("message", v.Message).
				Msg("operation rejected by policy")
			if e.events != nil {
				_ = e.events.PublishPolicyViolation(clusterID, binding.PolicyName, v.Message)
			}
			return engine.NewConflictError(v.Message, nil).
				WithAction(action.ID).WithTarget(clusterID)
		}
	}
	return nil
}

// PostOp stamps the cooldown anchor on every enabled binding of the cluster.
func (e *Engine) PostOp(ctx context.Context, clusterID string, action *stores.Action) error {
	bindings, err := e.store.ListClusterPolicies(ctx, clusterID)
	if err != nil {
		return engine.NewInfrastructureError("failed to load policy bindings", err).WithTarget(clusterID)
	}

	now := time.Now().UTC()
	for _, binding := range bindings {
		if !binding.Enabled {
			continue
		}
		if terr := e.store.TouchClusterPolicy(ctx, clusterID, binding.PolicyID, now); terr != nil {
			return engine.NewInfrastructureError("failed to stamp policy cooldown", terr).WithTarget(clusterID)
		}
	}
	return nil
}

// Evaluate runs the rules guarding one binding's policy type against the
// action and collects the violations.
func (e *Engine) Evaluate(ctx context.Context, binding *stores.ClusterPolicy, action *stores.Action, clusterID string, params map[string]interface{}) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &EvalInput{
		Verb:      action.Verb,
		ClusterID: clusterID,
		TargetID:  action.TargetID,
		Params:    params,
		Binding:   decodeBindingData(binding.Data),
		Context: &EvalContext{
			PolicyID:   binding.PolicyID,
			PolicyType: binding.PolicyType,
			Timestamp:  time.Now(),
		},
	}

	result := &Result{Allowed: true, EvaluatedAt: time.Now()}
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}
		if cr.rule.PolicyType != "" && cr.rule.PolicyType != binding.PolicyType {
			continue
		}
		result.EvaluatedRules = append(result.EvaluatedRules, cr.rule.Name)

		violations, err := e.evaluateRule(ctx, cr, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("rule", cr.rule.Name).
				Str("cluster", clusterID).
				Msg("Rule evaluation failed")
			return nil, engine.NewInfrastructureError(
				fmt.Sprintf("rule %s evaluation failed", cr.rule.Name), err)
		}

		for i := range violations {
			violations[i].Policy = binding.PolicyID
			violations[i].ClusterID = clusterID
			if violations[i].Severity == SeverityError || violations[i].Severity == SeverityCritical {
				result.Allowed = false
				result.Violations = append(result.Violations, violations[i])
			} else {
				result.Warnings = append(result.Warnings, violations[i])
			}
		}
	}
	return result, nil
}

// LoadRules loads rule files.
func (e *Engine) LoadRules(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	rules, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	// Compile and store rules
	for i := range rules {
		if err := e.compileAndStoreRule(&rules[i]); err != nil {
			e.logger.Error().Err(err).
				Str("rule", rules[i].Name).
				Msg("Failed to compile rule")
			return fmt.Errorf("failed to compile rule %s: %w", rules[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(rules)).
		Msg("Rules loaded successfully")

	return nil
}

// evaluateRule evaluates a single compiled rule.
func (e *Engine) evaluateRule(ctx context.Context, cr *compiledRule, input *EvalInput) ([]Violation, error) {
	// Query the deny set of the rule's package
	packageName := extractPackageName(cr.rule.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cr.rule.Name, cr.rule.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rule evaluation error: %w", err)
	}

	var violations []Violation

	// Process results
	for _, result := range results {
		if len(result.Expressions) > 0 {
			// The result should be a set of violations
			if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
				for _, d := range denySet {
					violations = append(violations, e.createViolation(cr.rule, d))
				}
			}
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(regoSrc string) string {
	lines := strings.Split(regoSrc, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "senlin.rules"
}

// createViolation creates a Violation from a rule result.
func (e *Engine) createViolation(rule *Rule, result interface{}) Violation {
	violation := Violation{
		Rule:       rule.Name,
		Severity:   rule.Severity,
		DetectedAt: time.Now(),
	}

	// Extract message from result
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStoreRule compiles a rule and stores it.
func (e *Engine) compileAndStoreRule(rule *Rule) error {
	// Parse the Rego module
	module, err := ast.ParseModule(rule.Name, rule.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse rule: %w", err)
	}

	e.rules[rule.Name] = &compiledRule{
		rule:     rule,
		module:   module,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("rule", rule.Name).
		Msg("Rule compiled successfully")

	return nil
}

// loadBuiltinRules loads the built-in rules.
func (e *Engine) loadBuiltinRules() error {
	for i := range e.builtinRules {
		if err := e.compileAndStoreRule(&e.builtinRules[i]); err != nil {
			return fmt.Errorf("failed to compile built-in rule %s: %w", e.builtinRules[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtinRules)).
		Msg("Built-in rules loaded")

	return nil
}

// GetRule returns a rule by name.
func (e *Engine) GetRule(name string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cr, exists := e.rules[name]
	if !exists {
		return nil, fmt.Errorf("rule not found: %s", name)
	}

	return cr.rule, nil
}

// ListRules returns all loaded rules.
func (e *Engine) ListRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, *cr.rule)
	}

	return rules
}

// EnableRule enables a rule by name.
func (e *Engine) EnableRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cr, exists := e.rules[name]
	if !exists {
		return fmt.Errorf("rule not found: %s", name)
	}

	cr.rule.Enabled = true
	e.logger.Info().Str("rule", name).Msg("Rule enabled")

	return nil
}

// DisableRule disables a rule by name.
func (e *Engine) DisableRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cr, exists := e.rules[name]
	if !exists {
		return fmt.Errorf("rule not found: %s", name)
	}

	cr.rule.Enabled = false
	e.logger.Info().Str("rule", name).Msg("Rule disabled")

	return nil
}

// cooldownFor reads the binding's cooldown seconds, falling back to the
// engine default.
func (e *Engine) cooldownFor(data map[string]interface{}) time.Duration {
	if v, ok := data["cooldown"].(float64); ok && v >= 0 {
		return time.Duration(v) * time.Second
	}
	return e.defaultCooldown
}

func decodeBindingData(data string) map[string]interface{} {
	decoded := map[string]interface{}{}
	if data == "" {
		return decoded
	}
	// Malformed data blocks nothing; rules simply see an empty binding.
	_ = json.Unmarshal([]byte(data), &decoded)
	return decoded
}
