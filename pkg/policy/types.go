package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Rule is a Rego rule evaluated against actions on clusters that carry a
// binding of the rule's policy type.
type Rule struct {
	// Name is the unique name of the rule.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// PolicyType names the cluster policy type this rule guards, e.g.
	// "senlin.policy.scaling". Empty means the rule applies to every
	// binding.
	PolicyType string `json:"policy_type"`

	// Rego contains the Rego rule code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the rule is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing rules.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional rule metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the rule was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the rule was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Rule is the name of the rule that was violated.
	Rule string `json:"rule"`

	// Policy is the cluster policy binding that triggered the rule.
	Policy string `json:"policy,omitempty"`

	// ClusterID is the cluster the violated action targeted.
	ClusterID string `json:"cluster_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of evaluating an action against a cluster's
// policy bindings.
type Result struct {
	// Allowed indicates if the operation may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists all blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedRules lists the names of rules that were evaluated.
	EvaluatedRules []string `json:"evaluated_rules"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// EvalInput is the input document handed to Rego rules.
type EvalInput struct {
	// Verb is the action verb, e.g. "CLUSTER_SCALE_OUT".
	Verb string `json:"verb"`

	// ClusterID is the cluster affected by the action.
	ClusterID string `json:"cluster_id"`

	// TargetID is the action's direct target (cluster or node).
	TargetID string `json:"target_id"`

	// Params are the action's decoded inputs.
	Params map[string]interface{} `json:"params,omitempty"`

	// Binding is the cluster policy binding's decoded data blob.
	Binding map[string]interface{} `json:"binding,omitempty"`

	// Context provides additional evaluation context.
	Context *EvalContext `json:"context"`
}

// EvalContext provides context information for rule evaluation.
type EvalContext struct {
	// PolicyID identifies the binding under evaluation.
	PolicyID string `json:"policy_id,omitempty"`

	// PolicyType is the binding's policy type.
	PolicyType string `json:"policy_type,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
