package policy

import (
	"time"
)

// GetBuiltinRules returns all built-in rules.
func GetBuiltinRules() []Rule {
	return []Rule{
		scalingBoundsRule(),
		deletionProtectionRule(),
		freezeWindowRule(),
	}
}

// scalingBoundsRule keeps cluster size changes inside the bounds recorded on
// the scaling policy binding.
func scalingBoundsRule() Rule {
	return Rule{
		Name:        "scaling-bounds",
		Description: "Rejects scale operations whose requested count violates the binding's min/max size",
		PolicyType:  "senlin.policy.scaling",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scaling", "capacity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package senlin.rules.scaling

import rego.v1

default count_requested := 1

count_requested := n if {
	n := input.params.count
}

deny contains violation if {
	input.verb == "CLUSTER_SCALE_OUT"
	max := input.binding.max_size
	current := input.params.current_size
	current + count_requested > max
	violation := {
		"message": sprintf("scale out of %d nodes would exceed max_size %d", [count_requested, max]),
		"severity": "error",
	}
}

deny contains violation if {
	input.verb == "CLUSTER_SCALE_IN"
	min := input.binding.min_size
	current := input.params.current_size
	current - count_requested < min
	violation := {
		"message": sprintf("scale in of %d nodes would drop below min_size %d", [count_requested, min]),
		"severity": "error",
	}
}

deny contains violation if {
	input.verb in {"CLUSTER_SCALE_IN", "CLUSTER_SCALE_OUT"}
	count_requested < 1
	violation := {
		"message": "scale count must be at least 1",
		"severity": "error",
	}
}
`,
	}
}

// deletionProtectionRule blocks destructive verbs on protected clusters.
func deletionProtectionRule() Rule {
	return Rule{
		Name:        "deletion-protection",
		Description: "Rejects delete operations on clusters whose deletion policy marks them protected",
		PolicyType:  "senlin.policy.deletion",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"deletion", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package senlin.rules.deletion

import rego.v1

deny contains violation if {
	input.verb == "CLUSTER_DELETE"
	input.binding.protected == true
	violation := {
		"message": sprintf("cluster %s is protected from deletion", [input.cluster_id]),
		"severity": "critical",
	}
}

deny contains violation if {
	input.verb == "NODE_DELETE"
	input.binding.protect_nodes == true
	violation := {
		"message": sprintf("nodes of cluster %s are protected from deletion", [input.cluster_id]),
		"severity": "error",
	}
}
`,
	}
}

// freezeWindowRule blocks every mutation while the binding is frozen.
func freezeWindowRule() Rule {
	return Rule{
		Name:        "freeze-window",
		Description: "Rejects all mutating operations while the binding's frozen flag is set",
		PolicyType:  "",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"maintenance"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package senlin.rules.freeze

import rego.v1

deny contains violation if {
	input.binding.frozen == true
	violation := {
		"message": sprintf("cluster %s is frozen for maintenance", [input.cluster_id]),
		"severity": "error",
	}
}
`,
	}
}
