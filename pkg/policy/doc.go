// Package policy provides Open Policy Agent (OPA) integration for the engine.
//
// Clusters carry policy bindings (scaling bounds, deletion protection,
// freeze windows) stored alongside the actions that mutate them. This
// package evaluates those bindings around action execution using the Rego
// rule language: PreOp vetoes violating operations before any lock is
// taken, PostOp stamps the binding's cooldown anchor after a successful
// mutation.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles Rego rules and evaluates cluster bindings
//  2. Loader - Loads rules from files, directories, and JSON definitions
//  3. Types - Data structures for rules, violations, and results
//  4. Built-in Rules - Pre-defined rules for common policy types
//
// # Usage
//
// Creating a policy engine:
//
//	logger := zerolog.New(os.Stdout)
//	eng, err := policy.NewEngine(store, time.Minute, nil, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// The engine plugs into the executor as its PolicyHooks implementation;
// nothing else calls it directly. A scale-out on a cluster bound to
// "senlin.policy.scaling" with max_size 5 fails before execution:
//
//	err := eng.PreOp(ctx, clusterID, action)
//	// err: "scale out of 3 nodes would exceed max_size 5"
//
// Loading custom rules:
//
//	paths := []string{
//	    "/etc/senlin/rules",
//	    "/opt/rules/custom.rego",
//	}
//
//	err = eng.LoadRules(ctx, paths)
//
// # Built-in Rules
//
// The following rules are included by default:
//
//  1. scaling-bounds - Keeps scale operations inside the binding's min/max size
//  2. deletion-protection - Blocks deletes on protected clusters
//  3. freeze-window - Blocks all mutations while a binding is frozen
//
// # Custom Rules
//
// Custom rules are written in Rego and bound to a policy type via a
// comment annotation:
//
//	# policy-type: senlin.policy.scaling
//	package custom.rules.quota
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.verb == "CLUSTER_SCALE_OUT"
//	    input.params.count > input.binding.max_step
//	    violation := {
//	        "message": "scale step exceeds the binding's max_step",
//	        "severity": "error",
//	    }
//	}
//
// Rules without the annotation apply to every binding of the cluster.
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Issues that should be reviewed but don't block operations
//   - error: Issues that block operations
//   - critical: Severe issues requiring immediate attention
//
// Only error and critical violations veto the operation.
//
// # Cooldown
//
// Each binding carries a cooldown anchor stamped by PostOp. While the
// anchor is younger than the binding's cooldown window (the "cooldown"
// field of its data blob, falling back to the engine default), PreOp
// rejects further mutations so scale oscillation cannot thrash the
// cluster.
//
// # Hot Reload
//
// The loader supports watching rule files for changes and reloading
// automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(rules []policy.Rule) error {
//	    return eng.LoadRules(ctx, paths)
//	})
package policy
