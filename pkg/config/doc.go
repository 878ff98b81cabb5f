// Package config loads, validates and hot-reloads the engine configuration.
//
// Configuration is a single YAML file. Fields absent from the file keep the
// defaults from Default(). Struct-tag validation runs on every load, and the
// Watcher re-applies the file on change so tuning knobs such as the
// scheduler's batch throttle take effect without a restart.
package config
