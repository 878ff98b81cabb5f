// Package stores provides the persistence layer for the engine core.
//
// The store is the single source of truth shared by all engine processes.
// Every cross-process invariant (at-most-one action owner, lock exclusivity,
// health-entry uniqueness) is enforced here through single-statement atomic
// operations; no in-process locking participates in those guarantees.
//
// The SQLite implementation uses WAL mode for concurrent access and embedded
// migrations for schema management.
package stores
