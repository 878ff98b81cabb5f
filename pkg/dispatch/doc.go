// Package dispatch provides the inter-engine notification plane. Every
// engine runs a small HTTP server exposing action and health-registry
// operations, and a client that wakes a specific peer or fans out to all
// live engines. Delivery is best-effort by contract; the scheduler's
// periodic polling guarantees progress when a notification is lost.
package dispatch
