package domain

import "time"

// Priority biases provider tier preference. It affects ranking only,
// never correctness.
type Priority string

const (
	// PriorityLatency prefers premium tier and low observed latency.
	PriorityLatency Priority = "latency"
	// PriorityCost prefers cheaper providers over faster ones.
	PriorityCost Priority = "cost"
)

// Request describes one outbound call. Params are opaque to the
// gateway: they are hashed for cache fingerprinting and passed through
// to the provider verbatim, never interpreted.
type Request struct {
	Chain     string
	Method    string
	Params    any
	Timeout   time.Duration // overall deadline across all failover attempts; 0 = gateway default
	Priority  Priority
	Cacheable bool
}
