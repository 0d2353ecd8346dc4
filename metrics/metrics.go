// Package metrics records gateway events.
package metrics

import "time"

// Event names counted by the gateway.
const (
	EventChallenge   = "challenge"
	EventGranted     = "granted"
	EventRejected    = "rejected"
	EventPassThrough = "pass_through"
)

// Operation names whose latency is observed.
const (
	OpSettle = "settle"
	OpNative = "native_verify"
)

// Recorder receives counters and latencies. Label keys used by the gateway are
// "network", "scheme", "reason" and "outcome".
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
