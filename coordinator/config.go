// Package coordinator implements the CoordinatorAPI (C9): the narrow
// façade that composes the cache, security gate, saga coordinator,
// batch fan-out, polyglot planner, streaming engine, and archive manager
// behind the operation surface §6.1 defines, consumed by everything
// outside this module.
package coordinator

import (
	"time"

	"github.com/makr-code/polyglot-coordinator/archive"
	"github.com/makr-code/polyglot-coordinator/batch"
	"github.com/makr-code/polyglot-coordinator/cache"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/saga"
	"github.com/makr-code/polyglot-coordinator/security"
	"github.com/makr-code/polyglot-coordinator/streaming"
)

// Config is the coordinator's single structured configuration value
// (§6.4, §10.2): every option enumerated there is a field here or on one
// of the nested structs. No flag, environment, or file parsing lives in
// this module — an embedding program builds this value however it likes
// and hands it to New, matching the reference corpus's
// auth.Config/DefaultConfig idiom.
type Config struct {
	Cache     cache.Config
	Saga      saga.Config
	Batch     BatchConfig
	RateLimit RateLimitConfig
	Streaming streaming.Config
	Archive   archive.Config
	Audit     AuditConfig
}

// BatchConfig controls BatchReader/BatchWriter fan-out (§6.4 batch.*).
type BatchConfig struct {
	DefaultTimeout            time.Duration
	PerBackendTimeoutFraction float64
	WriteRetry                batch.RetryPolicy
}

// RateLimitConfig holds the per-role token-bucket parameters (§6.4
// ratelimit.{role}.refill_per_sec / .burst).
type RateLimitConfig struct {
	Policies map[document.Role]security.RolePolicy
}

// AuditConfig controls the bounded audit buffer (§6.4 audit.*).
//
// OverflowPolicy is recorded for completeness against §6.4's enumerated
// option set; this module's BoundedAuditSink always drops the oldest
// entry on overflow (§4.3 step 5's back-pressure policy names
// drop-oldest as the request-path-safe choice), so a configured
// "drop_newest" is accepted but not honored — see DESIGN.md's Open
// Question log for why drop_newest was not implemented.
type AuditConfig struct {
	BufferSize     int
	RetainSize     int
	OverflowPolicy string // "drop_oldest" (default/only honored) or "drop_newest"
}

// DefaultConfig returns zero-value-safe defaults for every nested
// config, matching the reference corpus's DefaultConfig() convention.
func DefaultConfig() Config {
	return Config{
		Cache: cache.DefaultConfig(),
		Saga:  saga.DefaultConfig(),
		Batch: BatchConfig{
			DefaultTimeout:            5 * time.Second,
			PerBackendTimeoutFraction: 0.9,
			WriteRetry:                batch.DefaultRetryPolicy(),
		},
		RateLimit: RateLimitConfig{Policies: security.DefaultPolicies()},
		Streaming: streaming.DefaultConfig(),
		Archive:   archive.DefaultConfig(),
		Audit:     AuditConfig{BufferSize: 4096, RetainSize: 1024, OverflowPolicy: "drop_oldest"},
	}
}
