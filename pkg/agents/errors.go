package agents

import "github.com/avi3tal/agentflow/internal/recovery"

// Error tagging helpers so agent implementations can declare their failure
// class without importing engine internals.
var (
	// Transient marks an error as retryable
	Transient = recovery.Transient
	// RateLimited marks an error as a rate-limit rejection (retryable)
	RateLimited = recovery.RateLimited
	// Permanent marks an error as not worth retrying
	Permanent = recovery.Permanent
)
