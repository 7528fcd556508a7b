package workflow

import (
	"io"
	"log/slog"

	"github.com/avi3tal/agentflow/internal/logging"
	"github.com/avi3tal/agentflow/internal/recovery"
	"github.com/avi3tal/agentflow/internal/store"
)

// RecoveryPolicy decides retry/fallback/skip/pause/abort per failing task
type RecoveryPolicy = recovery.Policy

// RecoveryOption configures a RecoveryPolicy
type RecoveryOption = recovery.Option

// Logger is the minimal logging interface the engine writes to
type Logger = logging.Logger

// NewMemoryStore returns the in-process Store backend
func NewMemoryStore() Store {
	return store.NewMemoryStore()
}

// OpenSQLiteStore opens the durable SQLite-backed Store at path
func OpenSQLiteStore(path string) (Store, error) {
	return store.OpenSQLite(path)
}

// NewRecoveryPolicy builds a recovery policy
func NewRecoveryPolicy(opts ...RecoveryOption) *RecoveryPolicy {
	return recovery.NewPolicy(opts...)
}

// WithRetryDefaults overrides the policy-level retry parameters
func WithRetryDefaults(rp RetryPolicy) RecoveryOption {
	return recovery.WithRetryDefaults(rp)
}

// WithTransientErrors marks errors matched by fn as retryable
func WithTransientErrors(fn func(error) bool) RecoveryOption {
	return recovery.WithTransientMatcher(fn)
}

// NewSlogLogger returns a Logger writing text records to w
func NewSlogLogger(w io.Writer, level slog.Level) Logger {
	return logging.NewSlog(w, level)
}
