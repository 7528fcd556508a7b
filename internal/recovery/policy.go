package recovery

import (
	"errors"
	"time"

	"github.com/avi3tal/agentflow/internal/graph"
)

// Action is the policy's verdict for one failure
type Action string

const (
	ActionRetry    Action = "retry"
	ActionFallback Action = "fallback"
	ActionSkip     Action = "skip"
	ActionPause    Action = "pause"
	ActionAbort    Action = "abort"
)

// Verdict is the decision for one failing task
type Verdict struct {
	Action Action
	// Delay applies to retries
	Delay time.Duration
	// FallbackAgent is set when Action is ActionFallback
	FallbackAgent string
}

const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 500 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Matcher reports whether an otherwise untagged error should be treated as
// transient. Matchers let callers mark provider-specific failures retryable
// without the agent tagging them.
type Matcher func(error) bool

// Policy decides recovery actions. Rules, first match wins:
//
//  1. transient failure with attempts remaining -> retry with backoff
//  2. configured fallback agent not yet tried -> fallback, once
//  3. optional task -> skip
//  4. critical task -> pause behind a checkpoint
//  5. otherwise -> abort
type Policy struct {
	retry    graph.RetryPolicy
	matchers []Matcher
}

type Option func(*Policy)

// WithRetryDefaults overrides the policy-level retry parameters used when a
// task declares no policy of its own
func WithRetryDefaults(rp graph.RetryPolicy) Option {
	return func(p *Policy) {
		p.retry = rp
	}
}

// WithTransientMatcher adds an error matcher to the transient class
func WithTransientMatcher(m Matcher) Option {
	return func(p *Policy) {
		p.matchers = append(p.matchers, m)
	}
}

func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		retry: graph.RetryPolicy{
			MaxAttempts:       DefaultMaxAttempts,
			InitialDelay:      DefaultInitialDelay,
			MaxDelay:          DefaultMaxDelay,
			BackoffMultiplier: DefaultBackoffMultiplier,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Decide returns the recovery verdict for the given failure. attempts counts
// invocations already made, including the failing one. fallbackTried reports
// whether the task's fallback agent has already been attempted.
func (p *Policy) Decide(task graph.TaskDef, err error, attempts int, fallbackTried bool) Verdict {
	rp := p.retryFor(task)

	if p.transient(err) && attempts < rp.MaxAttempts {
		return Verdict{
			Action: ActionRetry,
			Delay:  backoff(rp, attempts),
		}
	}

	if task.Fallback != "" && !fallbackTried {
		return Verdict{Action: ActionFallback, FallbackAgent: task.Fallback}
	}

	if task.Optional {
		return Verdict{Action: ActionSkip}
	}

	if task.Critical {
		return Verdict{Action: ActionPause}
	}

	return Verdict{Action: ActionAbort}
}

func (p *Policy) retryFor(task graph.TaskDef) graph.RetryPolicy {
	if task.Retry == nil {
		return p.retry
	}

	rp := *task.Retry
	if rp.InitialDelay <= 0 {
		rp.InitialDelay = p.retry.InitialDelay
	}
	if rp.MaxDelay <= 0 {
		rp.MaxDelay = p.retry.MaxDelay
	}
	if rp.BackoffMultiplier <= 1 {
		rp.BackoffMultiplier = p.retry.BackoffMultiplier
	}
	return rp
}

// transient reports whether the error belongs to a retryable class
func (p *Policy) transient(err error) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		switch agentErr.Class {
		case ClassTransient, ClassRateLimit:
			return true
		case ClassPermanent:
			return false
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Retryable
	}

	var blockedErr *BlockedError
	if errors.As(err, &blockedErr) {
		return false
	}

	for _, m := range p.matchers {
		if m(err) {
			return true
		}
	}
	return false
}

// backoff computes the exponential retry delay for the given attempt count
func backoff(rp graph.RetryPolicy, attempts int) time.Duration {
	delay := float64(rp.InitialDelay)
	for i := 1; i < attempts; i++ {
		delay *= rp.BackoffMultiplier
		if delay > float64(rp.MaxDelay) {
			delay = float64(rp.MaxDelay)
			break
		}
	}
	return time.Duration(delay)
}
