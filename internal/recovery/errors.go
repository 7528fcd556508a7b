// Package recovery classifies task failures and decides what the engine does
// about them: retry, fallback, skip, checkpoint-and-pause, or abort.
package recovery

import (
	"fmt"
	"time"
)

// Class tags an agent failure for the retry rules
type Class string

const (
	// ClassTransient errors are worth retrying
	ClassTransient Class = "transient"
	// ClassRateLimit errors are transient by definition
	ClassRateLimit Class = "rate_limit"
	// ClassPermanent errors never retry
	ClassPermanent Class = "permanent"
)

// AgentError wraps a failure raised by an agent together with its declared
// class. Agents return Transient/RateLimited/Permanent to tag their own
// failures; untagged errors are treated as permanent unless a configured
// matcher says otherwise.
type AgentError struct {
	TaskID string
	Class  Class
	Err    error
}

func (e *AgentError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("agent error (%s): task '%s': %v", e.Class, e.TaskID, e.Err)
	}
	return fmt.Sprintf("agent error (%s): %v", e.Class, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Transient tags an error as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &AgentError{Class: ClassTransient, Err: err}
}

// RateLimited tags an error as a rate-limit rejection
func RateLimited(err error) error {
	if err == nil {
		return nil
	}
	return &AgentError{Class: ClassRateLimit, Err: err}
}

// Permanent tags an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &AgentError{Class: ClassPermanent, Err: err}
}

// TimeoutError is raised when a task exceeds its declared timeout. Timeouts
// are permanent unless the task declares them retryable.
type TimeoutError struct {
	TaskID    string
	Timeout   time.Duration
	Retryable bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task '%s' timed out after %s", e.TaskID, e.Timeout)
}

// BlockedError is synthesized by the engine when a task can never run because
// a required dependency failed.
type BlockedError struct {
	TaskID string
	DepID  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("task '%s' blocked by dependency failure: '%s'", e.TaskID, e.DepID)
}
