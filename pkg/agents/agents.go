// Package agents provides ready-made Agent implementations: in-process
// functions, LLM-backed agents, and shell commands.
package agents

import (
	"context"

	"github.com/avi3tal/agentflow/internal/engine"
)

// Invocation and Result are re-exported so agent authors only import this package.
type (
	Invocation = engine.Invocation
	Result     = engine.Result
)

// FuncAgent is a straightforward in-process function agent
type FuncAgent struct {
	id string
	fn func(context.Context, Invocation) (Result, error)
}

// NewFunc helper to create an inline agent
func NewFunc(id string, fn func(context.Context, Invocation) (Result, error)) *FuncAgent {
	return &FuncAgent{id: id, fn: fn}
}

func (a *FuncAgent) ID() string {
	return a.id
}

func (a *FuncAgent) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return a.fn(ctx, inv)
}
