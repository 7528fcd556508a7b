package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/agentflow/internal/recovery"
)

// LLMAgent binds a langchaingo model as a task agent. The prompt is assembled
// from the agent's system prompt, the task's static input, and the dependency
// outputs; the completion text becomes the task result.
type LLMAgent struct {
	id     string
	model  llms.Model
	system string
	opts   []llms.CallOption
}

type LLMOption func(*LLMAgent)

// WithSystemPrompt prepends an instruction block to every prompt
func WithSystemPrompt(prompt string) LLMOption {
	return func(a *LLMAgent) {
		a.system = prompt
	}
}

// WithCallOptions forwards call options (temperature, max tokens, ...) to the model
func WithCallOptions(opts ...llms.CallOption) LLMOption {
	return func(a *LLMAgent) {
		a.opts = append(a.opts, opts...)
	}
}

func NewLLM(id string, model llms.Model, opts ...LLMOption) *LLMAgent {
	a := &LLMAgent{id: id, model: model}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *LLMAgent) ID() string {
	return a.id
}

func (a *LLMAgent) Execute(ctx context.Context, inv Invocation) (Result, error) {
	completion, err := llms.GenerateFromSinglePrompt(ctx, a.model, a.buildPrompt(inv), a.opts...)
	if err != nil {
		// provider hiccups are worth retrying; the policy caps the attempts
		return Result{}, recovery.Transient(err)
	}
	return Result{Output: completion}, nil
}

func (a *LLMAgent) buildPrompt(inv Invocation) string {
	var b strings.Builder
	if a.system != "" {
		b.WriteString(a.system)
		b.WriteString("\n\n")
	}
	if inv.Input != nil {
		fmt.Fprintf(&b, "%v", inv.Input)
	}

	if len(inv.Dependencies) > 0 {
		ids := make([]string, 0, len(inv.Dependencies))
		for id := range inv.Dependencies {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		b.WriteString("\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "\n[%s]\n%v\n", id, inv.Dependencies[id])
		}
	}
	return b.String()
}
