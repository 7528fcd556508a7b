package workflow

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/avi3tal/agentflow/internal/graph"
)

var (
	// ErrConditionNotFound is returned when a definition names an unregistered condition
	ErrConditionNotFound = errors.New("condition not registered")

	// ErrTransformNotFound is returned when a definition names an unregistered transform
	ErrTransformNotFound = errors.New("transform not registered")
)

// Definition is the declarative, serializable form of a workflow. Conditions
// and transforms are referenced by name and resolved against the
// orchestrator's registry at compile time.
type Definition struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
	Edges []EdgeSpec `yaml:"edges,omitempty"`
}

// TaskSpec declares one task in a definition file
type TaskSpec struct {
	ID             string     `yaml:"id"`
	Agent          string     `yaml:"agent"`
	Input          any        `yaml:"input,omitempty"`
	DependsOn      []string   `yaml:"depends_on,omitempty"`
	Optional       bool       `yaml:"optional,omitempty"`
	Critical       bool       `yaml:"critical,omitempty"`
	Fallback       string     `yaml:"fallback,omitempty"`
	Timeout        string     `yaml:"timeout,omitempty"`
	RetryOnTimeout bool       `yaml:"retry_on_timeout,omitempty"`
	Retry          *RetrySpec `yaml:"retry,omitempty"`
}

// RetrySpec declares a per-task retry policy
type RetrySpec struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelay      string  `yaml:"initial_delay,omitempty"`
	MaxDelay          string  `yaml:"max_delay,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`
}

// EdgeSpec declares one dependency edge in a definition file
type EdgeSpec struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition,omitempty"`
	Transform string `yaml:"transform,omitempty"`
	Tolerate  bool   `yaml:"tolerate,omitempty"`
}

// ParseDefinition decodes a YAML workflow definition
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "parse workflow definition")
	}
	if def.Name == "" {
		return nil, errors.New("workflow definition requires a name")
	}
	return &def, nil
}

// DefineFromYAML parses a YAML definition, resolves named conditions and
// transforms, and registers the compiled workflow.
func (o *Orchestrator) DefineFromYAML(data []byte) (*Graph, error) {
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return o.Define(def)
}

// Define compiles a parsed definition and registers it under its name
func (o *Orchestrator) Define(def *Definition) (*Graph, error) {
	tasks := make([]TaskDef, 0, len(def.Tasks))
	for _, spec := range def.Tasks {
		task, err := spec.compile()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	edges := make([]EdgeDef, 0, len(def.Edges))
	for _, spec := range def.Edges {
		edge := EdgeDef{From: spec.From, To: spec.To, Tolerate: spec.Tolerate}
		if spec.Condition != "" {
			o.mu.RLock()
			cond, ok := o.conditions[spec.Condition]
			o.mu.RUnlock()
			if !ok {
				return nil, errors.Wrap(ErrConditionNotFound, spec.Condition)
			}
			edge.Condition = cond
		}
		if spec.Transform != "" {
			o.mu.RLock()
			tr, ok := o.transforms[spec.Transform]
			o.mu.RUnlock()
			if !ok {
				return nil, errors.Wrap(ErrTransformNotFound, spec.Transform)
			}
			edge.Transform = tr
		}
		edges = append(edges, edge)
	}

	return o.DefineWorkflow(def.Name, tasks, edges)
}

func (s TaskSpec) compile() (TaskDef, error) {
	task := TaskDef{
		ID:             s.ID,
		AgentID:        s.Agent,
		Input:          s.Input,
		DependsOn:      s.DependsOn,
		Optional:       s.Optional,
		Critical:       s.Critical,
		Fallback:       s.Fallback,
		RetryOnTimeout: s.RetryOnTimeout,
	}

	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return TaskDef{}, errors.Wrapf(err, "task %s: invalid timeout", s.ID)
		}
		task.Timeout = d
	}

	if s.Retry != nil {
		rp := &graph.RetryPolicy{
			MaxAttempts:       s.Retry.MaxAttempts,
			BackoffMultiplier: s.Retry.BackoffMultiplier,
		}
		if s.Retry.InitialDelay != "" {
			d, err := time.ParseDuration(s.Retry.InitialDelay)
			if err != nil {
				return TaskDef{}, errors.Wrapf(err, "task %s: invalid initial_delay", s.ID)
			}
			rp.InitialDelay = d
		}
		if s.Retry.MaxDelay != "" {
			d, err := time.ParseDuration(s.Retry.MaxDelay)
			if err != nil {
				return TaskDef{}, errors.Wrapf(err, "task %s: invalid max_delay", s.ID)
			}
			rp.MaxDelay = d
		}
		task.Retry = rp
	}

	return task, nil
}
