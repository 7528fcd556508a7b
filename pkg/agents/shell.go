package agents

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// ShellAgent runs the task's static input as a shell command. Stdout becomes
// the task result; a non-zero exit fails the task with stderr attached.
type ShellAgent struct {
	id  string
	dir string
}

type ShellOption func(*ShellAgent)

// WithWorkDir sets the command working directory
func WithWorkDir(dir string) ShellOption {
	return func(a *ShellAgent) {
		a.dir = dir
	}
}

func NewShell(id string, opts ...ShellOption) *ShellAgent {
	a := &ShellAgent{id: id}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *ShellAgent) ID() string {
	return a.id
}

func (a *ShellAgent) Execute(ctx context.Context, inv Invocation) (Result, error) {
	command, ok := inv.Input.(string)
	if !ok || strings.TrimSpace(command) == "" {
		return Result{}, errors.Errorf("shell agent %s requires a command string input", a.id)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = a.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, errors.Wrapf(err, "command failed: %s", strings.TrimSpace(stderr.String()))
	}
	return Result{Output: strings.TrimRight(stdout.String(), "\n")}, nil
}
