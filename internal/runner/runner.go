// Package runner defines the boundary to the job execution layer.
//
// The engine treats the runner as a black box: it hands over a fully
// resolved procedure specification and receives an exit status plus
// captured output streams. The bundled Local implementation executes
// procedures as host subprocesses; grid or container dispatch sits behind
// the same interface.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
)

// Bind describes a host directory or file that must be visible inside the
// execution sandbox.
type Bind struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// Procedure is a single invocation to be executed by the job runner.
type Procedure struct {
	Command     string
	Args        []string
	Env         map[string]string
	WorkDir     string
	Binds       []Bind
	Interactive bool
}

// Result reports the outcome of a procedure.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// Runner executes procedures. Implementations may dispatch to arbitrary
// compute; callers must assume a call can fail, hang until the context is
// cancelled, or report a timeout.
type Runner interface {
	Run(ctx context.Context, proc Procedure) (Result, error)
}

// Local runs procedures as subprocesses on the host. Binds are ignored
// since the host filesystem is directly visible.
type Local struct{}

// NewLocal returns a host-subprocess runner.
func NewLocal() *Local { return &Local{} }

// Run implements Runner.
func (l *Local) Run(ctx context.Context, proc Procedure) (Result, error) {
	cmd := exec.CommandContext(ctx, proc.Command, proc.Args...)
	cmd.Dir = proc.WorkDir
	cmd.Env = flattenEnv(proc.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = -1
		return res, fmt.Errorf("procedure %q interrupted: %w", proc.Command, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("launching %q: %w", proc.Command, err)
	}
	return res, nil
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}
