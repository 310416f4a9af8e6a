// Package testutil provides scripted collaborators for engine tests, most
// importantly a job runner that fakes command execution by writing the
// files a real command would have produced.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockwork-eda/blockwork/internal/runner"
)

// Script fakes the effect of one command.
type Script func(ctx context.Context, proc runner.Procedure) (runner.Result, error)

// ScriptRunner dispatches procedures to scripts by command name and
// records every call. Safe for concurrent use.
type ScriptRunner struct {
	mu      sync.Mutex
	scripts map[string]Script
	calls   []runner.Procedure
}

// NewScriptRunner returns a runner with no scripts: every command
// succeeds and does nothing until scripted otherwise.
func NewScriptRunner() *ScriptRunner {
	return &ScriptRunner{scripts: make(map[string]Script)}
}

// On registers the script for a command name.
func (r *ScriptRunner) On(command string, script Script) *ScriptRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[command] = script
	return r
}

// Run implements runner.Runner.
func (r *ScriptRunner) Run(ctx context.Context, proc runner.Procedure) (runner.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, proc)
	script := r.scripts[proc.Command]
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return runner.Result{}, err
	}
	if script == nil {
		return runner.Result{}, nil
	}
	return script(ctx, proc)
}

// Calls returns a copy of every procedure run so far.
func (r *ScriptRunner) Calls() []runner.Procedure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runner.Procedure, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many procedures ran for the given command.
func (r *ScriptRunner) CallCount(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if call.Command == command {
			n++
		}
	}
	return n
}

// WriteFiles returns a script that writes fixed file contents, creating
// parent directories as needed.
func WriteFiles(files map[string]string) Script {
	return func(_ context.Context, _ runner.Procedure) (runner.Result, error) {
		for path, content := range files {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return runner.Result{}, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return runner.Result{}, err
			}
		}
		return runner.Result{}, nil
	}
}

// Fail returns a script that exits non-zero with the given stderr.
func Fail(exitCode int, stderr string) Script {
	return func(_ context.Context, _ runner.Procedure) (runner.Result, error) {
		return runner.Result{ExitCode: exitCode, Stderr: []byte(stderr)}, nil
	}
}

// Error returns a script whose invocation itself errors, as if the
// command could not be started.
func Error(message string) Script {
	return func(_ context.Context, _ runner.Procedure) (runner.Result, error) {
		return runner.Result{}, fmt.Errorf("%s", message)
	}
}
