// Package cli turns command-line arguments into an app configuration and
// a command to run.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/blockwork-eda/blockwork/internal/app"
)

// ExitError is an error carrying a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Command is one parsed invocation.
type Command struct {
	App *app.Config
	// Verb is "run", "read-key" or "fetch".
	Verb string
	// Transform names the subject of the cache verbs.
	Transform string
}

// Parse processes command-line arguments. It returns the parsed command,
// a boolean indicating the program should exit cleanly (help shown), or
// an ExitError for usage mistakes.
func Parse(args []string, output io.Writer) (*Command, bool, error) {
	flagSet := flag.NewFlagSet("bw", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
bw - a transform graph build engine with content-addressed caching.

Usage:
  bw [options] [BUILD_PATH]
  bw [options] cache read-key TRANSFORM
  bw [options] cache fetch TRANSFORM

Arguments:
  BUILD_PATH
    Path to the build file. Defaults to build.bw.hcl.

Options:
`)
		flagSet.PrintDefaults()
	}

	buildFlag := flagSet.String("build", "", "Path to the build file.")
	targetsFlag := flagSet.String("targets", "", "Comma-separated transforms to build. Empty builds everything.")
	workersFlag := flagSet.Int("workers", 0, "Number of concurrent workers. 0 uses the build file's setting.")
	noCacheFlag := flagSet.Bool("no-cache", false, "Disable all cache backends for this run.")
	failFastFlag := flagSet.Bool("fail-fast", false, "Cancel in-flight work on the first failure.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	cmd := &Command{
		Verb: "run",
		App: &app.Config{
			BuildPath: *buildFlag,
			Workers:   *workersFlag,
			NoCache:   *noCacheFlag,
			FailFast:  *failFastFlag,
			LogFormat: logFormat,
			LogLevel:  logLevel,
		},
	}
	if *targetsFlag != "" {
		for _, target := range strings.Split(*targetsFlag, ",") {
			if target = strings.TrimSpace(target); target != "" {
				cmd.App.Targets = append(cmd.App.Targets, target)
			}
		}
	}

	rest := flagSet.Args()
	if len(rest) > 0 && rest[0] == "cache" {
		if len(rest) != 3 {
			return nil, false, &ExitError{Code: 2, Message: "usage: bw cache {read-key|fetch} TRANSFORM"}
		}
		switch rest[1] {
		case "read-key", "fetch":
			cmd.Verb = rest[1]
		default:
			return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unknown cache verb %q", rest[1])}
		}
		cmd.Transform = rest[2]
	} else if len(rest) == 1 && cmd.App.BuildPath == "" {
		cmd.App.BuildPath = rest[0]
	} else if len(rest) > 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected argument %q", rest[0])}
	}

	if cmd.App.BuildPath == "" {
		cmd.App.BuildPath = "build.bw.hcl"
	}
	return cmd, false, nil
}
