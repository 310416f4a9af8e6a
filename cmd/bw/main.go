package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/blockwork-eda/blockwork/internal/app"
	"github.com/blockwork-eda/blockwork/internal/cli"
	"github.com/blockwork-eda/blockwork/internal/scheduler"
)

// main is the entrypoint for the bw build engine.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		var runErr *scheduler.RunError
		if errors.As(err, &runErr) {
			fmt.Fprintln(os.Stderr, runErr.Error())
			os.Exit(1)
		}
		// Anything else is a configuration or engine fault, not a build
		// failure, and exits distinctly.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
}

// run encapsulates the main application logic for easier testing.
func run(outW io.Writer, args []string) error {
	cmd, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	engine, err := app.New(outW, cmd.App)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch cmd.Verb {
	case "read-key":
		return engine.ReadKey(ctx, cmd.Transform)
	case "fetch":
		return engine.FetchOutputs(ctx, cmd.Transform)
	default:
		_, err := engine.Run(ctx)
		return err
	}
}
