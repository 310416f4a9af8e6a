package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/blockwork-eda/blockwork/internal/cache"
	"github.com/blockwork-eda/blockwork/internal/cache/diskcache"
	"github.com/blockwork-eda/blockwork/internal/cache/memcache"
	"github.com/blockwork-eda/blockwork/internal/cache/s3cache"
	"github.com/blockwork-eda/blockwork/internal/config"
	"github.com/blockwork-eda/blockwork/internal/ctxlog"
	"github.com/blockwork-eda/blockwork/internal/graph"
	"github.com/blockwork-eda/blockwork/internal/hashing"
	"github.com/blockwork-eda/blockwork/internal/runner"
	"github.com/blockwork-eda/blockwork/internal/scheduler"
	"github.com/blockwork-eda/blockwork/internal/statestore"
	"github.com/blockwork-eda/blockwork/internal/tools"
)

// logLevels maps the CLI level names onto slog levels. Unknown names
// fall back to info so a typo never silences the run.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// newLogger builds the run logger without touching the global default,
// so concurrent App instances stay isolated.
func newLogger(level, format string, outW io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevels[level]}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}

// Config holds everything an App instance needs to run.
type Config struct {
	BuildPath string

	// Targets overrides the build file's target list when non-empty.
	Targets []string
	// Workers overrides the build file's worker count when positive.
	Workers int
	// NoCache disables all cache backends for this run.
	NoCache bool
	// FailFast forces fail-fast even if the build file does not set it.
	FailFast bool

	LogFormat string
	LogLevel  string
}

// App encapsulates a loaded project and its live collaborators.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	cfg     *Config
	project *config.Project
	tools   *tools.Registry
	manager *cache.Manager
	state   *statestore.Store
}

// backendKinds is the fixed table of supported cache backends.
func backendKinds() *cache.Registry {
	reg := cache.NewRegistry()
	reg.Register("local", diskcache.New)
	reg.Register("memory", memcache.New)
	reg.Register("s3", s3cache.New)
	return reg
}

// New loads the build file and opens every configured backend. A failure
// here is a configuration error, not a build failure.
func New(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger = logger.With("run_id", uuid.NewString())

	project, err := config.Load(cfg.BuildPath)
	if err != nil {
		return nil, err
	}

	toolReg := tools.NewRegistry()
	for _, version := range project.Tools {
		if err := toolReg.Register(version); err != nil {
			return nil, err
		}
	}

	app := &App{
		outW:    outW,
		logger:  logger,
		cfg:     cfg,
		project: project,
		tools:   toolReg,
	}

	if project.Caching.Enabled && !cfg.NoCache {
		kinds := backendKinds()
		var entries []cache.Entry
		for _, backendCfg := range project.Caching.Backends {
			backend, err := kinds.Open(backendCfg)
			if err != nil {
				return nil, err
			}
			entries = append(entries, cache.Entry{Backend: backend, Config: backendCfg})
		}
		app.manager = cache.NewManager(entries)
	}

	state, err := statestore.Open(filepath.Join(project.Run.Scratch, "state"))
	if err != nil {
		return nil, err
	}
	app.state = state
	return app, nil
}

// targets returns the effective target list for this run.
func (a *App) targets() []string {
	if len(a.cfg.Targets) > 0 {
		return a.cfg.Targets
	}
	return a.project.Run.Targets
}

// buildGraph validates the project's transforms against the run targets.
func (a *App) buildGraph() (*graph.Graph, error) {
	return graph.Build(a.project.Transforms, a.targets(), filepath.Join(a.project.Run.Scratch, "outputs"))
}

// Run executes the build and writes a per-transform report. The returned
// error is a *scheduler.RunError when transforms failed.
func (a *App) Run(ctx context.Context) (*scheduler.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	g, err := a.buildGraph()
	if err != nil {
		return nil, err
	}

	workers := a.project.Run.Workers
	if a.cfg.Workers > 0 {
		workers = a.cfg.Workers
	}
	sched := scheduler.New(
		g,
		hashing.NewEngine(),
		a.manager,
		a.tools,
		&runner.Local{},
		a.state,
		scheduler.Options{
			Workers:          workers,
			FailFast:         a.cfg.FailFast || a.project.Run.FailFast,
			TargetsFromCache: a.project.Caching.TargetsFromCache,
			Determinism:      a.project.Caching.Determinism,
		},
	)

	result, runErr := sched.Run(ctx)
	if result != nil {
		a.report(g, result)
	}
	return result, runErr
}

// report writes the human-readable run summary.
func (a *App) report(g *graph.Graph, result *scheduler.Result) {
	for _, name := range g.Topological() {
		status := result.Statuses[name]
		if err, failed := result.Errors[name]; failed && status == scheduler.StatusFailed {
			fmt.Fprintf(a.outW, "%-10s %s: %v\n", status, name, err)
			continue
		}
		fmt.Fprintf(a.outW, "%-10s %s\n", status, name)
	}
	for _, violation := range result.Determinism {
		fmt.Fprintf(a.outW, "determinism: %v\n", violation)
	}
}

// ReadKey prints the cached key record of one transform as JSON.
func (a *App) ReadKey(ctx context.Context, transformName string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	if a.manager == nil {
		return fmt.Errorf("caching is not enabled for this project")
	}

	g, err := a.buildGraph()
	if err != nil {
		return err
	}
	if g.Transform(transformName) == nil {
		return fmt.Errorf("unknown transform %q", transformName)
	}
	hashes, err := hashing.NewEngine().DefinitionHashes(g)
	if err != nil {
		return err
	}

	rec, ok := a.manager.ReadKeyRecord(hashes[transformName])
	if !ok {
		return fmt.Errorf("no cached record for transform %q", transformName)
	}
	enc := json.NewEncoder(a.outW)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Transform      string          `json:"transform"`
		DefinitionHash string          `json:"definition_hash"`
		Record         cache.KeyRecord `json:"record"`
	}{transformName, hashes[transformName], rec})
}

// FetchOutputs materializes one transform's outputs from the caches
// without running anything.
func (a *App) FetchOutputs(ctx context.Context, transformName string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	if a.manager == nil {
		return fmt.Errorf("caching is not enabled for this project")
	}

	g, err := a.buildGraph()
	if err != nil {
		return err
	}
	t := g.Transform(transformName)
	if t == nil {
		return fmt.Errorf("unknown transform %q", transformName)
	}
	hashes, err := hashing.NewEngine().DefinitionHashes(g)
	if err != nil {
		return err
	}

	outputs := make(map[string]string)
	for field, refs := range t.OutputPaths() {
		if len(refs) == 1 && refs[0].Host != "" {
			outputs[field] = refs[0].Host
		}
	}
	if len(outputs) == 0 {
		return fmt.Errorf("transform %q has no cacheable outputs", transformName)
	}

	hit, err := a.manager.Fetch(ctx, cache.FetchRequest{
		DefinitionHash: hashes[transformName],
		Outputs:        outputs,
	})
	if err != nil {
		return err
	}
	if !hit {
		return fmt.Errorf("no complete cached copy of %q", transformName)
	}
	for field, path := range outputs {
		fmt.Fprintf(a.outW, "fetched %s -> %s\n", field, path)
	}
	return nil
}
