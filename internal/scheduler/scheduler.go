// Package scheduler drives a validated transform graph through the three
// phases of a run: definition hashing, a cache reconciliation walk that
// decides what can be fetched or skipped, and concurrent execution of
// whatever remains.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockwork-eda/blockwork/internal/cache"
	"github.com/blockwork-eda/blockwork/internal/ctxlog"
	"github.com/blockwork-eda/blockwork/internal/graph"
	"github.com/blockwork-eda/blockwork/internal/hashing"
	"github.com/blockwork-eda/blockwork/internal/runner"
	"github.com/blockwork-eda/blockwork/internal/statestore"
	"github.com/blockwork-eda/blockwork/internal/tools"
	"github.com/blockwork-eda/blockwork/internal/transform"
)

// Options tune one run.
type Options struct {
	// Workers is the execution concurrency. Zero means one.
	Workers int
	// FailFast stops scheduling new work after the first failure.
	// Procedures already running finish either way; dependents of the
	// failure are always aborted.
	FailFast bool
	// TargetsFromCache allows requested targets themselves to be
	// satisfied by a cache fetch instead of execution.
	TargetsFromCache bool
	// Determinism selects whether content divergence under an unchanged
	// definition hash is a warning or a run failure.
	Determinism cache.DeterminismPolicy
}

// Result reports the terminal disposition of every transform.
type Result struct {
	Statuses         map[string]Status
	DefinitionHashes map[string]string
	// Errors holds the per-transform error for failed and aborted nodes.
	Errors      map[string]error
	Determinism []*cache.DeterminismError
}

// Count returns how many transforms ended in the given status.
func (r *Result) Count(status Status) int {
	n := 0
	for _, s := range r.Statuses {
		if s == status {
			n++
		}
	}
	return n
}

// RunError reports that one or more transforms failed. It is the run
// outcome for build failures, distinct from configuration or internal
// faults surfaced as plain errors.
type RunError struct {
	Failed []string
	Cause  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("execution failed for %s: %v", strings.Join(e.Failed, ", "), e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }

// runStats is the per-transform measurement persisted between runs.
type runStats struct {
	RunSeconds float64 `json:"run_seconds"`
	ByteSize   int64   `json:"byte_size"`
}

const statsNamespace = "transforms"

// Scheduler owns the collaborators of a run.
type Scheduler struct {
	graph  *graph.Graph
	hashes *hashing.Engine
	cache  *cache.Manager
	tools  *tools.Registry
	runner runner.Runner
	state  *statestore.Store
	opts   Options
}

// New assembles a scheduler. The cache manager and state store may be
// nil when caching or persistence is disabled.
func New(g *graph.Graph, hashes *hashing.Engine, mgr *cache.Manager, reg *tools.Registry, run runner.Runner, state *statestore.Store, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Scheduler{
		graph:  g,
		hashes: hashes,
		cache:  mgr,
		tools:  reg,
		runner: run,
		state:  state,
		opts:   opts,
	}
}

func (s *Scheduler) cachingEnabled() bool {
	return s.cache != nil && s.cache.Enabled()
}

// priorEstimate returns the measured wall-clock seconds of a transform's
// last execution, or zero when no measurement survives.
func (s *Scheduler) priorEstimate(name string) float64 {
	if s.state == nil {
		return 0
	}
	var prior runStats
	if ok, err := s.state.Load(statsNamespace, name, &prior); err == nil && ok {
		return prior.RunSeconds
	}
	return 0
}

// node is the execution-phase view of one pending transform.
type node struct {
	name       string
	transform  *transform.Transform
	defHash    string
	estimate   float64
	depCount   atomic.Int32
	dependents []*node
	once       sync.Once
	status     atomic.Int32
	err        error
}

// Run drives the graph to completion and reports every transform's
// disposition. The returned error is a *RunError for build failures;
// any other error is an engine fault that aborted the run.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	defHashes, err := s.hashes.DefinitionHashes(s.graph)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Statuses:         make(map[string]Status, s.graph.Len()),
		DefinitionHashes: defHashes,
		Errors:           make(map[string]error),
	}
	s.reconcile(ctx, result)

	pending := 0
	for _, status := range result.Statuses {
		if status == StatusPending {
			pending++
		}
	}
	logger.Info("Run plan ready.",
		"transforms", s.graph.Len(),
		"fetched", result.Count(StatusFetched),
		"skipped", result.Count(StatusSkipped),
		"pending", pending)

	if pending > 0 {
		s.execute(ctx, result)
	}

	if s.cachingEnabled() {
		s.cache.PruneAll(ctx)
	}

	var failed []string
	for _, name := range s.graph.Topological() {
		if result.Statuses[name] != StatusFailed {
			continue
		}
		failed = append(failed, name)
	}
	if len(failed) > 0 {
		// Aborted dependents are symptoms; the root cause is the first
		// failure in dependency order.
		return result, &RunError{Failed: failed, Cause: result.Errors[failed[0]]}
	}
	if s.opts.Determinism == cache.DeterminismFail && len(result.Determinism) > 0 {
		return result, &RunError{
			Failed: determinismTransforms(result.Determinism),
			Cause:  result.Determinism[0],
		}
	}
	return result, nil
}

// reconcile is the pre-run walk, sinks first. A transform whose
// dependents are all satisfied without execution, and which is not itself
// a target, is skipped outright; everything still needed is offered to
// the caches before being scheduled for execution.
func (s *Scheduler) reconcile(ctx context.Context, result *Result) {
	logger := ctxlog.FromContext(ctx)
	for _, name := range s.graph.ReverseTopological() {
		needed := s.graph.IsTarget(name)
		for _, dependent := range s.graph.Dependents(name) {
			if !result.Statuses[dependent].terminal() {
				needed = true
				break
			}
		}
		if !needed {
			logger.Debug("Transform not needed, skipping.", "transform", name)
			result.Statuses[name] = StatusSkipped
			continue
		}

		result.Statuses[name] = StatusPending
		if !s.cachingEnabled() {
			continue
		}
		if s.graph.IsTarget(name) && !s.opts.TargetsFromCache {
			continue
		}
		outputs, cacheable := cacheableOutputs(s.graph.Transform(name))
		if !cacheable {
			continue
		}
		hit, err := s.cache.Fetch(ctx, cache.FetchRequest{
			DefinitionHash: result.DefinitionHashes[name],
			Outputs:        outputs,
		})
		if err != nil {
			logger.Warn("Cache lookup failed, transform will execute.", "transform", name, "error", err)
			continue
		}
		if hit {
			logger.Info("Outputs fetched from cache.", "transform", name)
			result.Statuses[name] = StatusFetched
		}
	}
}

// cacheableOutputs maps each output interface to the single host path
// that realizes it. A transform with a pathless or multi-path output
// cannot round-trip through the cache and always executes.
func cacheableOutputs(t *transform.Transform) (map[string]string, bool) {
	paths := t.OutputPaths()
	outputs := make(map[string]string, len(paths))
	for _, field := range t.OutputFields() {
		refs := paths[field]
		if len(refs) != 1 || refs[0].Host == "" {
			return nil, false
		}
		outputs[field] = refs[0].Host
	}
	return outputs, len(outputs) > 0
}

// execute runs every still-pending transform through a worker pool.
// Dependency counts only cover pending dependencies; fetched and skipped
// neighbours are already satisfied.
func (s *Scheduler) execute(ctx context.Context, result *Result) {
	logger := ctxlog.FromContext(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	nodes := make(map[string]*node)
	for _, name := range s.graph.Topological() {
		if result.Statuses[name] != StatusPending {
			continue
		}
		nodes[name] = &node{
			name:      name,
			transform: s.graph.Transform(name),
			defHash:   result.DefinitionHashes[name],
			estimate:  s.priorEstimate(name),
		}
	}
	for name, n := range nodes {
		for _, dep := range s.graph.Dependencies(name) {
			if upstream, ok := nodes[dep]; ok {
				n.depCount.Add(1)
				upstream.dependents = append(upstream.dependents, n)
			}
		}
	}

	readyChan := make(chan *node, len(nodes))
	var ready []*node
	for _, name := range s.graph.Topological() {
		if n, ok := nodes[name]; ok && n.depCount.Load() == 0 {
			ready = append(ready, n)
		}
	}
	// Roots with the longest measured run time start first so the slow
	// part of the graph gets a head start. Unmeasured roots keep their
	// topological order.
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].estimate > ready[j].estimate
	})
	for _, n := range ready {
		readyChan <- n
	}

	var wg sync.WaitGroup
	wg.Add(len(nodes))

	workers := s.opts.Workers
	if workers > len(nodes) {
		workers = len(nodes)
	}
	logger.Debug("Starting worker pool.", "workers", workers)

	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		go s.worker(ctx, runCtx, readyChan, cancel, &wg, &mu, result)
	}
	wg.Wait()
	close(readyChan)

	for name, n := range nodes {
		result.Statuses[name] = Status(n.status.Load())
		if n.err != nil {
			result.Errors[name] = n.err
		}
	}
}

// worker consumes ready nodes until the pool drains. runCtx gates the
// start of new work; procedures themselves run on ctx so a fail-fast
// cancellation never kills an unrelated in-flight command.
func (s *Scheduler) worker(ctx, runCtx context.Context, readyChan chan *node, cancel context.CancelFunc, wg *sync.WaitGroup, mu *sync.Mutex, result *Result) {
	logger := ctxlog.FromContext(ctx)
	for n := range readyChan {
		if runCtx.Err() != nil {
			// A drained node never ran, so its dependents must be
			// released here or the pool never empties.
			n.once.Do(func() {
				n.status.Store(int32(StatusAborted))
				n.err = runCtx.Err()
				wg.Done()
				s.abortDependents(ctx, n, wg)
			})
			continue
		}

		violations, err := s.executeOne(ctx, n)
		if len(violations) > 0 {
			mu.Lock()
			result.Determinism = append(result.Determinism, violations...)
			mu.Unlock()
		}

		if err != nil {
			logger.Error("Transform failed.", "transform", n.name, "error", err)
			n.status.Store(int32(StatusFailed))
			n.err = err
			if s.opts.FailFast {
				cancel()
			}
			s.abortDependents(ctx, n, wg)
			wg.Done()
			continue
		}

		n.status.Store(int32(StatusExecuted))
		for _, dependent := range n.dependents {
			if dependent.depCount.Add(-1) == 0 {
				readyChan <- dependent
			}
		}
		wg.Done()
	}
}

// abortDependents recursively marks downstream pending nodes as aborted.
// They cannot run whether or not the rest of the run continues.
func (s *Scheduler) abortDependents(ctx context.Context, n *node, wg *sync.WaitGroup) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range n.dependents {
		dependent.once.Do(func() {
			logger.Warn("Aborting dependent of failed transform.",
				"transform", dependent.name, "failed", n.name)
			dependent.status.Store(int32(StatusAborted))
			dependent.err = fmt.Errorf("upstream transform %q failed", n.name)
			wg.Done()
			s.abortDependents(ctx, dependent, wg)
		})
	}
}

// executeOne runs a single transform's procedures, hashes and stores its
// outputs, and verifies determinism against any cached record.
func (s *Scheduler) executeOne(ctx context.Context, n *node) ([]*cache.DeterminismError, error) {
	t := n.transform
	ctx = ctxlog.With(ctx, "transform", n.name)
	logger := ctxlog.FromContext(ctx)

	env := make(map[string]string)
	if s.tools != nil {
		if err := s.tools.Bind(t.Tools(), env); err != nil {
			return nil, err
		}
	}
	if err := t.ApplyEnv(env); err != nil {
		return nil, err
	}

	if n.estimate > 0 {
		logger.Debug("Expecting duration from prior run.", "estimated_seconds", n.estimate)
	}

	// Commands write through their declared output paths and expect the
	// directories above them to exist.
	for _, refs := range t.OutputPaths() {
		for _, ref := range refs {
			if ref.Host == "" {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(ref.Host), 0o755); err != nil {
				return nil, fmt.Errorf("creating output directory: %w", err)
			}
		}
	}

	procs, err := t.Procedures(ctx, env)
	if err != nil {
		return nil, err
	}

	logger.Info("Executing transform.", "procedures", len(procs))
	start := time.Now()
	for _, proc := range procs {
		res, err := s.runner.Run(ctx, proc)
		if err != nil {
			return nil, fmt.Errorf("running %q: %w", proc.Command, err)
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("command %q exited %d: %s",
				proc.Command, res.ExitCode, tailOf(string(res.Stderr)))
		}
	}
	elapsed := time.Since(start)
	logger.Info("Transform executed.", "seconds", elapsed.Seconds())

	outputs, cacheable := cacheableOutputs(t)
	if !cacheable {
		return nil, nil
	}

	var artefacts []cache.OutputArtefact
	fresh := make(map[string]string, len(outputs))
	var total int64
	fields := make([]string, 0, len(outputs))
	for field := range outputs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		path := outputs[field]
		contentHash, err := s.hashes.ContentHash(path)
		if err != nil {
			return nil, fmt.Errorf("output %q was not produced: %w", field, err)
		}
		size := cache.ByteSize(path)
		total += size
		fresh[field] = contentHash
		artefacts = append(artefacts, cache.OutputArtefact{
			Field:       field,
			Path:        path,
			ContentHash: contentHash,
			ByteSize:    size,
		})
	}

	if s.state != nil {
		stats := runStats{RunSeconds: elapsed.Seconds(), ByteSize: total}
		if err := s.state.Save(statsNamespace, n.name, stats); err != nil {
			logger.Warn("Could not persist run measurements.", "error", err)
		}
	}

	if !s.cachingEnabled() {
		return nil, nil
	}

	violations := s.cache.CheckDeterminism(ctx, n.name, n.defHash, fresh)
	for _, v := range violations {
		logger.Warn("Determinism violation detected.", "output", v.Field, "cache", v.Cache)
	}

	s.cache.Store(ctx, cache.StoreRequest{
		DefinitionHash: n.defHash,
		RunTime:        elapsed,
		Outputs:        artefacts,
	})
	return violations, nil
}

func determinismTransforms(violations []*cache.DeterminismError) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range violations {
		if _, dup := seen[v.Transform]; dup {
			continue
		}
		seen[v.Transform] = struct{}{}
		out = append(out, v.Transform)
	}
	sort.Strings(out)
	return out
}

// tailOf trims captured stderr to its last few lines for error messages.
func tailOf(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "(no output)"
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
