/*
This file is part of btrsync.

Btrsync is free software: you can redistribute it and/or modify it under the terms of the
GNU Lesser General Public License as published by the Free Software Foundation, either
version 3 of the License, or (at your option) any later version.

Btrsync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
See the GNU Lesser General Public License for more details.

You should have received a copy of the GNU Lesser General Public License along with btrsync.
If not, see <https://www.gnu.org/licenses/>.
*/

// Package btrsync is the transfer executor: it drives a planner's output
// plan-by-plan through pkg/flow, aggregates per-subvolume outcomes, and
// returns a structured result. Plans run strictly sequentially -- the only
// concurrency this package introduces is for fanning out Root.List calls
// across multiple configured roots ahead of planning.
package btrsync

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
	"github.com/btrplex/btrsync/pkg/cowroot"
	"github.com/btrplex/btrsync/pkg/cowtree"
	"github.com/btrplex/btrsync/pkg/flow"
	"github.com/btrplex/btrsync/pkg/transfer"
)

const defaultShutdownGrace = 5 * time.Second

// StageResult mirrors flow.StageResult. It is its own type, rather than a
// re-export, so that a process-less transfer (both endpoints stream-based,
// see runOne) can report a synthetic single stage without needing access to
// flow.Result's unexported bookkeeping.
type StageResult struct {
	Index     int
	Argv      []string
	ExitCode  int
	Stderr    string
	Truncated bool
}

// Success reports whether this stage exited zero.
func (r StageResult) Success() bool { return r.ExitCode == 0 }

// Completed records one plan that transferred successfully.
type Completed struct {
	Plan      *transfer.Plan
	BytesSent int64
	Stages    []StageResult
}

// Failed records one plan where some stage exited nonzero. Per spec, the
// earliest-failing stage is the reported primary cause, but every stage's
// outcome is retained in Stages.
type Failed struct {
	Plan              *transfer.Plan
	FirstFailedStage  int
	FirstFailedStderr string
	Stages            []StageResult
}

// Result is the structured outcome of a Run call.
type Result struct {
	Completed []Completed
	Failed    []Failed
	Skipped   []transfer.Skip
	// Prunable lists destination subvolumes whose received_uuid no longer
	// corresponds to any reachable source uuid. The executor never deletes
	// these itself; Prune only surfaces them for the caller to act on.
	Prunable []*cowtree.Vol
	// Aborted is set when a fatal, pre-flight-class error stopped the run
	// before all plans were attempted.
	Aborted   error
	Cancelled bool
}

// ExitCode maps Result onto the executor-level exit codes of spec §6: 0 all
// succeeded, 1 one or more plans failed, 2 configuration/input error, 130
// interrupted.
func (r *Result) ExitCode() int {
	switch {
	case r.Aborted != nil:
		return 2
	case r.Cancelled:
		return 130
	case len(r.Failed) > 0:
		return 1
	default:
		return 0
	}
}

// Option configures a BtrSync.
type Option func(*config)

type config struct {
	shutdownGrace time.Duration
	progress      func(plan *transfer.Plan, bytesSent int64)
	logger        *log.Logger
	verbosity     int
}

// WithShutdownGrace overrides the SIGTERM-to-SIGKILL grace period each Flow
// is given when winding down after a failure or cancellation.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *config) { c.shutdownGrace = d }
}

// WithProgress registers a callback invoked with the cumulative byte count
// of the in-flight plan's external (non-process-to-process) boundary.
func WithProgress(f func(plan *transfer.Plan, bytesSent int64)) Option {
	return func(c *config) { c.progress = f }
}

// WithLogger routes the executor's own diagnostics through logger, gated by
// verbosity, matching the rest of the module's ambient logging.
func WithLogger(logger *log.Logger, verbosity int) Option {
	return func(c *config) {
		c.logger = logger
		c.verbosity = verbosity
	}
}

func (c config) logVerbose(v int, format string, args ...any) {
	if c.logger != nil && c.verbosity >= v {
		c.logger.Printf(format, args...)
	}
}

// BtrSync runs a planner's output against a source and destination Root.
type BtrSync struct {
	Src cowroot.Root
	Dst cowroot.Root
	cfg config
}

// New returns a BtrSync driving transfers from src to dst.
func New(src, dst cowroot.Root, opts ...Option) *BtrSync {
	b := &BtrSync{
		Src: src,
		Dst: dst,
		cfg: config{shutdownGrace: defaultShutdownGrace},
	}
	for _, opt := range opts {
		opt(&b.cfg)
	}
	return b
}

// Run executes plans in order, one Flow at a time, and folds skips in
// verbatim. It stops early -- without attempting remaining plans -- on a
// fatal pre-flight error or on ctx cancellation; a per-stage exit failure
// is recorded in Failed and execution continues with the next plan.
func (b *BtrSync) Run(ctx context.Context, plans []*transfer.Plan, skips []transfer.Skip) *Result {
	result := &Result{Skipped: append([]transfer.Skip(nil), skips...)}

	for _, plan := range plans {
		select {
		case <-ctx.Done():
			result.Cancelled = true
			return result
		default:
		}

		outcome, bytesSent, err := b.runOne(ctx, plan)
		if err != nil {
			if errors.Is(err, cowerrs.ErrCancelled) {
				result.Cancelled = true
				return result
			}
			b.cfg.logVerbose(0, "btrsync: aborting before plan for %s: %v", plan.Src.Path, err)
			result.Aborted = err
			return result
		}

		if outcome.Success() {
			result.Completed = append(result.Completed, Completed{
				Plan:      plan,
				BytesSent: bytesSent,
				Stages:    outcome.Stages,
			})
			continue
		}

		first := outcome.Stages[outcome.firstFailed]
		result.Failed = append(result.Failed, Failed{
			Plan:              plan,
			FirstFailedStage:  first.Index,
			FirstFailedStderr: first.Stderr,
			Stages:            outcome.Stages,
		})
		b.cfg.logVerbose(1, "btrsync: plan for %s failed at stage %d: %s", plan.Src.Path, first.Index, first.Stderr)
	}

	return result
}

// flowOutcome is the executor's own view of a single plan's run, decoupled
// from flow.Result so the process-less direct-copy path (runOne) can
// construct one without reaching into flow's private bookkeeping.
type flowOutcome struct {
	Stages      []StageResult
	firstFailed int
}

func (o *flowOutcome) Success() bool { return o.firstFailed < 0 }

func outcomeFromFlowResult(fr *flow.Result) *flowOutcome {
	o := &flowOutcome{firstFailed: -1}
	for _, s := range fr.Stages {
		o.Stages = append(o.Stages, StageResult{
			Index:     s.Index,
			Argv:      s.Argv,
			ExitCode:  s.ExitCode,
			Stderr:    s.Stderr,
			Truncated: s.Truncated,
		})
		if !s.Success() && o.firstFailed < 0 {
			o.firstFailed = s.Index
		}
	}
	return o
}

// runOne materializes plan into either a pkg/flow pipeline (when at least
// one endpoint spawns a process) or a direct in-process copy (when both
// the source and destination are process-less, e.g. dump directory to
// dump directory), and runs it to completion.
func (b *BtrSync) runOne(ctx context.Context, plan *transfer.Plan) (*flowOutcome, int64, error) {
	var cmds []cowcmd.Cmd
	var extIn io.Reader
	var extOut io.Writer
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	if src, ok := b.Src.(cowroot.StreamSource); ok {
		rc, err := src.OpenSendStream(ctx, plan.Src)
		if err != nil {
			return nil, 0, err
		}
		closers = append(closers, rc)
		extIn = rc
	} else {
		c, err := b.Src.SendCmd(plan.Src, plan.Parent, plan.Clones)
		if err != nil {
			return nil, 0, err
		}
		cmds = append(cmds, c)
	}

	if sink, ok := b.Dst.(cowroot.StreamSink); ok {
		wc, err := sink.OpenReceiveStream(ctx, plan.Src, plan.DstPath)
		if err != nil {
			return nil, 0, err
		}
		closers = append(closers, wc)
		extOut = wc
	} else {
		c, err := b.Dst.ReceiveCmd(plan.DstPath)
		if err != nil {
			return nil, 0, err
		}
		cmds = append(cmds, c)
	}

	var bytesSent int64
	progress := func(n int64) {
		bytesSent = n
		if b.cfg.progress != nil {
			b.cfg.progress(plan, n)
		}
	}

	if len(cmds) == 0 {
		n, err := io.Copy(&countingWriter{w: extOut, onWrite: progress}, extIn)
		bytesSent = n
		return directCopyOutcome(err), bytesSent, nil
	}

	pipeline, err := cowcmd.NewPipeline(cmds...)
	if err != nil {
		return nil, 0, err
	}

	opts := []flow.Option{
		flow.WithShutdownGrace(b.cfg.shutdownGrace),
		flow.WithProgress(progress),
	}
	if extIn != nil {
		opts = append(opts, flow.WithExternalInput(extIn))
	}
	if extOut != nil {
		opts = append(opts, flow.WithExternalOutput(extOut))
	}

	fr, err := flow.New(pipeline, opts...).Run(ctx)
	if err != nil {
		return nil, bytesSent, err
	}
	return outcomeFromFlowResult(fr), bytesSent, nil
}

// directCopyOutcome wraps the result of a process-less copy as a single
// synthetic stage, so Run's success/failure bookkeeping doesn't need a
// special case for the no-process path.
func directCopyOutcome(err error) *flowOutcome {
	o := &flowOutcome{firstFailed: -1}
	sr := StageResult{Index: 0, Argv: []string{"<direct-copy>"}}
	if err != nil {
		sr.ExitCode = -1
		sr.Stderr = err.Error()
		o.firstFailed = 0
	}
	o.Stages = append(o.Stages, sr)
	return o
}

// countingWriter reports the cumulative byte count written so far through
// onWrite, mirroring the progress signal pkg/flow emits across an external
// pump boundary.
type countingWriter struct {
	w       io.Writer
	total   int64
	onWrite func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.total += int64(n)
		if c.onWrite != nil {
			c.onWrite(c.total)
		}
	}
	return n, err
}

// Prune reports destination subvolumes whose received_uuid no longer
// corresponds to any uuid reachable in srcTree. The caller decides whether
// to act on the result; the executor never deletes anything itself.
func Prune(srcTree, dstTree *cowtree.COWTree) []*cowtree.Vol {
	srcUUIDs := make(map[uuid.UUID]bool)
	for _, v := range srcTree.All() {
		srcUUIDs[v.UUID] = true
	}
	var prunable []*cowtree.Vol
	for _, v := range dstTree.All() {
		if v.HasReceivedUUID() && !srcUUIDs[v.ReceivedUUID] {
			prunable = append(prunable, v)
		}
	}
	return prunable
}

// ListRoots fans List out across roots with bounded concurrency, returning
// each root's subvolumes in the same order as roots. Reserved for
// multi-source planning, where multiple configured roots must each be
// listed before a COWTree can be built for any of them; Flow execution
// itself never uses this queue.
func ListRoots(ctx context.Context, roots []cowroot.Root, concurrency int, logger *log.Logger, verbosity int) ([][]*cowtree.Vol, error) {
	results := make([][]*cowtree.Vol, len(roots))
	q := newListQueue(withConcurrency(concurrency), withQueueLogger(logger, verbosity))
	for i, r := range roots {
		i, r := i, r
		q.Push(func() error {
			vols, err := r.List(ctx)
			if err != nil {
				return err
			}
			results[i] = vols
			return nil
		})
	}
	if err := q.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
