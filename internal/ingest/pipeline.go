package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/agentic-research/zlibmeta/internal/checkpoint"
	"github.com/agentic-research/zlibmeta/internal/record"
	"github.com/agentic-research/zlibmeta/internal/stream"
	billy "github.com/go-git/go-billy/v5"
	"golang.org/x/time/rate"
)

// State is the lifecycle position of one table pipeline.
type State int

const (
	StateNotStarted State = iota
	StateSkipping         // discarding records already covered by the checkpoint
	StateWriting          // a batch transaction is in flight
	StateIdle             // between batches, accumulating the next one
	StateComplete
	StateFailed
	// StateInterrupted ends a run stopped by cancellation. Committed batches
	// stay; re-running resumes from them.
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateSkipping:
		return "skipping"
	case StateWriting:
		return "writing"
	case StateIdle:
		return "idle"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Source is one compressed input feeding one table.
type Source struct {
	Table  api.Table
	Path   string
	Decode record.Func
}

// NewSource binds path to table with the table's decoder.
func NewSource(table api.Table, path string) (Source, error) {
	dec, err := record.ForTable(table.Name)
	if err != nil {
		return Source{}, err
	}
	return Source{Table: table, Path: path, Decode: dec}, nil
}

// Progress is a point-in-time view of a pipeline, handed to ProgressFunc.
type Progress struct {
	Table        string
	State        State
	ResumeFrom   int64 // checkpoint found at start
	Skipped      int64 // records discarded so far while resuming
	Processed    int64 // records handed to the writer and committed this run
	Checkpoint   int64
	Inserted     int64
	Conflicts    int64
	DecodeErrors int64
	BytesRead    int64 // compressed bytes consumed
	BytesTotal   int64
	Elapsed      time.Duration
}

// ProgressFunc receives throttled progress updates. It runs on the pipeline
// goroutine and must return quickly.
type ProgressFunc func(Progress)

// Result is the outcome of one pipeline run.
type Result struct {
	Progress
	Err error
}

// Pipeline streams one Source into its table, resuming from the checkpoint.
type Pipeline struct {
	src         Source
	fsys        billy.Filesystem
	checkpoints *checkpoint.Store
	writer      *BatchWriter
	opts        Options
	log         *slog.Logger

	mu       sync.Mutex
	progress Progress
	reader   *stream.Reader
	start    time.Time
}

// NewPipeline wires a pipeline for src. opts is expected to be normalized.
func NewPipeline(db *sql.DB, fsys billy.Filesystem, checkpoints *checkpoint.Store, src Source, opts Options) *Pipeline {
	log := opts.Logger.With("table", src.Table.Name)
	return &Pipeline{
		src:         src,
		fsys:        fsys,
		checkpoints: checkpoints,
		writer:      NewBatchWriter(db, checkpoints, src.Table, opts.Logger),
		opts:        opts,
		log:         log,
		progress:    Progress{Table: src.Table.Name},
	}
}

// Snapshot returns the current progress. Safe for concurrent use.
func (p *Pipeline) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.progress
	if p.reader != nil {
		s.BytesRead, s.BytesTotal = p.reader.Progress()
	}
	if !p.start.IsZero() {
		s.Elapsed = time.Since(p.start)
	}
	return s
}

func (p *Pipeline) update(fn func(*Progress)) {
	p.mu.Lock()
	fn(&p.progress)
	p.mu.Unlock()
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	prev := p.progress.State
	p.progress.State = s
	p.mu.Unlock()
	if prev != s && (s == StateSkipping || s >= StateComplete) {
		p.log.Debug("pipeline state", "from", prev, "to", s)
	}
}

func (p *Pipeline) fail(err error) Result {
	switch {
	case IsInterrupted(err):
		p.setState(StateInterrupted)
		p.log.Warn("import interrupted", "checkpoint", p.Snapshot().Checkpoint)
	case isBatchError(err):
		p.setState(StateFailed)
		p.log.Error("batch rolled back", "err", err)
	default:
		p.setState(StateFailed)
	}
	return Result{Progress: p.Snapshot(), Err: fmt.Errorf("%s: %w", p.src.Table.Name, err)}
}

// Run drives the pipeline to Complete, Failed or Interrupted. Re-running
// after either of the latter resumes from the last committed checkpoint.
func (p *Pipeline) Run(ctx context.Context) Result {
	p.mu.Lock()
	p.start = time.Now()
	p.progress = Progress{Table: p.src.Table.Name, State: StateNotStarted}
	p.mu.Unlock()

	if err := p.checkpoints.Verify(ctx, p.src.Table.Name); err != nil {
		return p.fail(err)
	}
	resume, err := p.checkpoints.Get(ctx, p.src.Table.Name)
	if err != nil {
		return p.fail(err)
	}
	p.update(func(pr *Progress) {
		pr.ResumeFrom = resume
		pr.Checkpoint = resume
	})

	r, err := stream.Open(p.fsys, p.src.Path, stream.WithMaxLine(p.opts.MaxLine))
	if err != nil {
		return p.fail(err)
	}
	defer func() { _ = r.Close() }() // read-only handle
	p.mu.Lock()
	p.reader = r
	p.mu.Unlock()
	defer func() {
		// Freeze byte counters before the reader goes away.
		snap := p.Snapshot()
		p.mu.Lock()
		p.reader = nil
		p.progress.BytesRead, p.progress.BytesTotal = snap.BytesRead, snap.BytesTotal
		p.mu.Unlock()
	}()

	if resume > 0 {
		p.setState(StateSkipping)
		p.log.Info("resuming", "checkpoint", resume)
	} else {
		p.setState(StateIdle)
	}

	run := &runState{
		p: p,
		// A full batch is committed even if ctx is cancelled meanwhile;
		// cancellation is honoured between lines.
		commitCtx: context.WithoutCancel(ctx),
		resume:    resume,
		committed: resume,
		batch:     make([]api.Row, 0, p.opts.BatchSize),
		skipLog:   &rate.Sometimes{Every: int(p.opts.ProgressEvery), Interval: p.opts.ProgressInterval},
		writeLog: &rate.Sometimes{
			Every:    int(max(1, p.opts.ProgressEvery/int64(p.opts.BatchSize))),
			Interval: p.opts.ProgressInterval,
		},
	}

	if err := r.Lines(ctx, run.line); err != nil {
		return p.fail(err)
	}
	if run.skipped < resume {
		return p.fail(&checkpoint.InconsistencyError{Table: p.src.Table.Name, Reason: fmt.Sprintf(
			"checkpoint %d but %s holds only %d decodable records", resume, p.src.Path, run.skipped)})
	}
	if len(run.batch) > 0 {
		if err := run.flush(); err != nil {
			return p.fail(err)
		}
	}

	p.setState(StateComplete)
	res := Result{Progress: p.Snapshot()}
	p.emit(res.Progress)
	return res
}

func (p *Pipeline) emit(pr Progress) {
	if p.opts.OnProgress != nil {
		p.opts.OnProgress(pr)
	}
}

// runState is the per-run mutable state of Pipeline.Run, touched only by
// the pipeline goroutine.
type runState struct {
	p         *Pipeline
	commitCtx context.Context
	resume    int64
	skipped   int64
	committed int64
	batch     []api.Row

	// Malformed lines seen since the last commit, and how many of them
	// precede the last record in batch. Only the latter are committed with
	// the batch, so trailing ones are not counted twice across re-runs.
	pendingErrs int64
	batchErrs   int64

	skipLog  *rate.Sometimes
	writeLog *rate.Sometimes
}

func (rs *runState) line(lineNo int64, line []byte) error {
	p := rs.p
	if line != nil && len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	var row api.Row
	var err error
	if line == nil {
		err = &record.DecodeError{Reason: "line exceeds maximum length", Err: record.ErrMalformed}
	} else {
		row, err = p.src.Decode(line)
	}

	if rs.skipped < rs.resume {
		if err != nil {
			// Already tallied by the run that committed these records.
			return nil
		}
		rs.skipped++
		p.update(func(pr *Progress) { pr.Skipped = rs.skipped })
		if rs.skipped == rs.resume {
			p.setState(StateIdle)
			p.log.Info("resume point reached", "skipped", rs.skipped, "line", lineNo)
		} else {
			rs.skipLog.Do(func() { p.emit(p.Snapshot()) })
		}
		return nil
	}

	if err != nil {
		rs.pendingErrs++
		p.update(func(pr *Progress) { pr.DecodeErrors++ })
		p.log.Debug("skipping malformed line", "line", lineNo, "err", err)
		return nil
	}

	rs.batch = append(rs.batch, row)
	rs.batchErrs = rs.pendingErrs
	if len(rs.batch) >= p.opts.BatchSize {
		return rs.flush()
	}
	return nil
}

// flush commits the accumulated batch.
func (rs *runState) flush() error {
	p := rs.p
	p.setState(StateWriting)
	res, err := p.writer.Write(rs.commitCtx, rs.batch, rs.committed, rs.batchErrs)
	if err != nil {
		return err
	}
	rs.committed = res.Checkpoint
	rs.pendingErrs -= rs.batchErrs
	rs.batchErrs = 0
	n := int64(len(rs.batch))
	clear(rs.batch)
	rs.batch = rs.batch[:0]

	p.update(func(pr *Progress) {
		pr.Processed += n
		pr.Checkpoint = res.Checkpoint
		pr.Inserted += res.Inserted
		pr.Conflicts += res.Conflicts
	})
	p.setState(StateIdle)
	rs.writeLog.Do(func() { p.emit(p.Snapshot()) })
	return nil
}

// IsInterrupted reports whether err stems from cancellation rather than a
// fault in the data or the store.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
