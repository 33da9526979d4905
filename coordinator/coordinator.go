// Package coordinator owns the grading pipeline: it admits submissions,
// schedules compile and evaluate operations on workers, applies their
// outcomes to submission results and scores finished evaluations.
//
// All scheduling state lives in a single loop. Worker heartbeats,
// arriving outcomes and admin commands are messages into that loop, so
// invariants like "one live operation per fingerprint" hold without
// shared locks. Only the queue and the result database are touched from
// other goroutines, and both are safe for that.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/queue"
	"github.com/mirradon/arbiter/resultdb"
	"github.com/mirradon/arbiter/worker"
)

// ErrStopped reports a command sent to a coordinator whose Run loop has
// exited.
var ErrStopped = errors.New("coordinator: stopped")

const (
	defaultMaxTries      = 3
	defaultDispatchTick  = 2 * time.Second
	defaultCallTimeout   = 15 * time.Minute
	defaultPingInterval  = 10 * time.Second
	defaultPingFailures  = 3
	defaultSweepInterval = 2 * time.Minute
)

// WorkerClient is the coordinator's view of one worker shard.
// *worker.Client implements it over the RPC transport.
type WorkerClient interface {
	Execute(ctx context.Context, job eval.Job) (*eval.Outcome, error)
	Ping(ctx context.Context) (*worker.PingReply, error)
}

// Config assembles a coordinator.
type Config struct {
	DB resultdb.Store

	// MaxCompilationTries and MaxEvaluationTries bound how often an
	// operation is retried after infrastructure failures before the
	// result is given up as cannot_compile / cannot_evaluate. Zero
	// means defaultMaxTries.
	MaxCompilationTries int
	MaxEvaluationTries  int

	DispatchTick time.Duration
	// CallTimeout bounds one dispatch round trip to a worker.
	CallTimeout  time.Duration
	PingInterval time.Duration
	// PingFailures is how many consecutive failed heartbeats mark a
	// worker disconnected.
	PingFailures int
	// SweepInterval is how often unfinished results are re-scheduled,
	// recovering work lost to transient database failures.
	SweepInterval time.Duration

	Scorer Scorer
	Events *Hub
	Logger *zap.Logger
}

// liveOp is the single live instance of a fingerprint: queued when
// shard is ShardUnset, otherwise in flight on that shard. attempt is
// the dispatch sequence number of the current flight; sequence numbers
// are never reused, so a late reply from any earlier dispatch is
// recognizably stale even across an invalidation.
type liveOp struct {
	op      eval.Operation
	attempt int
	shard   int
}

type outcomeMsg struct {
	shard   int
	op      eval.Operation
	attempt int
	outcome *eval.Outcome
}

type resultKey struct {
	submissionID string
	datasetID    string
}

// Coordinator schedules grading work. Construct with New, register
// workers with AddWorker, then Run.
type Coordinator struct {
	db     resultdb.Store
	queue  *queue.Queue
	scorer Scorer
	events *Hub
	logger *zap.Logger

	maxCompileTries int
	maxEvalTries    int
	dispatchTick    time.Duration
	callTimeout     time.Duration
	pingInterval    time.Duration
	pingFailures    int
	sweepInterval   time.Duration

	// owned by the Run loop
	workers  map[int]*workerState
	live     map[eval.Fingerprint]*liveOp
	progress map[resultKey]map[string]struct{}
	seq      int

	outcomes chan outcomeMsg
	cmds     chan func()
	stopped  chan struct{}
}

func New(conf Config) (*Coordinator, error) {
	if conf.DB == nil {
		return nil, fmt.Errorf("coordinator: result database is required")
	}
	c := &Coordinator{
		db:              conf.DB,
		queue:           queue.New(),
		scorer:          conf.Scorer,
		events:          conf.Events,
		logger:          conf.Logger,
		maxCompileTries: conf.MaxCompilationTries,
		maxEvalTries:    conf.MaxEvaluationTries,
		dispatchTick:    conf.DispatchTick,
		callTimeout:     conf.CallTimeout,
		pingInterval:    conf.PingInterval,
		pingFailures:    conf.PingFailures,
		sweepInterval:   conf.SweepInterval,
		workers:         make(map[int]*workerState),
		live:            make(map[eval.Fingerprint]*liveOp),
		progress:        make(map[resultKey]map[string]struct{}),
		outcomes:        make(chan outcomeMsg, 64),
		cmds:            make(chan func(), 16),
		stopped:         make(chan struct{}),
	}
	if c.scorer == nil {
		c.scorer = DigestScorer{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.maxCompileTries <= 0 {
		c.maxCompileTries = defaultMaxTries
	}
	if c.maxEvalTries <= 0 {
		c.maxEvalTries = defaultMaxTries
	}
	if c.dispatchTick <= 0 {
		c.dispatchTick = defaultDispatchTick
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.pingFailures <= 0 {
		c.pingFailures = defaultPingFailures
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = defaultSweepInterval
	}
	return c, nil
}

// AddWorker registers the worker serving a shard. Must be called before
// Run.
func (c *Coordinator) AddWorker(shard int, client WorkerClient) error {
	if shard < 0 {
		return fmt.Errorf("coordinator: invalid shard %d", shard)
	}
	if _, ok := c.workers[shard]; ok {
		return fmt.Errorf("coordinator: shard %d already registered", shard)
	}
	c.workers[shard] = newWorkerState(shard, client)
	return nil
}

// Run recovers unfinished results, then processes heartbeats, outcomes
// and admin commands until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)

	if err := c.recover(ctx); err != nil {
		return err
	}
	for _, w := range c.workers {
		go c.heartbeat(ctx, w)
	}

	ticker := time.NewTicker(c.dispatchTick)
	defer ticker.Stop()
	sweeper := time.NewTicker(c.sweepInterval)
	defer sweeper.Stop()
	for {
		c.dispatch(ctx)
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.outcomes:
			c.handleOutcome(ctx, msg)
		case fn := <-c.cmds:
			fn()
		case <-c.queue.Ready():
		case <-ticker.C:
		case <-sweeper.C:
			c.sweep(ctx)
		}
	}
}

// do runs fn inside the scheduling loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	wrapped := func() { errCh <- fn() }
	select {
	case c.cmds <- wrapped:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recover re-schedules every result the previous run left unfinished.
func (c *Coordinator) recover(ctx context.Context) error {
	results, err := c.db.UnfinishedResults(ctx)
	if err != nil {
		return fmt.Errorf("recover unfinished results: %w", err)
	}
	c.scheduleUnfinished(ctx, results)
	if len(results) > 0 {
		c.logger.Info("recovered unfinished results", zap.Int("count", len(results)))
	}
	return nil
}

// sweep is the periodic edition of recover. A result can lose its live
// operations to a transient database failure mid-application; the
// sweep re-schedules whatever its state still calls for. Results that
// are merely in progress are untouched because enqueueing is
// idempotent.
func (c *Coordinator) sweep(ctx context.Context) {
	results, err := c.db.UnfinishedResults(ctx)
	if err != nil {
		c.logger.Warn("sweep unfinished results failed", zap.Error(err))
		return
	}
	c.scheduleUnfinished(ctx, results)
}

func (c *Coordinator) scheduleUnfinished(ctx context.Context, results []*eval.SubmissionResult) {
	for _, res := range results {
		prio := eval.PriorityMedium
		if res.State == eval.StateCompiling {
			prio = eval.PriorityHigh
		}
		if err := c.scheduleResult(ctx, res, prio); err != nil {
			c.logger.Error("schedule unfinished result failed",
				zap.String("submission", res.SubmissionID),
				zap.String("dataset", res.DatasetID),
				zap.Error(err))
		}
	}
}

// enqueue makes op live unless its fingerprint already is, and reports
// whether it enqueued anything.
func (c *Coordinator) enqueue(op eval.Operation) bool {
	fp := op.Fingerprint()
	if _, ok := c.live[fp]; ok {
		return false
	}
	c.live[fp] = &liveOp{op: op, shard: eval.ShardUnset}
	c.queue.Push(op)
	return true
}

// drop retires a live fingerprint entirely.
func (c *Coordinator) drop(fp eval.Fingerprint) {
	delete(c.live, fp)
}

// cancelResult withdraws every live operation of one result. Queued
// operations leave the queue; in-flight ones keep running on their
// worker but their outcomes will no longer match a live attempt and
// fall away as stale.
func (c *Coordinator) cancelResult(submissionID, datasetID string) {
	for fp, lo := range c.live {
		if fp.SubmissionID != submissionID || fp.DatasetID != datasetID {
			continue
		}
		if lo.shard == eval.ShardUnset {
			c.queue.Remove(fp)
		} else if w := c.workers[lo.shard]; w != nil {
			delete(w.inflight, fp)
		}
		delete(c.live, fp)
	}
	delete(c.progress, resultKey{submissionID, datasetID})
}

func (c *Coordinator) saveResult(ctx context.Context, res *eval.SubmissionResult) bool {
	res.UpdatedAt = time.Now()
	if err := c.db.SaveResult(ctx, res); err != nil {
		c.logger.Error("save result failed",
			zap.String("submission", res.SubmissionID),
			zap.String("dataset", res.DatasetID),
			zap.Stringer("state", res.State),
			zap.Error(err))
		return false
	}
	return true
}

func (c *Coordinator) publish(res *eval.SubmissionResult) {
	if c.events == nil {
		return
	}
	c.events.Publish(Event{
		SubmissionID: res.SubmissionID,
		DatasetID:    res.DatasetID,
		State:        res.State,
		Score:        res.Score,
		At:           time.Now(),
	})
}
