package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/eval"
)

// dispatch pairs queued operations with free worker slots until one of
// the two runs out.
func (c *Coordinator) dispatch(ctx context.Context) {
	for {
		w := c.pickWorker()
		if w == nil {
			return
		}
		op, ok := c.queue.Pop()
		if !ok {
			return
		}
		fp := op.Fingerprint()
		lo := c.live[fp]
		if lo == nil {
			// Withdrawn between enqueue and pop.
			continue
		}
		c.seq++
		lo.attempt = c.seq
		lo.shard = w.shard
		w.inflight[fp] = lo.attempt

		c.logger.Info("dispatch",
			zap.Stringer("op", op),
			zap.Int("shard", w.shard),
			zap.Int("attempt", lo.attempt))
		go c.execute(ctx, w.client, w.shard, op, lo.attempt)
	}
}

// pickWorker returns the enabled, connected worker with the most free
// slots, or nil when nothing can take work.
func (c *Coordinator) pickWorker() *workerState {
	var best *workerState
	var bestFree int64
	for _, w := range c.workers {
		if !w.enabled || !w.connected {
			continue
		}
		if free := w.free(); free > bestFree {
			best, bestFree = w, free
		}
	}
	return best
}

// execute performs one dispatch round trip off the scheduling loop.
// Whatever happens, exactly one outcome message comes back: transport
// and job-building failures are normalized into infrastructure
// outcomes so retry policy lives in one place.
func (c *Coordinator) execute(ctx context.Context, client WorkerClient, shard int, op eval.Operation, attempt int) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out *eval.Outcome
	job, err := c.buildJob(callCtx, op, attempt)
	if err != nil {
		out = eval.InfraOutcome("build job: " + err.Error())
	} else if out, err = client.Execute(callCtx, job); err != nil {
		out = eval.InfraOutcome("execute on shard: " + err.Error())
	}

	select {
	case c.outcomes <- outcomeMsg{shard: shard, op: op, attempt: attempt, outcome: out}:
	case <-c.stopped:
	case <-ctx.Done():
	}
}

// buildJob resolves an operation into the self-contained payload a
// worker needs.
func (c *Coordinator) buildJob(ctx context.Context, op eval.Operation, attempt int) (eval.Job, error) {
	sub, err := c.db.Submission(ctx, op.SubmissionID)
	if err != nil {
		return eval.Job{}, fmt.Errorf("load submission %s: %w", op.SubmissionID, err)
	}
	ds, err := c.db.Dataset(ctx, op.DatasetID)
	if err != nil {
		return eval.Job{}, fmt.Errorf("load dataset %s: %w", op.DatasetID, err)
	}

	job := eval.Job{
		Operation: op,
		Attempt:   attempt,
		Language:  sub.Language,
	}
	switch op.Kind {
	case eval.KindCompile:
		job.Sources = sub.Files
		job.Managers = ds.Managers
	case eval.KindEvaluate:
		res, err := c.db.Result(ctx, op.SubmissionID, op.DatasetID)
		if err != nil {
			return eval.Job{}, fmt.Errorf("load result: %w", err)
		}
		if !res.ExecutableDigest.Valid() {
			return eval.Job{}, fmt.Errorf("result has no executable")
		}
		tc, ok := ds.Testcase(op.TestcaseID)
		if !ok {
			return eval.Job{}, fmt.Errorf("dataset %s has no testcase %s", op.DatasetID, op.TestcaseID)
		}
		job.Executable = res.ExecutableDigest
		job.Input = tc.InputDigest
		job.TimeLimit = ds.TimeLimit
		job.WallTimeLimit = ds.WallTimeLimit
		job.MemoryLimit = ds.MemoryLimit
	default:
		return eval.Job{}, fmt.Errorf("unknown kind %d", op.Kind)
	}
	return job, nil
}
