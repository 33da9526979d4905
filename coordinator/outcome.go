package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/eval"
)

// handleOutcome applies one worker reply. Replies that no longer match
// the live attempt for their fingerprint are from an earlier dispatch
// (retried, requeued after a disconnect, or withdrawn) and are
// discarded.
func (c *Coordinator) handleOutcome(ctx context.Context, msg outcomeMsg) {
	fp := msg.op.Fingerprint()
	lo := c.live[fp]
	if lo == nil || lo.attempt != msg.attempt || lo.shard != msg.shard {
		c.logger.Info("stale outcome discarded",
			zap.Stringer("op", msg.op),
			zap.Int("attempt", msg.attempt),
			zap.Int("shard", msg.shard))
		return
	}
	if w := c.workers[msg.shard]; w != nil {
		delete(w.inflight, fp)
	}
	lo.shard = eval.ShardUnset

	res, err := c.db.Result(ctx, msg.op.SubmissionID, msg.op.DatasetID)
	if err != nil {
		// The outcome cannot be applied right now. Keep the operation
		// alive and run it again rather than losing the work.
		c.logger.Error("load result for outcome failed",
			zap.Stringer("op", msg.op),
			zap.Error(err))
		c.requeue(lo)
		return
	}
	switch msg.op.Kind {
	case eval.KindCompile:
		c.finishCompile(ctx, res, lo, msg)
	case eval.KindEvaluate:
		c.finishEvaluate(ctx, res, lo, msg)
	}
}

func (c *Coordinator) requeue(lo *liveOp) {
	lo.op = lo.op.Requeued()
	c.queue.Push(lo.op)
}

func (c *Coordinator) finishCompile(ctx context.Context, res *eval.SubmissionResult, lo *liveOp, msg outcomeMsg) {
	fp := msg.op.Fingerprint()
	if res.State != eval.StateCompiling {
		c.logger.Info("compile outcome for settled result discarded",
			zap.Stringer("op", msg.op),
			zap.Stringer("state", res.State))
		c.drop(fp)
		return
	}
	out := msg.outcome
	res.CompilationShard = msg.shard

	switch {
	case out.Status.Infrastructure():
		res.CompilationTries++
		if res.CompilationTries >= c.maxCompileTries {
			c.logger.Error("giving up compilation",
				zap.Stringer("op", msg.op),
				zap.Int("tries", res.CompilationTries),
				zap.String("cause", out.Message))
			res.State = eval.StateCannotCompile
			c.saveResult(ctx, res)
			c.publish(res)
			c.drop(fp)
			return
		}
		c.logger.Warn("compilation attempt failed, requeueing",
			zap.Stringer("op", msg.op),
			zap.Int("try", res.CompilationTries),
			zap.String("cause", out.Message))
		c.saveResult(ctx, res)
		c.requeue(lo)

	case out.Status != eval.StatusOK:
		// The compiler rejected the submission. That verdict is the
		// contestant's, never retried.
		c.logger.Info("compilation failed",
			zap.Stringer("op", msg.op),
			zap.Stringer("status", out.Status),
			zap.Int("exit", out.ExitCode))
		res.State = eval.StateCompilationFailed
		c.saveResult(ctx, res)
		c.publish(res)
		c.drop(fp)

	default:
		res.ExecutableDigest = out.ExecutableDigest
		res.State = eval.StateCompiled
		if !c.saveResult(ctx, res) {
			// Not persisted, so the executable digest would be lost on
			// restart. Compile again.
			res.State = eval.StateCompiling
			c.requeue(lo)
			return
		}
		c.publish(res)
		c.drop(fp)

		res.State = eval.StateEvaluating
		c.saveResult(ctx, res)
		if err := c.enqueueEvaluations(ctx, res, eval.PriorityMedium); err != nil {
			c.logger.Error("enqueue evaluations failed",
				zap.String("submission", res.SubmissionID),
				zap.String("dataset", res.DatasetID),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) finishEvaluate(ctx context.Context, res *eval.SubmissionResult, lo *liveOp, msg outcomeMsg) {
	fp := msg.op.Fingerprint()
	if res.State != eval.StateEvaluating {
		c.logger.Info("evaluate outcome for settled result discarded",
			zap.Stringer("op", msg.op),
			zap.Stringer("state", res.State))
		c.drop(fp)
		return
	}
	out := msg.outcome
	res.EvaluationShard = msg.shard

	if out.Status.Infrastructure() {
		res.EvaluationTries[msg.op.TestcaseID]++
		tries := res.EvaluationTries[msg.op.TestcaseID]
		if tries >= c.maxEvalTries {
			c.logger.Error("giving up evaluation",
				zap.Stringer("op", msg.op),
				zap.Int("tries", tries),
				zap.String("cause", out.Message))
			res.State = eval.StateCannotEvaluate
			c.saveResult(ctx, res)
			c.publish(res)
			// Sibling testcases cannot rescue the result; withdraw
			// them.
			c.cancelResult(res.SubmissionID, res.DatasetID)
			return
		}
		c.logger.Warn("evaluation attempt failed, requeueing",
			zap.Stringer("op", msg.op),
			zap.Int("try", tries),
			zap.String("cause", out.Message))
		c.saveResult(ctx, res)
		c.requeue(lo)
		return
	}

	ev := &eval.Evaluation{
		SubmissionID: msg.op.SubmissionID,
		DatasetID:    msg.op.DatasetID,
		TestcaseID:   msg.op.TestcaseID,
		Attempt:      msg.attempt,
		Status:       out.Status,
		TimeUsed:     out.TimeUsed,
		WallTimeUsed: out.WallTimeUsed,
		MemoryUsed:   out.MemoryUsed,
		OutputDigest: out.OutputDigest,
		StdoutDigest: out.StdoutDigest,
		StderrDigest: out.StderrDigest,
		Shard:        msg.shard,
		EvaluatedAt:  time.Now(),
	}
	if err := c.db.SaveEvaluation(ctx, ev); err != nil {
		// The verdict was not persisted; run the testcase again.
		c.logger.Error("save evaluation failed",
			zap.Stringer("op", msg.op),
			zap.Error(err))
		c.requeue(lo)
		return
	}
	c.saveResult(ctx, res)
	c.drop(fp)

	key := resultKey{res.SubmissionID, res.DatasetID}
	set, ok := c.progress[key]
	if !ok {
		remaining, _, err := c.remainingTestcases(ctx, res)
		if err != nil {
			c.logger.Error("rebuild evaluation progress failed",
				zap.Stringer("op", msg.op),
				zap.Error(err))
			return
		}
		set = remaining
		c.progress[key] = set
	}
	delete(set, msg.op.TestcaseID)
	if len(set) > 0 {
		return
	}
	delete(c.progress, key)
	c.finalize(ctx, res)
}

// remainingTestcases lists the dataset's testcases that have no
// recorded verdict yet.
func (c *Coordinator) remainingTestcases(ctx context.Context, res *eval.SubmissionResult) (map[string]struct{}, *eval.Dataset, error) {
	ds, err := c.db.Dataset(ctx, res.DatasetID)
	if err != nil {
		return nil, nil, fmt.Errorf("load dataset %s: %w", res.DatasetID, err)
	}
	evals, err := c.db.Evaluations(ctx, res.SubmissionID, res.DatasetID)
	if err != nil {
		return nil, nil, fmt.Errorf("load evaluations: %w", err)
	}
	done := make(map[string]struct{}, len(evals))
	for _, e := range evals {
		done[e.TestcaseID] = struct{}{}
	}
	remaining := make(map[string]struct{})
	for _, tc := range ds.Testcases {
		if _, ok := done[tc.ID]; !ok {
			remaining[tc.ID] = struct{}{}
		}
	}
	return remaining, ds, nil
}

// enqueueEvaluations schedules evaluate operations for every testcase
// without a verdict. A result with nothing left to run moves straight
// on to scoring.
func (c *Coordinator) enqueueEvaluations(ctx context.Context, res *eval.SubmissionResult, priority int) error {
	remaining, _, err := c.remainingTestcases(ctx, res)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		c.finalize(ctx, res)
		return nil
	}
	for tcID := range remaining {
		c.enqueue(eval.NewEvaluate(res.SubmissionID, res.DatasetID, tcID, priority))
	}
	c.progress[resultKey{res.SubmissionID, res.DatasetID}] = remaining
	return nil
}

// finalize walks a fully evaluated result through scoring.
func (c *Coordinator) finalize(ctx context.Context, res *eval.SubmissionResult) {
	if res.State == eval.StateEvaluating {
		res.State = eval.StateEvaluated
		if !c.saveResult(ctx, res) {
			return
		}
		c.publish(res)
	}
	if res.State == eval.StateEvaluated {
		res.State = eval.StateScoring
		if !c.saveResult(ctx, res) {
			return
		}
	}

	ds, err := c.db.Dataset(ctx, res.DatasetID)
	if err != nil {
		// Left in scoring; recovery picks it up.
		c.logger.Error("load dataset for scoring failed",
			zap.String("dataset", res.DatasetID),
			zap.Error(err))
		return
	}
	evals, err := c.db.Evaluations(ctx, res.SubmissionID, res.DatasetID)
	if err != nil {
		c.logger.Error("load evaluations for scoring failed",
			zap.String("submission", res.SubmissionID),
			zap.Error(err))
		return
	}
	score, err := c.scorer.Score(ctx, ds, evals)
	if err != nil {
		c.logger.Error("scoring failed",
			zap.String("submission", res.SubmissionID),
			zap.String("dataset", res.DatasetID),
			zap.Error(err))
		res.State = eval.StateCannotEvaluate
		c.saveResult(ctx, res)
		c.publish(res)
		return
	}

	res.Score = score
	now := time.Now()
	res.ScoredAt = &now
	res.State = eval.StateScored
	if c.saveResult(ctx, res) {
		c.logger.Info("scored",
			zap.String("submission", res.SubmissionID),
			zap.String("dataset", res.DatasetID),
			zap.Float64("score", score))
		c.publish(res)
	}
}
