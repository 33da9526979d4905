package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/queue"
	"github.com/mirradon/arbiter/resultdb"
)

// WorkerStatus is the admin view of one shard.
type WorkerStatus struct {
	Shard     int       `json:"shard"`
	Connected bool      `json:"connected"`
	Enabled   bool      `json:"enabled"`
	Since     time.Time `json:"since"`
	StartTime time.Time `json:"start_time"`
	// Operations currently running there, most recent last.
	Operations []eval.Operation `json:"operations"`
}

// NewSubmission admits one (submission, dataset) pair for grading. The
// submission and dataset must already be stored; admitting an already
// graded pair is a no-op.
func (c *Coordinator) NewSubmission(ctx context.Context, submissionID, datasetID string) error {
	return c.do(ctx, func() error {
		return c.admit(ctx, submissionID, datasetID)
	})
}

func (c *Coordinator) admit(ctx context.Context, submissionID, datasetID string) error {
	if _, err := c.db.Submission(ctx, submissionID); err != nil {
		return fmt.Errorf("submission %s: %w", submissionID, err)
	}
	if _, err := c.db.Dataset(ctx, datasetID); err != nil {
		return fmt.Errorf("dataset %s: %w", datasetID, err)
	}
	res, err := c.db.Result(ctx, submissionID, datasetID)
	switch {
	case errors.Is(err, resultdb.ErrNotFound):
		res = eval.NewSubmissionResult(submissionID, datasetID)
		if err := c.db.SaveResult(ctx, res); err != nil {
			return fmt.Errorf("create result: %w", err)
		}
		c.logger.Info("submission admitted",
			zap.String("submission", submissionID),
			zap.String("dataset", datasetID))
	case err != nil:
		return fmt.Errorf("load result: %w", err)
	}
	return c.scheduleResult(ctx, res, eval.PriorityHigh)
}

// scheduleResult enqueues whatever work a result's state still calls
// for. Terminal states schedule nothing.
func (c *Coordinator) scheduleResult(ctx context.Context, res *eval.SubmissionResult, priority int) error {
	switch res.State {
	case eval.StateCompiling:
		c.enqueue(eval.NewCompile(res.SubmissionID, res.DatasetID, priority))
		return nil
	case eval.StateCompiled:
		res.State = eval.StateEvaluating
		c.saveResult(ctx, res)
		return c.enqueueEvaluations(ctx, res, priority)
	case eval.StateEvaluating:
		return c.enqueueEvaluations(ctx, res, priority)
	case eval.StateEvaluated, eval.StateScoring:
		c.finalize(ctx, res)
		return nil
	default:
		return nil
	}
}

// InvalidateSubmission discards the grading of one (submission,
// dataset) pair and schedules it afresh at low priority. The compiled
// executable survives when present; only evaluations and the score are
// redone. In-flight operations are not interrupted, their outcomes are
// discarded as stale.
func (c *Coordinator) InvalidateSubmission(ctx context.Context, submissionID, datasetID string) error {
	return c.do(ctx, func() error {
		return c.invalidate(ctx, submissionID, datasetID)
	})
}

func (c *Coordinator) invalidate(ctx context.Context, submissionID, datasetID string) error {
	res, err := c.db.Result(ctx, submissionID, datasetID)
	if err != nil {
		return fmt.Errorf("load result: %w", err)
	}
	c.cancelResult(submissionID, datasetID)
	if err := c.db.DeleteEvaluations(ctx, submissionID, datasetID); err != nil {
		return fmt.Errorf("delete evaluations: %w", err)
	}

	res.Score = 0
	res.ScoredAt = nil
	res.EvaluationTries = make(map[string]int)
	if res.ExecutableDigest.Valid() {
		res.State = eval.StateEvaluating
	} else {
		res.State = eval.StateCompiling
		res.CompilationTries = 0
	}
	if !c.saveResult(ctx, res) {
		return fmt.Errorf("save invalidated result")
	}
	c.publish(res)
	c.logger.Info("submission invalidated",
		zap.String("submission", submissionID),
		zap.String("dataset", datasetID),
		zap.Stringer("state", res.State))
	return c.scheduleResult(ctx, res, eval.PriorityLow)
}

// PrioritizeSubmission bumps every live operation of a submission ahead
// of all regular work.
func (c *Coordinator) PrioritizeSubmission(ctx context.Context, submissionID string) error {
	return c.do(ctx, func() error {
		bumped := 0
		for fp, lo := range c.live {
			if fp.SubmissionID != submissionID {
				continue
			}
			lo.op.Priority = eval.PriorityExtraHigh
			if lo.shard == eval.ShardUnset {
				c.queue.SetPriority(fp, eval.PriorityExtraHigh)
			}
			bumped++
		}
		c.logger.Info("submission prioritized",
			zap.String("submission", submissionID),
			zap.Int("operations", bumped))
		return nil
	})
}

// EnableWorker reopens a shard for dispatch. Idempotent.
func (c *Coordinator) EnableWorker(ctx context.Context, shard int) error {
	return c.setWorkerEnabled(ctx, shard, true)
}

// DisableWorker stops dispatching to a shard. Operations already
// running there finish normally. Idempotent.
func (c *Coordinator) DisableWorker(ctx context.Context, shard int) error {
	return c.setWorkerEnabled(ctx, shard, false)
}

func (c *Coordinator) setWorkerEnabled(ctx context.Context, shard int, enabled bool) error {
	return c.do(ctx, func() error {
		w, ok := c.workers[shard]
		if !ok {
			return fmt.Errorf("unknown shard %d", shard)
		}
		if w.enabled != enabled {
			w.enabled = enabled
			c.logger.Info("worker toggled",
				zap.Int("shard", shard),
				zap.Bool("enabled", enabled))
		}
		return nil
	})
}

// QueueStatus returns the pending operations in dispatch order.
func (c *Coordinator) QueueStatus() []queue.Entry {
	return c.queue.Snapshot()
}

// WorkersStatus reports every shard with its in-flight operations.
func (c *Coordinator) WorkersStatus(ctx context.Context) (map[int]WorkerStatus, error) {
	out := make(map[int]WorkerStatus, len(c.workers))
	err := c.do(ctx, func() error {
		for shard, w := range c.workers {
			ops := make([]eval.Operation, 0, len(w.inflight))
			for fp := range w.inflight {
				if lo := c.live[fp]; lo != nil {
					ops = append(ops, lo.op)
				}
			}
			sort.Slice(ops, func(i, j int) bool {
				return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
			})
			out[shard] = WorkerStatus{
				Shard:      shard,
				Connected:  w.connected,
				Enabled:    w.enabled,
				Since:      w.since,
				StartTime:  w.startTime,
				Operations: ops,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmissionsStatus counts results per lifecycle state.
func (c *Coordinator) SubmissionsStatus(ctx context.Context) (map[string]int, error) {
	counts, err := c.db.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[state.String()] = n
	}
	return out, nil
}
