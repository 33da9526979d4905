package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mirradon/arbiter/rpc"
)

type submissionArgs struct {
	SubmissionID string `json:"submission_id"`
	DatasetID    string `json:"dataset_id"`
}

type shardArgs struct {
	Shard int `json:"shard"`
}

// Register mounts the evaluation service methods on the RPC server.
func (c *Coordinator) Register(rs *rpc.Server) {
	rs.Handle("evaluation", "new_submission", c.handleNewSubmission)
	rs.Handle("evaluation", "invalidate_submission", c.handleInvalidateSubmission)
	rs.Handle("evaluation", "prioritize_submission", c.handlePrioritizeSubmission)
	rs.Handle("evaluation", "enable_worker", c.handleEnableWorker)
	rs.Handle("evaluation", "disable_worker", c.handleDisableWorker)
	rs.Handle("evaluation", "queue_status", c.handleQueueStatus)
	rs.Handle("evaluation", "workers_status", c.handleWorkersStatus)
	rs.Handle("evaluation", "submissions_status", c.handleSubmissionsStatus)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("missing arguments")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

func (c *Coordinator) handleNewSubmission(ctx context.Context, args json.RawMessage) (any, error) {
	var a submissionArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SubmissionID == "" || a.DatasetID == "" {
		return nil, fmt.Errorf("submission_id and dataset_id are required")
	}
	if err := c.NewSubmission(ctx, a.SubmissionID, a.DatasetID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (c *Coordinator) handleInvalidateSubmission(ctx context.Context, args json.RawMessage) (any, error) {
	var a submissionArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := c.InvalidateSubmission(ctx, a.SubmissionID, a.DatasetID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (c *Coordinator) handlePrioritizeSubmission(ctx context.Context, args json.RawMessage) (any, error) {
	var a submissionArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SubmissionID == "" {
		return nil, fmt.Errorf("submission_id is required")
	}
	if err := c.PrioritizeSubmission(ctx, a.SubmissionID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (c *Coordinator) handleEnableWorker(ctx context.Context, args json.RawMessage) (any, error) {
	var a shardArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := c.EnableWorker(ctx, a.Shard); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (c *Coordinator) handleDisableWorker(ctx context.Context, args json.RawMessage) (any, error) {
	var a shardArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := c.DisableWorker(ctx, a.Shard); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (c *Coordinator) handleQueueStatus(ctx context.Context, args json.RawMessage) (any, error) {
	return c.QueueStatus(), nil
}

func (c *Coordinator) handleWorkersStatus(ctx context.Context, args json.RawMessage) (any, error) {
	return c.WorkersStatus(ctx)
}

func (c *Coordinator) handleSubmissionsStatus(ctx context.Context, args json.RawMessage) (any, error) {
	return c.SubmissionsStatus(ctx)
}
