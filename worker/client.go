package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/rpc"
)

// Client is the coordinator's handle to one worker shard.
type Client struct {
	shard int
	rpc   *rpc.Client
}

// NewClient connects to the worker serving the given shard.
func NewClient(shard int, conf rpc.ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		shard: shard,
		rpc:   rpc.NewClient(conf, logger),
	}
}

func (c *Client) Shard() int { return c.shard }

// Execute dispatches one job and waits for its outcome. Transport
// failures come back as *rpc.TransportError so the caller can tell a
// lost worker from a worker that answered.
func (c *Client) Execute(ctx context.Context, job eval.Job) (*eval.Outcome, error) {
	var out eval.Outcome
	if err := c.rpc.Call(ctx, "worker", c.shard, "execute", job, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks liveness without queueing work.
func (c *Client) Ping(ctx context.Context) (*PingReply, error) {
	var reply PingReply
	if err := c.rpc.Sync(ctx, "worker", c.shard, "ping", nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
