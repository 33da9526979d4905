package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/worker"
)

// workerState is the loop's book on one shard. Everything except the
// client handle is owned by the Run loop.
type workerState struct {
	shard  int
	client WorkerClient

	enabled   bool
	connected bool
	capacity  int64
	failures  int
	since     time.Time
	startTime time.Time

	// fingerprint -> attempt currently running there
	inflight map[eval.Fingerprint]int
}

func newWorkerState(shard int, client WorkerClient) *workerState {
	return &workerState{
		shard:    shard,
		client:   client,
		enabled:  true,
		since:    time.Now(),
		inflight: make(map[eval.Fingerprint]int),
	}
}

func (w *workerState) free() int64 {
	return w.capacity - int64(len(w.inflight))
}

// heartbeat pings one worker until ctx is canceled, reporting each
// result into the scheduling loop.
func (c *Coordinator) heartbeat(ctx context.Context, w *workerState) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		c.pingOnce(ctx, w)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) pingOnce(ctx context.Context, w *workerState) {
	pingCtx, cancel := context.WithTimeout(ctx, c.pingInterval)
	reply, err := w.client.Ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	_ = c.do(ctx, func() error {
		c.recordPing(w, reply, err)
		return nil
	})
}

func (c *Coordinator) recordPing(w *workerState, reply *worker.PingReply, err error) {
	if err != nil {
		w.failures++
		if w.connected && w.failures >= c.pingFailures {
			c.disconnectWorker(w, err)
		}
		return
	}
	w.failures = 0
	w.capacity = reply.Capacity
	w.startTime = reply.StartTime
	if !w.connected {
		w.connected = true
		w.since = time.Now()
		c.logger.Info("worker connected",
			zap.Int("shard", w.shard),
			zap.Int64("capacity", reply.Capacity))
	}
}

// disconnectWorker marks the shard gone and requeues its in-flight
// operations. The requeue does not count against retry budgets: the
// contestant's program never ran to a verdict, the machine under it
// went away.
func (c *Coordinator) disconnectWorker(w *workerState, cause error) {
	w.connected = false
	w.since = time.Now()
	w.failures = 0

	requeued := 0
	for fp := range w.inflight {
		lo := c.live[fp]
		if lo == nil || lo.shard != w.shard {
			continue
		}
		lo.shard = eval.ShardUnset
		lo.op = lo.op.Requeued()
		c.queue.Push(lo.op)
		requeued++
	}
	clear(w.inflight)

	c.logger.Warn("worker disconnected",
		zap.Int("shard", w.shard),
		zap.Int("requeued", requeued),
		zap.Error(cause))
}
