// Package worker runs compile and evaluate operations on behalf of the
// coordinator. A worker exposes two RPC methods: a synchronous ping for
// liveness, and an asynchronous execute that resolves job content from
// the object store, runs it in the sandbox and reports an outcome.
//
// Workers are stateless between operations. Everything an operation
// needs arrives in the job payload as digests, and everything it
// produces leaves as digests, so a worker can be wiped and restarted at
// any time.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/rpc"
	"github.com/mirradon/arbiter/sandbox"
)

// Fixed bounds for compile runs. Evaluation limits come from the
// dataset; compilation is not contestant-tunable so the worker owns
// these.
const (
	compileTimeLimit   = 20 * time.Second
	compileWallLimit   = 40 * time.Second
	compileMemoryLimit = eval.Size(2 << 30)
	compileOutputLimit = eval.Size(256 << 20)
)

const (
	defaultCapacity  = 2
	defaultOpenFiles = 256
	defaultWallSlack = 5 * time.Second
	inputFileName    = "input"

	evalOutputLimit = eval.Size(64 << 20)
)

// Config assembles a worker service.
type Config struct {
	Shard     int
	Store     *blobstore.Store
	Runner    sandbox.Runner
	Languages map[string]Language
	// Capacity bounds concurrently running operations. Zero means
	// defaultCapacity.
	Capacity int64
	// Observe, when set, is called once per finished operation.
	Observe func(kind eval.Kind, status eval.Status, elapsed time.Duration)
	Logger  *zap.Logger
}

// Service executes operations for one shard.
type Service struct {
	shard     int
	store     *blobstore.Store
	runner    sandbox.Runner
	languages map[string]Language
	capacity  int64
	slots     *semaphore.Weighted
	observe   func(kind eval.Kind, status eval.Status, elapsed time.Duration)
	startTime time.Time
	logger    *zap.Logger
}

// PingReply tells the coordinator who answered and how much the worker
// can take.
type PingReply struct {
	Shard     int       `json:"shard"`
	Capacity  int64     `json:"capacity"`
	StartTime time.Time `json:"start_time"`
}

func New(conf Config) (*Service, error) {
	if conf.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if conf.Runner == nil {
		return nil, fmt.Errorf("worker: runner is required")
	}
	languages := conf.Languages
	if languages == nil {
		languages = DefaultLanguages()
	}
	capacity := conf.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		shard:     conf.Shard,
		store:     conf.Store,
		runner:    conf.Runner,
		languages: languages,
		capacity:  capacity,
		slots:     semaphore.NewWeighted(capacity),
		observe:   conf.Observe,
		startTime: time.Now(),
		logger:    logger,
	}, nil
}

// Register mounts the worker methods on the RPC server.
func (s *Service) Register(rs *rpc.Server) {
	rs.Handle("worker", "ping", s.handlePing)
	rs.Handle("worker", "execute", s.handleExecute)
}

func (s *Service) handlePing(ctx context.Context, args json.RawMessage) (any, error) {
	return &PingReply{
		Shard:     s.shard,
		Capacity:  s.capacity,
		StartTime: s.startTime,
	}, nil
}

func (s *Service) handleExecute(ctx context.Context, args json.RawMessage) (any, error) {
	var job eval.Job
	if err := json.Unmarshal(args, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	// Dispatch respects the advertised capacity; no free slot means the
	// two sides disagree about in-flight work.
	if !s.slots.TryAcquire(1) {
		s.logger.Warn("execute refused, no free slot", zap.Stringer("op", job.Operation))
		return eval.InfraOutcome("worker at capacity"), nil
	}
	defer s.slots.Release(1)

	start := time.Now()
	s.logger.Info("execute",
		zap.Stringer("op", job.Operation),
		zap.Int("attempt", job.Attempt))

	var outcome *eval.Outcome
	switch job.Operation.Kind {
	case eval.KindCompile:
		outcome = s.compile(ctx, job)
	case eval.KindEvaluate:
		outcome = s.evaluate(ctx, job)
	default:
		return nil, fmt.Errorf("unknown operation kind %d", job.Operation.Kind)
	}

	elapsed := time.Since(start)
	if s.observe != nil {
		s.observe(job.Operation.Kind, outcome.Status, elapsed)
	}
	s.logger.Info("execute finished",
		zap.Stringer("op", job.Operation),
		zap.Stringer("status", outcome.Status),
		zap.Duration("elapsed", elapsed))
	return outcome, nil
}

// fetchInput materializes one blob in the local cache and returns it as
// a sandbox input.
func (s *Service) fetchInput(ctx context.Context, d blobstore.Digest, mode os.FileMode) (sandbox.Input, error) {
	p, err := s.store.GetPath(ctx, d)
	if err != nil {
		return nil, err
	}
	return sandbox.NewFileInput(p, mode), nil
}
