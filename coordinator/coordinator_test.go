package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/resultdb"
	"github.com/mirradon/arbiter/worker"
)

var fakeStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func digestOf(s string) blobstore.Digest {
	return blobstore.DigestBytes([]byte(s))
}

// fakeWorker scripts Execute behavior per test and records every job it
// was handed.
type fakeWorker struct {
	shard int

	mu       sync.Mutex
	exec     func(job eval.Job) (*eval.Outcome, error)
	jobs     []eval.Job
	pingFail bool
}

func newFakeWorker(shard int) *fakeWorker {
	return &fakeWorker{shard: shard, exec: happyExec}
}

// happyExec compiles everything and answers each testcase with the
// output the seeded datasets expect.
func happyExec(job eval.Job) (*eval.Outcome, error) {
	if job.Operation.Kind == eval.KindCompile {
		return &eval.Outcome{Status: eval.StatusOK, ExecutableDigest: digestOf("exe")}, nil
	}
	return &eval.Outcome{
		Status:       eval.StatusOK,
		OutputDigest: digestOf("out-" + job.Operation.TestcaseID),
	}, nil
}

func (f *fakeWorker) Execute(ctx context.Context, job eval.Job) (*eval.Outcome, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	fn := f.exec
	f.mu.Unlock()
	return fn(job)
}

func (f *fakeWorker) Ping(ctx context.Context) (*worker.PingReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingFail {
		return nil, errors.New("ping refused")
	}
	return &worker.PingReply{Shard: f.shard, Capacity: 4, StartTime: fakeStart}, nil
}

func (f *fakeWorker) setExec(fn func(job eval.Job) (*eval.Outcome, error)) {
	f.mu.Lock()
	f.exec = fn
	f.mu.Unlock()
}

func (f *fakeWorker) setPingFail(v bool) {
	f.mu.Lock()
	f.pingFail = v
	f.mu.Unlock()
}

func (f *fakeWorker) jobsOf(kind eval.Kind) []eval.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []eval.Job
	for _, j := range f.jobs {
		if j.Operation.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, db resultdb.Store, workers map[int]WorkerClient, opts ...func(*Config)) *Coordinator {
	t.Helper()
	conf := Config{
		DB:           db,
		DispatchTick: 10 * time.Millisecond,
		CallTimeout:  2 * time.Second,
		PingInterval: 10 * time.Millisecond,
		PingFailures: 2,
		Logger:       zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&conf)
	}
	c, err := New(conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for shard, w := range workers {
		if err := c.AddWorker(shard, w); err != nil {
			t.Fatalf("AddWorker(%d): %v", shard, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return c
}

// seed stores one submission and a dataset with the given testcase ids.
func seed(t *testing.T, db resultdb.Store, subID, dsID string, testcases ...string) {
	t.Helper()
	ctx := context.Background()
	err := db.PutSubmission(ctx, &eval.Submission{
		ID:         subID,
		Language:   "cpp",
		Files:      map[string]blobstore.Digest{"main.cpp": digestOf("src-" + subID)},
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("PutSubmission: %v", err)
	}
	ds := &eval.Dataset{
		ID:            dsID,
		TimeLimit:     time.Second,
		WallTimeLimit: 2 * time.Second,
		MemoryLimit:   256 << 20,
	}
	for _, tc := range testcases {
		ds.Testcases = append(ds.Testcases, eval.Testcase{
			ID:           tc,
			InputDigest:  digestOf("in-" + tc),
			OutputDigest: digestOf("out-" + tc),
		})
	}
	if err := db.PutDataset(ctx, ds); err != nil {
		t.Fatalf("PutDataset: %v", err)
	}
}

func waitState(t *testing.T, db resultdb.Store, subID, dsID string, want eval.State) *eval.SubmissionResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last eval.State = -1
	for time.Now().Before(deadline) {
		res, err := db.Result(context.Background(), subID, dsID)
		if err == nil {
			if res.State == want {
				return res
			}
			last = res.State
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("result %s/%s stuck in %v, want %v", subID, dsID, last, want)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGradesSubmission(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1", "tc-2")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	res := waitState(t, db, "sub-1", "ds-1", eval.StateScored)

	if res.Score != 100 {
		t.Errorf("score = %v, want 100", res.Score)
	}
	if res.ScoredAt == nil {
		t.Error("scored_at not set")
	}
	if res.ExecutableDigest != digestOf("exe") {
		t.Errorf("executable digest = %s", res.ExecutableDigest)
	}
	if res.CompilationShard != 1 || res.EvaluationShard != 1 {
		t.Errorf("shards = %d/%d, want 1/1", res.CompilationShard, res.EvaluationShard)
	}

	evals, err := db.Evaluations(context.Background(), "sub-1", "ds-1")
	if err != nil {
		t.Fatalf("Evaluations: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("recorded %d evaluations, want 2", len(evals))
	}
	for _, e := range evals {
		if e.Status != eval.StatusOK || e.Shard != 1 {
			t.Errorf("evaluation %s = %+v", e.TestcaseID, e)
		}
	}
	if n := len(fw.jobsOf(eval.KindCompile)); n != 1 {
		t.Errorf("compile ran %d times, want 1", n)
	}
}

func TestCompilationFailedIsTerminal(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	fw.setExec(func(job eval.Job) (*eval.Outcome, error) {
		return &eval.Outcome{Status: eval.StatusRuntimeError, ExitCode: 1}, nil
	})
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	res := waitState(t, db, "sub-1", "ds-1", eval.StateCompilationFailed)

	// A contestant-attributable failure is definitive: no retries, no
	// evaluations.
	if res.CompilationTries != 0 {
		t.Errorf("compilation tries = %d, want 0", res.CompilationTries)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(fw.jobsOf(eval.KindCompile)); n != 1 {
		t.Errorf("compile ran %d times, want 1", n)
	}
	if n := len(fw.jobsOf(eval.KindEvaluate)); n != 0 {
		t.Errorf("evaluate ran %d times, want 0", n)
	}
}

func TestPartialScore(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	fw.setExec(func(job eval.Job) (*eval.Outcome, error) {
		if job.Operation.Kind == eval.KindCompile {
			return happyExec(job)
		}
		if job.Operation.TestcaseID == "tc-2" {
			return &eval.Outcome{Status: eval.StatusOK, OutputDigest: digestOf("wrong")}, nil
		}
		return happyExec(job)
	})
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1", "tc-2")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	res := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if res.Score != 50 {
		t.Errorf("score = %v, want 50", res.Score)
	}
}

func TestInfraFailureRetriedThenSucceeds(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	var mu sync.Mutex
	failures := 0
	fw.setExec(func(job eval.Job) (*eval.Outcome, error) {
		if job.Operation.Kind == eval.KindCompile {
			mu.Lock()
			defer mu.Unlock()
			if failures < 2 {
				failures++
				return eval.InfraOutcome("sandbox broke"), nil
			}
		}
		return happyExec(job)
	})
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	res := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if res.CompilationTries != 2 {
		t.Errorf("compilation tries = %d, want 2", res.CompilationTries)
	}
	if n := len(fw.jobsOf(eval.KindCompile)); n != 3 {
		t.Errorf("compile ran %d times, want 3", n)
	}
}

func TestInfraRetriesExhausted(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	fw.setExec(func(job eval.Job) (*eval.Outcome, error) {
		if job.Operation.Kind == eval.KindCompile {
			return happyExec(job)
		}
		return eval.InfraOutcome("sandbox broke"), nil
	})
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1", "tc-2")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	res := waitState(t, db, "sub-1", "ds-1", eval.StateCannotEvaluate)

	gaveUp := false
	for _, tries := range res.EvaluationTries {
		if tries > defaultMaxTries {
			t.Errorf("tries exceeded budget: %v", res.EvaluationTries)
		}
		if tries == defaultMaxTries {
			gaveUp = true
		}
	}
	if !gaveUp {
		t.Errorf("no testcase reached the retry budget: %v", res.EvaluationTries)
	}

	// Sibling operations are withdrawn once the result is given up.
	waitFor(t, "queue to drain", func() bool { return len(c.QueueStatus()) == 0 })

	// The verdict is the pipeline's fault, never the contestant's.
	if !res.State.Terminal() {
		t.Errorf("cannot_evaluate should be terminal")
	}
}

func TestCompileRetriesExhausted(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	fw.setExec(func(job eval.Job) (*eval.Outcome, error) {
		return eval.InfraOutcome("compiler host on fire"), nil
	})
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	res := waitState(t, db, "sub-1", "ds-1", eval.StateCannotCompile)

	if res.CompilationTries != defaultMaxTries {
		t.Errorf("CompilationTries = %d, want %d", res.CompilationTries, defaultMaxTries)
	}
	if n := len(fw.jobsOf(eval.KindEvaluate)); n != 0 {
		t.Errorf("evaluations dispatched for a submission that never compiled: %d", n)
	}
	waitFor(t, "queue to drain", func() bool { return len(c.QueueStatus()) == 0 })
}

func TestDisableWorkerStopsDispatch(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")
	ctx := context.Background()

	if err := c.DisableWorker(ctx, 1); err != nil {
		t.Fatalf("DisableWorker: %v", err)
	}
	// Disabling twice is fine.
	if err := c.DisableWorker(ctx, 1); err != nil {
		t.Fatalf("DisableWorker again: %v", err)
	}
	if err := c.DisableWorker(ctx, 99); err == nil {
		t.Error("unknown shard accepted")
	}

	if err := c.NewSubmission(ctx, "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := len(fw.jobsOf(eval.KindCompile)); n != 0 {
		t.Fatalf("compile dispatched to disabled worker %d times", n)
	}
	if n := len(c.QueueStatus()); n != 1 {
		t.Fatalf("queue has %d entries, want 1", n)
	}

	if err := c.EnableWorker(ctx, 1); err != nil {
		t.Fatalf("EnableWorker: %v", err)
	}
	waitState(t, db, "sub-1", "ds-1", eval.StateScored)
}

func TestAdmissionDeduplicates(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")
	ctx := context.Background()

	if err := c.DisableWorker(ctx, 1); err != nil {
		t.Fatalf("DisableWorker: %v", err)
	}
	for range 3 {
		if err := c.NewSubmission(ctx, "sub-1", "ds-1"); err != nil {
			t.Fatalf("NewSubmission: %v", err)
		}
	}
	if n := len(c.QueueStatus()); n != 1 {
		t.Fatalf("queue has %d entries after duplicate admission, want 1", n)
	}
	if err := c.EnableWorker(ctx, 1); err != nil {
		t.Fatalf("EnableWorker: %v", err)
	}
	waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if n := len(fw.jobsOf(eval.KindCompile)); n != 1 {
		t.Errorf("compile ran %d times, want 1", n)
	}

	// Admitting a finished result schedules nothing.
	if err := c.NewSubmission(ctx, "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission after scored: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(fw.jobsOf(eval.KindCompile)); n != 1 {
		t.Errorf("terminal result was rescheduled, compile ran %d times", n)
	}
}

func TestPrioritizeSubmission(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")
	seed(t, db, "sub-2", "ds-2", "tc-1")
	ctx := context.Background()

	if err := c.DisableWorker(ctx, 1); err != nil {
		t.Fatalf("DisableWorker: %v", err)
	}
	if err := c.NewSubmission(ctx, "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	if err := c.NewSubmission(ctx, "sub-2", "ds-2"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}

	entries := c.QueueStatus()
	if len(entries) != 2 || entries[0].Operation.SubmissionID != "sub-1" {
		t.Fatalf("initial order = %+v", entries)
	}

	if err := c.PrioritizeSubmission(ctx, "sub-2"); err != nil {
		t.Fatalf("PrioritizeSubmission: %v", err)
	}
	entries = c.QueueStatus()
	if entries[0].Operation.SubmissionID != "sub-2" {
		t.Fatalf("after prioritize, head = %+v", entries[0])
	}
	if entries[0].Priority != eval.PriorityExtraHigh {
		t.Errorf("priority = %d, want %d", entries[0].Priority, eval.PriorityExtraHigh)
	}
}

func TestWorkerDisconnectRequeuesWithoutBurningTries(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)

	block := make(chan struct{})
	var mu sync.Mutex
	evalCalls := 0
	fw.setExec(func(job eval.Job) (*eval.Outcome, error) {
		if job.Operation.Kind == eval.KindCompile {
			return happyExec(job)
		}
		mu.Lock()
		evalCalls++
		first := evalCalls == 1
		mu.Unlock()
		if first {
			// Simulates the worker dying mid-operation: the call hangs
			// until after the retry already finished.
			<-block
			return &eval.Outcome{Status: eval.StatusOK, OutputDigest: digestOf("stale")}, nil
		}
		return happyExec(job)
	})
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	waitFor(t, "first evaluate dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return evalCalls == 1
	})

	fw.setPingFail(true)
	waitFor(t, "requeue after disconnect", func() bool {
		entries := c.QueueStatus()
		return len(entries) == 1 && entries[0].Operation.Kind == eval.KindEvaluate
	})
	fw.setPingFail(false)

	res := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if res.Score != 100 {
		t.Errorf("score = %v, want 100 from the retried run", res.Score)
	}
	// The machine went away, the contestant's program did not fail:
	// retry budget untouched.
	if tries := res.EvaluationTries["tc-1"]; tries != 0 {
		t.Errorf("evaluation tries = %d, want 0", tries)
	}

	// The hung first attempt finally returns; its outcome must not
	// overwrite the verdict.
	close(block)
	time.Sleep(50 * time.Millisecond)
	res2, err := db.Result(context.Background(), "sub-1", "ds-1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res2.Score != 100 || res2.State != eval.StateScored {
		t.Errorf("stale outcome applied: state %v score %v", res2.State, res2.Score)
	}
	evals, _ := db.Evaluations(context.Background(), "sub-1", "ds-1")
	if len(evals) != 1 || evals[0].OutputDigest != digestOf("out-tc-1") {
		t.Errorf("recorded evaluation = %+v", evals)
	}
}

func TestInvalidateRegrades(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")
	ctx := context.Background()

	if err := c.NewSubmission(ctx, "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	first := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if first.Score != 100 {
		t.Fatalf("first score = %v", first.Score)
	}

	// The answer the worker produces changes; a regrade must pick it
	// up.
	fw.setExec(func(job eval.Job) (*eval.Outcome, error) {
		if job.Operation.Kind == eval.KindCompile {
			return happyExec(job)
		}
		return &eval.Outcome{Status: eval.StatusOK, OutputDigest: digestOf("now-wrong")}, nil
	})
	if err := c.InvalidateSubmission(ctx, "sub-1", "ds-1"); err != nil {
		t.Fatalf("InvalidateSubmission: %v", err)
	}
	waitFor(t, "rescore", func() bool {
		res, err := db.Result(ctx, "sub-1", "ds-1")
		return err == nil && res.State == eval.StateScored && res.Score == 0
	})

	// The compiled executable survives invalidation.
	if n := len(fw.jobsOf(eval.KindCompile)); n != 1 {
		t.Errorf("compile ran %d times, want 1", n)
	}
	if n := len(fw.jobsOf(eval.KindEvaluate)); n != 2 {
		t.Errorf("evaluate ran %d times, want 2", n)
	}
}

func TestRecoversUnfinishedAtStartup(t *testing.T) {
	db := resultdb.NewMemory()
	seed(t, db, "sub-1", "ds-1", "tc-1")
	// A previous run admitted the submission and crashed before
	// dispatching anything.
	if err := db.SaveResult(context.Background(), eval.NewSubmissionResult("sub-1", "ds-1")); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	fw := newFakeWorker(1)
	newTestCoordinator(t, db, map[int]WorkerClient{1: fw})

	res := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if res.Score != 100 {
		t.Errorf("score = %v, want 100", res.Score)
	}
}

func TestRecoveryResumesMidEvaluation(t *testing.T) {
	db := resultdb.NewMemory()
	seed(t, db, "sub-1", "ds-1", "tc-1", "tc-2")
	ctx := context.Background()

	// The crashed run had compiled and already evaluated tc-1.
	res := eval.NewSubmissionResult("sub-1", "ds-1")
	res.State = eval.StateEvaluating
	res.ExecutableDigest = digestOf("exe")
	if err := db.SaveResult(ctx, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	err := db.SaveEvaluation(ctx, &eval.Evaluation{
		SubmissionID: "sub-1", DatasetID: "ds-1", TestcaseID: "tc-1",
		Attempt: 1, Status: eval.StatusOK,
		OutputDigest: digestOf("out-tc-1"),
		Shard:        1, EvaluatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}

	fw := newFakeWorker(1)
	newTestCoordinator(t, db, map[int]WorkerClient{1: fw})

	got := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if got.Score != 100 {
		t.Errorf("score = %v, want 100", got.Score)
	}
	// Only the missing testcase ran again.
	time.Sleep(20 * time.Millisecond)
	if n := len(fw.jobsOf(eval.KindCompile)); n != 0 {
		t.Errorf("compile reran %d times after recovery", n)
	}
	jobs := fw.jobsOf(eval.KindEvaluate)
	if len(jobs) != 1 || jobs[0].Operation.TestcaseID != "tc-2" {
		t.Errorf("recovered evaluations = %+v", jobs)
	}
}

func TestSweepReschedulesLostResult(t *testing.T) {
	db := resultdb.NewMemory()
	seed(t, db, "sub-1", "ds-1", "tc-1")
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw},
		func(conf *Config) { conf.SweepInterval = 20 * time.Millisecond })

	// Settle the loop past startup recovery, then plant a result it has
	// never seen. Only the sweep can find it.
	if _, err := c.WorkersStatus(context.Background()); err != nil {
		t.Fatalf("WorkersStatus: %v", err)
	}
	if err := db.SaveResult(context.Background(), eval.NewSubmissionResult("sub-1", "ds-1")); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	res := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if res.Score != 100 {
		t.Errorf("score = %v, want 100", res.Score)
	}
}

func TestEmptyDatasetScoresImmediately(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1")

	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	res := waitState(t, db, "sub-1", "ds-1", eval.StateScored)
	if res.Score != 0 {
		t.Errorf("score = %v, want 0 for empty dataset", res.Score)
	}
}

func TestNewSubmissionValidates(t *testing.T) {
	db := resultdb.NewMemory()
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: newFakeWorker(1)})
	seed(t, db, "sub-1", "ds-1", "tc-1")

	if err := c.NewSubmission(context.Background(), "ghost", "ds-1"); err == nil {
		t.Error("unknown submission admitted")
	}
	if err := c.NewSubmission(context.Background(), "sub-1", "ghost"); err == nil {
		t.Error("unknown dataset admitted")
	}
}

func TestWorkersStatus(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw, 2: newFakeWorker(2)})
	ctx := context.Background()

	waitFor(t, "workers to connect", func() bool {
		ws, err := c.WorkersStatus(ctx)
		return err == nil && ws[1].Connected && ws[2].Connected
	})
	ws, err := c.WorkersStatus(ctx)
	if err != nil {
		t.Fatalf("WorkersStatus: %v", err)
	}
	if len(ws) != 2 {
		t.Fatalf("status for %d shards, want 2", len(ws))
	}
	if !ws[1].Enabled || !ws[1].StartTime.Equal(fakeStart) {
		t.Errorf("shard 1 status = %+v", ws[1])
	}
	if len(ws[1].Operations) != 0 {
		t.Errorf("idle shard shows operations: %+v", ws[1].Operations)
	}
}

func TestSubmissionsStatus(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw})
	seed(t, db, "sub-1", "ds-1", "tc-1")
	ctx := context.Background()

	if err := c.NewSubmission(ctx, "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	waitState(t, db, "sub-1", "ds-1", eval.StateScored)

	counts, err := c.SubmissionsStatus(ctx)
	if err != nil {
		t.Fatalf("SubmissionsStatus: %v", err)
	}
	if counts["scored"] != 1 {
		t.Errorf("counts = %v, want scored:1", counts)
	}
}

func TestEventsPublished(t *testing.T) {
	db := resultdb.NewMemory()
	fw := newFakeWorker(1)
	hub := NewHub()
	events, cancel := hub.Subscribe(64)
	defer cancel()

	c := newTestCoordinator(t, db, map[int]WorkerClient{1: fw}, func(conf *Config) {
		conf.Events = hub
	})
	seed(t, db, "sub-1", "ds-1", "tc-1")
	if err := c.NewSubmission(context.Background(), "sub-1", "ds-1"); err != nil {
		t.Fatalf("NewSubmission: %v", err)
	}
	waitState(t, db, "sub-1", "ds-1", eval.StateScored)

	var states []eval.State
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			states = append(states, ev.State)
			if ev.State == eval.StateScored {
				if ev.Score != 100 {
					t.Errorf("scored event score = %v", ev.Score)
				}
				// Compiled must have been announced along the way.
				seen := false
				for _, s := range states {
					if s == eval.StateCompiled {
						seen = true
					}
				}
				if !seen {
					t.Errorf("states seen = %v, missing compiled", states)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no scored event, saw %v", states)
		}
	}
}

func TestDigestScorer(t *testing.T) {
	ds := &eval.Dataset{
		ID: "ds-1",
		Testcases: []eval.Testcase{
			{ID: "tc-1", OutputDigest: digestOf("a")},
			{ID: "tc-2", OutputDigest: digestOf("b")},
		},
	}
	evals := []*eval.Evaluation{
		{TestcaseID: "tc-1", Status: eval.StatusOK, OutputDigest: digestOf("a")},
		{TestcaseID: "tc-2", Status: eval.StatusTimeLimitExceeded, OutputDigest: digestOf("b")},
	}
	score, err := DigestScorer{}.Score(context.Background(), ds, evals)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// tc-2 matched the bytes but did not finish inside the limits.
	if score != 50 {
		t.Errorf("score = %v, want 50", score)
	}

	empty, err := DigestScorer{}.Score(context.Background(), &eval.Dataset{ID: "empty"}, nil)
	if err != nil || empty != 0 {
		t.Errorf("empty dataset score = %v, %v", empty, err)
	}
}
