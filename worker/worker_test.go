package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/rpc"
	"github.com/mirradon/arbiter/sandbox"
)

// stubRunner hands every command to a test-provided function.
type stubRunner struct {
	run  func(cmd sandbox.Command) (sandbox.Result, error)
	last sandbox.Command
}

func (r *stubRunner) Run(ctx context.Context, cmd sandbox.Command) (sandbox.Result, error) {
	r.last = cmd
	return r.run(cmd)
}

func newTestService(t *testing.T, runner sandbox.Runner) (*Service, *blobstore.Store) {
	t.Helper()
	store, err := blobstore.New(blobstore.NewMemBackend(), t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := New(Config{
		Shard:  3,
		Store:  store,
		Runner: runner,
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, store
}

func mustPut(t *testing.T, store *blobstore.Store, b []byte) blobstore.Digest {
	t.Helper()
	d, err := store.PutBytes(context.Background(), b)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	return d
}

func mustGet(t *testing.T, store *blobstore.Store, d blobstore.Digest) []byte {
	t.Helper()
	b, err := store.GetBytes(context.Background(), d)
	if err != nil {
		t.Fatalf("GetBytes(%s): %v", d.Short(), err)
	}
	return b
}

func compileJob(src blobstore.Digest) eval.Job {
	return eval.Job{
		Operation: eval.NewCompile("sub-1", "ds-1", eval.PriorityHigh),
		Attempt:   1,
		Language:  "cpp",
		Sources:   map[string]blobstore.Digest{"main.cpp": src},
	}
}

func TestCompileSuccess(t *testing.T) {
	exe := []byte("\x7fELF compiled")
	runner := &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		return sandbox.Result{
			Status: eval.StatusOK,
			Stderr: []byte("note: all fine\n"),
			Files:  map[string][]byte{"a.out": exe},
			Time:   80 * time.Millisecond,
		}, nil
	}}
	svc, store := newTestService(t, runner)
	src := mustPut(t, store, []byte("int main() {}\n"))

	out := svc.compile(context.Background(), compileJob(src))
	if out.Status != eval.StatusOK {
		t.Fatalf("status = %v (%s), want ok", out.Status, out.Message)
	}
	if got := mustGet(t, store, out.ExecutableDigest); !bytes.Equal(got, exe) {
		t.Errorf("stored executable = %q, want %q", got, exe)
	}
	if got := mustGet(t, store, out.StderrDigest); !bytes.Equal(got, []byte("note: all fine\n")) {
		t.Errorf("stored stderr = %q", got)
	}

	want := []string{"/usr/bin/g++", "-O2", "-std=gnu++17", "-static", "-o", "a.out", "main.cpp"}
	if !reflect.DeepEqual(runner.last.Args, want) {
		t.Errorf("compiler args = %v, want %v", runner.last.Args, want)
	}
	if _, ok := runner.last.CopyIn["main.cpp"]; !ok {
		t.Errorf("source not copied in: %v", runner.last.CopyIn)
	}
	if runner.last.Limits.Time != compileTimeLimit {
		t.Errorf("compile time limit = %v, want %v", runner.last.Limits.Time, compileTimeLimit)
	}
}

func TestCompileContestantError(t *testing.T) {
	runner := &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		return sandbox.Result{
			Status:   eval.StatusRuntimeError,
			ExitCode: 1,
			Message:  "exit status 1",
			Stderr:   []byte("main.cpp:1: error: expected ';'\n"),
		}, nil
	}}
	svc, store := newTestService(t, runner)
	src := mustPut(t, store, []byte("int main() {"))

	out := svc.compile(context.Background(), compileJob(src))
	if out.Status != eval.StatusRuntimeError || out.ExitCode != 1 {
		t.Fatalf("status = %v exit %d, want runtime_error exit 1", out.Status, out.ExitCode)
	}
	if out.ExecutableDigest != "" {
		t.Errorf("failed compile has executable digest %s", out.ExecutableDigest)
	}
	if got := mustGet(t, store, out.StderrDigest); !bytes.Contains(got, []byte("expected ';'")) {
		t.Errorf("stored stderr = %q", got)
	}
}

func TestCompileMissingArtifact(t *testing.T) {
	runner := &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		return sandbox.Result{Status: eval.StatusOK}, nil
	}}
	svc, store := newTestService(t, runner)
	src := mustPut(t, store, []byte("int main() {}\n"))

	out := svc.compile(context.Background(), compileJob(src))
	if out.Status != eval.StatusSandboxError {
		t.Fatalf("status = %v, want sandbox_error for missing artifact", out.Status)
	}
}

func TestCompileMissingSourceBlob(t *testing.T) {
	runner := &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		t.Fatal("runner must not run when inputs cannot be fetched")
		return sandbox.Result{}, nil
	}}
	svc, _ := newTestService(t, runner)

	missing := blobstore.DigestBytes([]byte("never stored"))
	out := svc.compile(context.Background(), compileJob(missing))
	if out.Status != eval.StatusSandboxError {
		t.Fatalf("status = %v, want sandbox_error", out.Status)
	}
}

func TestEvaluate(t *testing.T) {
	runner := &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		return sandbox.Result{
			Status: eval.StatusOK,
			Stdout: []byte("42\n"),
			Time:   120 * time.Millisecond,
			Memory: 1 << 20,
		}, nil
	}}
	svc, store := newTestService(t, runner)
	exe := mustPut(t, store, []byte("\x7fELF"))
	input := mustPut(t, store, []byte("6 7\n"))

	job := eval.Job{
		Operation:  eval.NewEvaluate("sub-1", "ds-1", "tc-1", eval.PriorityMedium),
		Attempt:    1,
		Language:   "cpp",
		Executable: exe,
		Input:      input,
		TimeLimit:  time.Second,
	}
	out := svc.evaluate(context.Background(), job)
	if out.Status != eval.StatusOK {
		t.Fatalf("status = %v (%s), want ok", out.Status, out.Message)
	}
	if out.OutputDigest != out.StdoutDigest {
		t.Errorf("output digest %s != stdout digest %s", out.OutputDigest, out.StdoutDigest)
	}
	if got := mustGet(t, store, out.OutputDigest); !bytes.Equal(got, []byte("42\n")) {
		t.Errorf("stored output = %q, want 42", got)
	}

	if runner.last.Stdin != inputFileName {
		t.Errorf("stdin = %q, want %q", runner.last.Stdin, inputFileName)
	}
	if _, ok := runner.last.CopyIn["a.out"]; !ok {
		t.Errorf("executable not copied in: %v", runner.last.CopyIn)
	}
	if runner.last.Limits.Time != time.Second {
		t.Errorf("time limit = %v, want 1s", runner.last.Limits.Time)
	}
	if runner.last.Limits.WallTime <= time.Second {
		t.Errorf("wall limit = %v, want a bound above the time limit", runner.last.Limits.WallTime)
	}
}

func TestEvaluateUnknownLanguage(t *testing.T) {
	svc, store := newTestService(t, &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		return sandbox.Result{}, nil
	}})
	exe := mustPut(t, store, []byte("\x7fELF"))
	job := eval.Job{
		Operation:  eval.NewEvaluate("sub-1", "ds-1", "tc-1", eval.PriorityMedium),
		Language:   "cobol",
		Executable: exe,
		Input:      exe,
	}
	if out := svc.evaluate(context.Background(), job); out.Status != eval.StatusSandboxError {
		t.Fatalf("status = %v, want sandbox_error", out.Status)
	}
}

func TestExecuteAtCapacity(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		started <- struct{}{}
		<-release
		return sandbox.Result{Status: eval.StatusOK, Files: map[string][]byte{"a.out": {1}}}, nil
	}}
	store, err := blobstore.New(blobstore.NewMemBackend(), t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := New(Config{Store: store, Runner: runner, Capacity: 1, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := mustPut(t, store, []byte("int main() {}\n"))
	args, _ := json.Marshal(compileJob(src))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		if _, err := svc.handleExecute(context.Background(), args); err != nil {
			t.Errorf("first execute: %v", err)
		}
	}()
	<-started

	res, err := svc.handleExecute(context.Background(), args)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if out := res.(*eval.Outcome); out.Status != eval.StatusSandboxError {
		t.Errorf("status = %v, want sandbox_error while full", out.Status)
	}

	close(release)
	<-firstDone
}

func TestServiceOverRPC(t *testing.T) {
	runner := &stubRunner{run: func(cmd sandbox.Command) (sandbox.Result, error) {
		return sandbox.Result{
			Status: eval.StatusOK,
			Stdout: []byte("hello\n"),
		}, nil
	}}
	svc, store := newTestService(t, runner)

	gin.SetMode(gin.TestMode)
	rs := rpc.NewServer(rpc.ServerConfig{Shard: 3}, zaptest.NewLogger(t))
	defer rs.Close()
	svc.Register(rs)
	engine := gin.New()
	rs.Register(engine)
	ts := httptest.NewServer(engine)
	defer ts.Close()

	client := NewClient(3, rpc.ClientConfig{
		BaseURL:      ts.URL,
		PollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	ping, err := client.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if ping.Shard != 3 || ping.Capacity != defaultCapacity {
		t.Errorf("ping = %+v", ping)
	}

	exe := mustPut(t, store, []byte("\x7fELF"))
	input := mustPut(t, store, []byte("in\n"))
	out, err := client.Execute(context.Background(), eval.Job{
		Operation:  eval.NewEvaluate("sub-1", "ds-1", "tc-1", eval.PriorityMedium),
		Attempt:    1,
		Language:   "cpp",
		Executable: exe,
		Input:      input,
		TimeLimit:  time.Second,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != eval.StatusOK {
		t.Errorf("status = %v (%s), want ok", out.Status, out.Message)
	}
	if got := mustGet(t, store, out.OutputDigest); !bytes.Equal(got, []byte("hello\n")) {
		t.Errorf("output = %q", got)
	}
}
