package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/eval"
)

const (
	stdoutName = ".stdout"
	stderrName = ".stderr"

	// Cap on captured stdout and stderr when no output limit is set.
	defaultOutputCap = eval.Size(16 << 20)
)

var defaultEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
}

// ExecutorConfig configures the host process executor.
type ExecutorConfig struct {
	// Root holds the per-run working directories. Empty allocates a
	// throwaway directory.
	Root string
	// Env is the base environment for every run. Empty means a minimal
	// PATH-only environment.
	Env []string
}

// Executor runs commands as ordinary host processes, one disposable
// working directory per run, with kernel resource limits and a wall
// clock watchdog. It expects to run under an unprivileged account
// prepared at deployment; it does not build containers or namespaces
// itself.
type Executor struct {
	root   string
	env    []string
	logger *zap.Logger
}

var _ Runner = &Executor{}

func NewExecutor(conf ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root := conf.Root
	if root == "" {
		var err error
		root, err = os.MkdirTemp("", "arbiter-run-*")
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	env := conf.Env
	if len(env) == 0 {
		env = defaultEnv
	}
	return &Executor{root: root, env: env, logger: logger}, nil
}

func (e *Executor) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, fmt.Errorf("sandbox: empty command")
	}
	for name := range cmd.CopyIn {
		if err := checkName(name); err != nil {
			return Result{}, err
		}
	}
	for _, name := range cmd.CollectOut {
		if err := checkName(name); err != nil {
			return Result{}, err
		}
	}
	if cmd.Stdin != "" {
		if _, ok := cmd.CopyIn[cmd.Stdin]; !ok {
			return Result{}, fmt.Errorf("sandbox: stdin %q is not a copied input", cmd.Stdin)
		}
	}

	work, err := os.MkdirTemp(e.root, "run-*")
	if err != nil {
		return infraResult("create working directory: " + err.Error()), nil
	}
	defer os.RemoveAll(work)

	for name, in := range cmd.CopyIn {
		if err := place(work, name, in); err != nil {
			return infraResult("populate working directory: " + err.Error()), nil
		}
	}

	stdin, err := openStdin(work, cmd.Stdin)
	if err != nil {
		return infraResult("open stdin: " + err.Error()), nil
	}
	defer stdin.Close()
	stdout, err := os.Create(filepath.Join(work, stdoutName))
	if err != nil {
		return infraResult("create stdout: " + err.Error()), nil
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(work, stderrName))
	if err != nil {
		return infraResult("create stderr: " + err.Error()), nil
	}
	defer stderr.Close()

	proc := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	proc.Dir = work
	proc.Env = append(append([]string{}, e.env...), cmd.Env...)
	proc.Stdin = stdin
	proc.Stdout = stdout
	proc.Stderr = stderr
	proc.SysProcAttr = sysProcAttr()

	start := time.Now()
	if err := proc.Start(); err != nil {
		return infraResult("start program: " + err.Error()), nil
	}
	if err := applyRlimits(proc.Process.Pid, cmd.Limits); err != nil {
		e.logger.Warn("apply resource limits failed", zap.Error(err))
	}

	// Watchdog kills the whole process group on wall clock overrun or
	// caller cancellation. Waiting on proc alone would leave forked
	// children running.
	var wallKilled, ctxKilled atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if cmd.Limits.WallTime > 0 {
			t := time.NewTimer(cmd.Limits.WallTime)
			defer t.Stop()
			wallTimer = t.C
		}
		select {
		case <-ctx.Done():
			ctxKilled.Store(true)
			killGroup(proc.Process)
		case <-wallTimer:
			wallKilled.Store(true)
			killGroup(proc.Process)
		case <-done:
		}
	}()

	waitErr := proc.Wait()
	close(done)
	wall := time.Since(start)

	state := proc.ProcessState
	if state == nil {
		return infraResult("wait: " + waitErr.Error()), nil
	}
	stats := inspect(state)
	cpu := state.UserTime() + state.SystemTime()

	outCap := cmd.Limits.Output
	if outCap == 0 {
		outCap = defaultOutputCap
	}
	outBytes, outTruncated := readLimited(filepath.Join(work, stdoutName), outCap)
	errBytes, _ := readLimited(filepath.Join(work, stderrName), outCap)

	res := Result{
		ExitCode: stats.exitCode,
		Time:     cpu,
		WallTime: wall,
		Memory:   stats.maxRSS,
		Stdout:   outBytes,
		Stderr:   errBytes,
	}
	res.Status, res.Message = classify(measure{
		ctxKilled:    ctxKilled.Load(),
		wallKilled:   wallKilled.Load(),
		cpu:          cpu,
		mem:          stats.maxRSS,
		signaled:     stats.signaled,
		signal:       stats.signal,
		cpuLimitHit:  stats.cpuLimitHit,
		sizeLimitHit: stats.sizeLimitHit,
		exitCode:     stats.exitCode,
		truncated:    outTruncated,
	}, cmd.Limits)

	if len(cmd.CollectOut) > 0 {
		res.Files = make(map[string][]byte, len(cmd.CollectOut))
		for _, name := range cmd.CollectOut {
			b, err := os.ReadFile(filepath.Join(work, name))
			if err != nil {
				continue
			}
			res.Files[name] = b
		}
	}
	return res, nil
}

type measure struct {
	ctxKilled    bool
	wallKilled   bool
	cpu          time.Duration
	mem          eval.Size
	signaled     bool
	signal       string
	cpuLimitHit  bool
	sizeLimitHit bool
	exitCode     int
	truncated    bool
}

// classify turns raw process accounting into a grading status. Limit
// overruns win over the raw exit state, so a program killed for eating
// CPU reports time limit exceeded and not a bare signal death.
func classify(m measure, l Limits) (eval.Status, string) {
	switch {
	case m.ctxKilled:
		return eval.StatusSandboxError, "run canceled"
	case l.Time > 0 && m.cpu > l.Time:
		return eval.StatusTimeLimitExceeded,
			fmt.Sprintf("cpu time %v over limit %v", m.cpu.Round(time.Millisecond), l.Time)
	case m.cpuLimitHit:
		return eval.StatusTimeLimitExceeded, "cpu time limit enforced by kernel"
	case m.wallKilled:
		return eval.StatusTimeLimitExceeded, "wall clock limit exceeded"
	case l.Memory > 0 && m.mem > l.Memory:
		return eval.StatusMemoryLimitExceeded,
			fmt.Sprintf("peak memory %s over limit %s", m.mem, l.Memory)
	case m.sizeLimitHit || m.truncated:
		return eval.StatusOutputLimitExceeded, "output limit exceeded"
	case m.signaled:
		return eval.StatusRuntimeError, "killed by signal: " + m.signal
	case m.exitCode != 0:
		return eval.StatusRuntimeError, fmt.Sprintf("exit status %d", m.exitCode)
	default:
		return eval.StatusOK, ""
	}
}

func infraResult(msg string) Result {
	return Result{Status: eval.StatusSandboxError, Message: msg, ExitCode: -1}
}

// checkName rejects file names that would escape the working directory.
func checkName(name string) error {
	if name == "" || name[0] == '.' || !filepath.IsLocal(name) {
		return fmt.Errorf("sandbox: illegal file name %q", name)
	}
	return nil
}

func place(work, name string, in Input) error {
	dst := filepath.Join(work, name)
	if dir := filepath.Dir(dst); dir != work {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	switch in := in.(type) {
	case *MemoryInput:
		return os.WriteFile(dst, in.Content, modeOr(in.Mode, 0644))
	case *FileInput:
		return copyFile(in.Path, dst, modeOr(in.Mode, 0644))
	default:
		return fmt.Errorf("unknown input type %T", in)
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func modeOr(mode, fallback os.FileMode) os.FileMode {
	if mode == 0 {
		return fallback
	}
	return mode
}

func openStdin(work, name string) (*os.File, error) {
	if name == "" {
		return os.Open(os.DevNull)
	}
	return os.Open(filepath.Join(work, name))
}

func readLimited(path string, limit eval.Size) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return b, false
	}
	// One byte past the cap tells us truncation happened.
	var probe [1]byte
	if n, _ := f.Read(probe[:]); n > 0 {
		return b, true
	}
	return b, false
}
