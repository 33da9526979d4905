package sandbox

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mirradon/arbiter/eval"
)

// sysProcAttr puts the run in its own process group so the watchdog can
// kill forked children, and ties its life to the worker process.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// applyRlimits installs kernel backstops behind the measured limits.
// The CPU limit gets one extra second so measurement-based
// classification usually fires before the kernel does.
func applyRlimits(pid int, l Limits) error {
	if l.Time > 0 {
		secs := uint64(l.Time / time.Second)
		if l.Time%time.Second != 0 {
			secs++
		}
		if secs == 0 {
			secs = 1
		}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU,
			&unix.Rlimit{Cur: secs, Max: secs + 1}, nil); err != nil {
			return err
		}
	}
	if l.Output > 0 {
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE,
			&unix.Rlimit{Cur: l.Output.Byte(), Max: l.Output.Byte()}, nil); err != nil {
			return err
		}
	}
	if l.OpenFiles > 0 {
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE,
			&unix.Rlimit{Cur: l.OpenFiles, Max: l.OpenFiles}, nil); err != nil {
			return err
		}
	}
	if l.Memory > 0 {
		// Twice the limit: the hard address space cap is a kill switch
		// for runaway allocation, while classification compares peak
		// resident set against the real limit.
		as := l.Memory.Byte() * 2
		if err := unix.Prlimit(pid, unix.RLIMIT_AS,
			&unix.Rlimit{Cur: as, Max: as}, nil); err != nil {
			return err
		}
	}
	return nil
}

func killGroup(p *os.Process) {
	if p == nil || p.Pid <= 0 {
		return
	}
	_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
}

type procStats struct {
	exitCode     int
	signaled     bool
	signal       string
	cpuLimitHit  bool
	sizeLimitHit bool
	maxRSS       eval.Size
}

func inspect(state *os.ProcessState) procStats {
	var stats procStats
	stats.exitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		stats.signaled = true
		stats.signal = sig.String()
		stats.cpuLimitHit = sig == syscall.SIGXCPU
		stats.sizeLimitHit = sig == syscall.SIGXFSZ
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		// Maxrss is KiB on Linux.
		stats.maxRSS = eval.Size(usage.Maxrss) << 10
	}
	return stats
}
