//go:build !linux

package sandbox

import (
	"os"
	"syscall"

	"github.com/mirradon/arbiter/eval"
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

// Kernel limit installation is Linux only; other platforms rely on the
// wall clock watchdog and measurement-based classification.
func applyRlimits(int, Limits) error { return nil }

func killGroup(p *os.Process) {
	if p == nil {
		return
	}
	_ = p.Kill()
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
	code := state.ExitCode()
	stats := procStats{exitCode: code}
	if code == -1 {
		stats.signaled = true
		stats.signal = "killed"
	}
	return stats
}
