// Package sandbox executes untrusted commands in throwaway working
// directories under CPU, wall clock, memory and output limits. Each run
// gets a fresh directory populated from declared inputs and is torn
// down afterwards, so runs cannot see each other.
package sandbox

import (
	"context"
	"os"
	"time"

	"github.com/mirradon/arbiter/eval"
)

var (
	_ Input = &FileInput{}
	_ Input = &MemoryInput{}
)

// Input is content placed into the working directory before a run.
type Input interface {
	isInput()
}

// FileInput links or copies an existing host file into the working
// directory.
type FileInput struct {
	Path string
	Mode os.FileMode
}

func (*FileInput) isInput() {}

// NewFileInput creates an input backed by a host file.
func NewFileInput(p string, mode os.FileMode) Input {
	return &FileInput{Path: p, Mode: mode}
}

// MemoryInput writes literal bytes into the working directory.
type MemoryInput struct {
	Content []byte
	Mode    os.FileMode
}

func (*MemoryInput) isInput() {}

// NewMemoryInput creates an input holding content in memory.
func NewMemoryInput(b []byte, mode os.FileMode) Input {
	return &MemoryInput{Content: b, Mode: mode}
}

// Limits bound a single run. Zero values leave the corresponding
// resource unbounded.
type Limits struct {
	Time      time.Duration `json:"time"`
	WallTime  time.Duration `json:"wall_time"`
	Memory    eval.Size     `json:"memory"`
	Output    eval.Size     `json:"output"`
	OpenFiles uint64        `json:"open_files"`
}

// Command is one program invocation in a fresh working directory. File
// names in CopyIn, CollectOut and Stdin are relative to the working
// directory and must not escape it.
type Command struct {
	Args []string
	Env  []string

	// Stdin names a CopyIn entry fed to the program's standard input.
	// Empty means the null device.
	Stdin string

	CopyIn     map[string]Input
	CollectOut []string

	Limits Limits
}

// Result reports what one run did. Status classifies the run from the
// grader's point of view; Message carries detail for abnormal statuses.
type Result struct {
	Status   eval.Status
	ExitCode int
	Message  string

	Time     time.Duration
	WallTime time.Duration
	Memory   eval.Size

	Stdout []byte
	Stderr []byte
	// Files holds CollectOut contents. Files the program never created
	// are absent.
	Files map[string][]byte
}

// Runner executes commands. Implementations return an error only for
// harness misuse; operational failures are reported in Result.Status as
// StatusSandboxError.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}
