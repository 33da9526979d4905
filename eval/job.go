package eval

import (
	"time"

	"github.com/mirradon/arbiter/blobstore"
)

// Outcome is what a worker reports back for one executed operation. The
// coordinator normalizes transport failures into the same shape so retry
// policy has a single decision path.
type Outcome struct {
	Status       Status        `json:"status"`
	ExitCode     int           `json:"exit_code"`
	Message      string        `json:"message,omitempty"`
	TimeUsed     time.Duration `json:"time_used"`
	WallTimeUsed time.Duration `json:"wall_time_used"`
	MemoryUsed   Size          `json:"memory_used"`

	StdoutDigest blobstore.Digest `json:"stdout_digest,omitempty"`
	StderrDigest blobstore.Digest `json:"stderr_digest,omitempty"`

	// evaluate only: the program's captured output
	OutputDigest blobstore.Digest `json:"output_digest,omitempty"`

	// successful compile only: the produced artifact
	ExecutableDigest blobstore.Digest `json:"executable_digest,omitempty"`
}

// InfraOutcome builds the outcome for a failure that happened outside
// the sandbox: transport error, lost worker, unusable job data.
func InfraOutcome(msg string) *Outcome {
	return &Outcome{Status: StatusSandboxError, Message: msg}
}

// Job is the fully resolved payload for one dispatch. It carries every
// digest and limit the worker needs: workers resolve content through the
// object store and never consult the result database.
type Job struct {
	Operation Operation `json:"operation"`

	// Attempt increases monotonically per fingerprint so late replies
	// from a previous dispatch can be told apart and discarded.
	Attempt int `json:"attempt"`

	Language string `json:"language,omitempty"`

	// compile inputs
	Sources  map[string]blobstore.Digest `json:"sources,omitempty"`
	Managers map[string]blobstore.Digest `json:"managers,omitempty"`

	// evaluate inputs
	Executable blobstore.Digest `json:"executable,omitempty"`
	Input      blobstore.Digest `json:"input,omitempty"`

	TimeLimit     time.Duration `json:"time_limit,omitempty"`
	WallTimeLimit time.Duration `json:"wall_time_limit,omitempty"`
	MemoryLimit   Size          `json:"memory_limit,omitempty"`
}
