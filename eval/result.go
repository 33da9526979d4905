package eval

import (
	"fmt"
	"time"

	"github.com/mirradon/arbiter/blobstore"
)

// State is the lifecycle position of a SubmissionResult.
//
// The happy path is Compiling -> Compiled -> Evaluating -> Evaluated ->
// Scoring -> Scored. CompilationFailed is the contestant's fault and
// terminal; CannotCompile and CannotEvaluate mean the pipeline itself
// gave up after exhausting retries and must never be presented as a
// contestant failure.
type State int

const (
	StateCompiling State = iota
	StateCompilationFailed
	StateCompiled
	StateEvaluating
	StateEvaluated
	StateScoring
	StateScored
	StateCannotCompile
	StateCannotEvaluate
)

var stateToString = []string{
	"compiling",
	"compilation_failed",
	"compiled",
	"evaluating",
	"evaluated",
	"scoring",
	"scored",
	"cannot_compile",
	"cannot_evaluate",
}

var stringToState = make(map[string]State)

func init() {
	for i, v := range stateToString {
		stringToState[v] = State(i)
	}
}

func (s State) String() string {
	si := int(s)
	if si < 0 || si >= len(stateToString) {
		return fmt.Sprintf("state(%d)", si)
	}
	return stateToString[si]
}

// StringToState converts a persisted name back to a State.
func StringToState(s string) (State, error) {
	v, ok := stringToState[s]
	if !ok {
		return 0, fmt.Errorf("invalid state: %s", s)
	}
	return v, nil
}

// MarshalJSON encodes the state as its string name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte("\"" + s.String() + "\""), nil
}

// UnmarshalJSON decodes the state from its string name.
func (s *State) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid state: %s", b)
	}
	v, err := StringToState(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further operations will ever be scheduled
// for a result in this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompilationFailed, StateScored, StateCannotCompile, StateCannotEvaluate:
		return true
	}
	return false
}

// Submission is a contestant's entry: a language and a set of named
// source files already committed to the object store.
type Submission struct {
	ID         string
	Language   string
	Files      map[string]blobstore.Digest
	ReceivedAt time.Time
}

// Testcase is one input/expected-output pair of a dataset.
type Testcase struct {
	ID           string
	InputDigest  blobstore.Digest
	OutputDigest blobstore.Digest
}

// Dataset is the task-side half of an evaluation: limits, task-provided
// manager files (graders, checkers) and the testcases to run.
type Dataset struct {
	ID            string
	Description   string
	TimeLimit     time.Duration
	WallTimeLimit time.Duration
	MemoryLimit   Size
	Managers      map[string]blobstore.Digest
	Testcases     []Testcase
}

// Testcase looks up a testcase by id.
func (d *Dataset) Testcase(id string) (Testcase, bool) {
	for _, tc := range d.Testcases {
		if tc.ID == id {
			return tc, true
		}
	}
	return Testcase{}, false
}

// ShardUnset marks a result stage that no worker has handled yet.
const ShardUnset = -1

// SubmissionResult tracks the progress of one submission against one
// dataset. It is mutated only by the coordinator, either on receiving a
// worker outcome or on giving up after exhausting retries.
type SubmissionResult struct {
	SubmissionID string
	DatasetID    string
	State        State

	// bounded infrastructure-failure counters per stage
	CompilationTries int
	EvaluationTries  map[string]int

	// last worker to run each stage
	CompilationShard int
	EvaluationShard  int

	ExecutableDigest blobstore.Digest
	Score            float64
	ScoredAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSubmissionResult starts the lifecycle for (submission, dataset).
func NewSubmissionResult(submissionID, datasetID string) *SubmissionResult {
	now := time.Now()
	return &SubmissionResult{
		SubmissionID:     submissionID,
		DatasetID:        datasetID,
		State:            StateCompiling,
		EvaluationTries:  make(map[string]int),
		CompilationShard: ShardUnset,
		EvaluationShard:  ShardUnset,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Evaluation is the recorded outcome of the latest evaluate attempt for
// one testcase.
type Evaluation struct {
	SubmissionID string
	DatasetID    string
	TestcaseID   string
	Attempt      int
	Status       Status
	TimeUsed     time.Duration
	WallTimeUsed time.Duration
	MemoryUsed   Size
	OutputDigest blobstore.Digest
	StdoutDigest blobstore.Digest
	StderrDigest blobstore.Digest
	Shard        int
	EvaluatedAt  time.Time
}
