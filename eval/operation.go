// Package eval defines the domain types shared across the evaluation
// pipeline: operations, execution outcomes, submission results and the
// job payload exchanged between the coordinator and its workers.
package eval

import (
	"fmt"
	"time"
)

// Kind distinguishes the two units of work the pipeline schedules.
type Kind int

const (
	KindCompile Kind = iota
	KindEvaluate
)

var kindToString = []string{"compile", "evaluate"}

var stringToKind = make(map[string]Kind)

func init() {
	for i, v := range kindToString {
		stringToKind[v] = Kind(i)
	}
}

func (k Kind) String() string {
	ki := int(k)
	if ki < 0 || ki >= len(kindToString) {
		return fmt.Sprintf("kind(%d)", ki)
	}
	return kindToString[ki]
}

// StringToKind converts a wire name back to a Kind.
func StringToKind(s string) (Kind, error) {
	v, ok := stringToKind[s]
	if !ok {
		return 0, fmt.Errorf("invalid kind: %s", s)
	}
	return v, nil
}

// MarshalJSON encodes the kind as its string name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte("\"" + k.String() + "\""), nil
}

// UnmarshalJSON decodes the kind from its string name.
func (k *Kind) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid kind: %s", b)
	}
	v, err := StringToKind(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Operation priority levels. Larger values dispatch first; requeues keep
// the original value so retried work does not jump the line.
const (
	PriorityExtraLow  = 0
	PriorityLow       = 10
	PriorityMedium    = 20
	PriorityHigh      = 30
	PriorityExtraHigh = 40
)

// Operation is one schedulable unit of work: compile a submission, or
// evaluate its compiled executable against a single testcase.
type Operation struct {
	Kind         Kind      `json:"kind"`
	SubmissionID string    `json:"submission_id"`
	DatasetID    string    `json:"dataset_id"`
	TestcaseID   string    `json:"testcase_id,omitempty"`
	Priority     int       `json:"priority"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Fingerprint identifies the logical work of an operation. Two
// operations with equal fingerprints are the same work no matter when or
// how urgently they were enqueued; the pipeline keeps at most one live
// (queued or in-flight) instance per fingerprint.
type Fingerprint struct {
	Kind         Kind
	SubmissionID string
	DatasetID    string
	TestcaseID   string
}

func (o Operation) Fingerprint() Fingerprint {
	return Fingerprint{
		Kind:         o.Kind,
		SubmissionID: o.SubmissionID,
		DatasetID:    o.DatasetID,
		TestcaseID:   o.TestcaseID,
	}
}

func (o Operation) String() string {
	return o.Fingerprint().String()
}

func (f Fingerprint) String() string {
	if f.Kind == KindEvaluate {
		return fmt.Sprintf("%s %s/%s/%s", f.Kind, f.SubmissionID, f.DatasetID, f.TestcaseID)
	}
	return fmt.Sprintf("%s %s/%s", f.Kind, f.SubmissionID, f.DatasetID)
}

// NewCompile builds the compile operation for one submission result.
func NewCompile(submissionID, datasetID string, priority int) Operation {
	return Operation{
		Kind:         KindCompile,
		SubmissionID: submissionID,
		DatasetID:    datasetID,
		Priority:     priority,
		EnqueuedAt:   time.Now(),
	}
}

// NewEvaluate builds the evaluate operation for one testcase.
func NewEvaluate(submissionID, datasetID, testcaseID string, priority int) Operation {
	return Operation{
		Kind:         KindEvaluate,
		SubmissionID: submissionID,
		DatasetID:    datasetID,
		TestcaseID:   testcaseID,
		Priority:     priority,
		EnqueuedAt:   time.Now(),
	}
}

// Requeued returns a copy scheduled afresh: same fingerprint, same
// priority, new enqueue time, preserving FIFO fairness among equal
// priorities.
func (o Operation) Requeued() Operation {
	o.EnqueuedAt = time.Now()
	return o
}
