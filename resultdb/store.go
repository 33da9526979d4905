// Package resultdb persists submissions, datasets and grading progress.
// The coordinator is the only writer of results; the admin surface and
// garbage collector are read-only consumers.
package resultdb

import (
	"context"
	"errors"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/eval"
)

// ErrNotFound reports an absent record.
var ErrNotFound = errors.New("resultdb: not found")

// Store is the durable record of what was submitted and how grading
// went.
type Store interface {
	PutSubmission(ctx context.Context, sub *eval.Submission) error
	Submission(ctx context.Context, id string) (*eval.Submission, error)

	PutDataset(ctx context.Context, ds *eval.Dataset) error
	Dataset(ctx context.Context, id string) (*eval.Dataset, error)

	SaveResult(ctx context.Context, r *eval.SubmissionResult) error
	Result(ctx context.Context, submissionID, datasetID string) (*eval.SubmissionResult, error)
	// UnfinishedResults returns every result not yet in a terminal
	// state, for crash recovery at startup.
	UnfinishedResults(ctx context.Context) ([]*eval.SubmissionResult, error)
	CountByState(ctx context.Context) (map[eval.State]int, error)

	SaveEvaluation(ctx context.Context, e *eval.Evaluation) error
	Evaluations(ctx context.Context, submissionID, datasetID string) ([]*eval.Evaluation, error)
	// DeleteEvaluations drops recorded evaluations so a result can be
	// graded afresh after invalidation.
	DeleteEvaluations(ctx context.Context, submissionID, datasetID string) error

	// LiveDigests enumerates every digest the database still
	// references, for garbage collection.
	LiveDigests(ctx context.Context) (map[blobstore.Digest]struct{}, error)

	Close() error
}

// The database is the reference enumerator the garbage collector runs
// against.
var _ blobstore.Referencer = Store(nil)
