package coordinator

import (
	"context"

	"github.com/mirradon/arbiter/eval"
)

// Scorer turns a complete set of testcase evaluations into a score for
// the submission result.
type Scorer interface {
	Score(ctx context.Context, ds *eval.Dataset, evals []*eval.Evaluation) (float64, error)
}

// DigestScorer awards even credit per testcase whose captured output is
// byte-identical to the expected output. Content addressing makes the
// comparison a digest equality, no output bytes are read.
type DigestScorer struct{}

func (DigestScorer) Score(_ context.Context, ds *eval.Dataset, evals []*eval.Evaluation) (float64, error) {
	if len(ds.Testcases) == 0 {
		return 0, nil
	}
	byTestcase := make(map[string]*eval.Evaluation, len(evals))
	for _, e := range evals {
		byTestcase[e.TestcaseID] = e
	}
	passed := 0
	for _, tc := range ds.Testcases {
		e := byTestcase[tc.ID]
		if e != nil && e.Status == eval.StatusOK && e.OutputDigest == tc.OutputDigest {
			passed++
		}
	}
	return 100 * float64(passed) / float64(len(ds.Testcases)), nil
}
