package resultdb

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/eval"
)

// Memory keeps everything in process memory. Used by tests and
// single-node development setups; data does not survive a restart.
type Memory struct {
	mu          sync.RWMutex
	submissions map[string]*eval.Submission
	datasets    map[string]*eval.Dataset
	results     map[resultKey]*eval.SubmissionResult
	evaluations map[resultKey]map[string]*eval.Evaluation
}

type resultKey struct {
	submissionID string
	datasetID    string
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		submissions: make(map[string]*eval.Submission),
		datasets:    make(map[string]*eval.Dataset),
		results:     make(map[resultKey]*eval.SubmissionResult),
		evaluations: make(map[resultKey]map[string]*eval.Evaluation),
	}
}

func (m *Memory) PutSubmission(_ context.Context, sub *eval.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submissions[sub.ID] = copySubmission(sub)
	return nil
}

func (m *Memory) Submission(_ context.Context, id string) (*eval.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySubmission(sub), nil
}

func (m *Memory) PutDataset(_ context.Context, ds *eval.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.datasets[ds.ID] = copyDataset(ds)
	return nil
}

func (m *Memory) Dataset(_ context.Context, id string) (*eval.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, ok := m.datasets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDataset(ds), nil
}

func (m *Memory) SaveResult(_ context.Context, r *eval.SubmissionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[resultKey{r.SubmissionID, r.DatasetID}] = copyResult(r)
	return nil
}

func (m *Memory) Result(_ context.Context, submissionID, datasetID string) (*eval.SubmissionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[resultKey{submissionID, datasetID}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyResult(r), nil
}

func (m *Memory) UnfinishedResults(_ context.Context) ([]*eval.SubmissionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*eval.SubmissionResult
	for _, r := range m.results {
		if !r.State.Terminal() {
			out = append(out, copyResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmissionID != out[j].SubmissionID {
			return out[i].SubmissionID < out[j].SubmissionID
		}
		return out[i].DatasetID < out[j].DatasetID
	})
	return out, nil
}

func (m *Memory) CountByState(_ context.Context) (map[eval.State]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[eval.State]int)
	for _, r := range m.results {
		counts[r.State]++
	}
	return counts, nil
}

func (m *Memory) SaveEvaluation(_ context.Context, e *eval.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resultKey{e.SubmissionID, e.DatasetID}
	byTestcase, ok := m.evaluations[key]
	if !ok {
		byTestcase = make(map[string]*eval.Evaluation)
		m.evaluations[key] = byTestcase
	}
	cp := *e
	byTestcase[e.TestcaseID] = &cp
	return nil
}

func (m *Memory) Evaluations(_ context.Context, submissionID, datasetID string) ([]*eval.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byTestcase := m.evaluations[resultKey{submissionID, datasetID}]
	out := make([]*eval.Evaluation, 0, len(byTestcase))
	for _, e := range byTestcase {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestcaseID < out[j].TestcaseID })
	return out, nil
}

func (m *Memory) DeleteEvaluations(_ context.Context, submissionID, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.evaluations, resultKey{submissionID, datasetID})
	return nil
}

func (m *Memory) LiveDigests(_ context.Context) (map[blobstore.Digest]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	live := make(map[blobstore.Digest]struct{})
	add := func(d blobstore.Digest) {
		if d != "" {
			live[d] = struct{}{}
		}
	}
	for _, sub := range m.submissions {
		for _, d := range sub.Files {
			add(d)
		}
	}
	for _, ds := range m.datasets {
		for _, d := range ds.Managers {
			add(d)
		}
		for _, tc := range ds.Testcases {
			add(tc.InputDigest)
			add(tc.OutputDigest)
		}
	}
	for _, r := range m.results {
		add(r.ExecutableDigest)
	}
	for _, byTestcase := range m.evaluations {
		for _, e := range byTestcase {
			add(e.OutputDigest)
			add(e.StdoutDigest)
			add(e.StderrDigest)
		}
	}
	return live, nil
}

func (m *Memory) Close() error { return nil }

func copySubmission(sub *eval.Submission) *eval.Submission {
	cp := *sub
	cp.Files = maps.Clone(sub.Files)
	return &cp
}

func copyDataset(ds *eval.Dataset) *eval.Dataset {
	cp := *ds
	cp.Managers = maps.Clone(ds.Managers)
	cp.Testcases = append([]eval.Testcase(nil), ds.Testcases...)
	return &cp
}

func copyResult(r *eval.SubmissionResult) *eval.SubmissionResult {
	cp := *r
	cp.EvaluationTries = maps.Clone(r.EvaluationTries)
	if r.ScoredAt != nil {
		at := *r.ScoredAt
		cp.ScoredAt = &at
	}
	return &cp
}
