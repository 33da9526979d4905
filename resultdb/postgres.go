package resultdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/eval"
)

var schema = `
CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    language TEXT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS submission_files (
    submission_id TEXT NOT NULL REFERENCES submissions (id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    digest TEXT NOT NULL,
    PRIMARY KEY (submission_id, filename)
);

CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    time_limit_ns BIGINT NOT NULL,
    wall_time_limit_ns BIGINT NOT NULL,
    memory_limit BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS dataset_managers (
    dataset_id TEXT NOT NULL REFERENCES datasets (id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    digest TEXT NOT NULL,
    PRIMARY KEY (dataset_id, filename)
);

CREATE TABLE IF NOT EXISTS testcases (
    dataset_id TEXT NOT NULL REFERENCES datasets (id) ON DELETE CASCADE,
    id TEXT NOT NULL,
    ord INT NOT NULL,
    input_digest TEXT NOT NULL,
    output_digest TEXT NOT NULL,
    PRIMARY KEY (dataset_id, id)
);

CREATE TABLE IF NOT EXISTS submission_results (
    submission_id TEXT NOT NULL,
    dataset_id TEXT NOT NULL,
    state TEXT NOT NULL,
    compilation_tries INT NOT NULL DEFAULT 0,
    evaluation_tries JSONB NOT NULL DEFAULT '{}',
    compilation_shard INT NOT NULL DEFAULT -1,
    evaluation_shard INT NOT NULL DEFAULT -1,
    executable_digest TEXT,
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    scored_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (submission_id, dataset_id)
);

CREATE TABLE IF NOT EXISTS evaluations (
    submission_id TEXT NOT NULL,
    dataset_id TEXT NOT NULL,
    testcase_id TEXT NOT NULL,
    attempt INT NOT NULL,
    status TEXT NOT NULL,
    time_used_ns BIGINT NOT NULL DEFAULT 0,
    wall_time_used_ns BIGINT NOT NULL DEFAULT 0,
    memory_used BIGINT NOT NULL DEFAULT 0,
    output_digest TEXT,
    stdout_digest TEXT,
    stderr_digest TEXT,
    shard INT NOT NULL DEFAULT -1,
    evaluated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (submission_id, dataset_id, testcase_id)
);

CREATE INDEX IF NOT EXISTS submission_results_state ON submission_results (state);
`

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ Store = &Postgres{}

// OpenPostgres connects and applies the schema.
func OpenPostgres(dsn string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{db: db, logger: logger}
	if err := p.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

// triesMap persists the per-testcase retry counters as JSONB.
type triesMap map[string]int

func (m triesMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *triesMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = triesMap{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into triesMap", src)
	}
}

type submissionRow struct {
	ID         string    `db:"id"`
	Language   string    `db:"language"`
	ReceivedAt time.Time `db:"received_at"`
}

type fileRow struct {
	OwnerID  string `db:"owner_id"`
	Filename string `db:"filename"`
	Digest   string `db:"digest"`
}

type datasetRow struct {
	ID          string `db:"id"`
	Description string `db:"description"`
	TimeLimitNs int64  `db:"time_limit_ns"`
	WallLimitNs int64  `db:"wall_time_limit_ns"`
	MemoryLimit int64  `db:"memory_limit"`
}

type testcaseRow struct {
	DatasetID    string `db:"dataset_id"`
	ID           string `db:"id"`
	Ord          int    `db:"ord"`
	InputDigest  string `db:"input_digest"`
	OutputDigest string `db:"output_digest"`
}

type resultRow struct {
	SubmissionID     string         `db:"submission_id"`
	DatasetID        string         `db:"dataset_id"`
	State            string         `db:"state"`
	CompilationTries int            `db:"compilation_tries"`
	EvaluationTries  triesMap       `db:"evaluation_tries"`
	CompilationShard int            `db:"compilation_shard"`
	EvaluationShard  int            `db:"evaluation_shard"`
	ExecutableDigest sql.NullString `db:"executable_digest"`
	Score            float64        `db:"score"`
	ScoredAt         sql.NullTime   `db:"scored_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

type evaluationRow struct {
	SubmissionID string         `db:"submission_id"`
	DatasetID    string         `db:"dataset_id"`
	TestcaseID   string         `db:"testcase_id"`
	Attempt      int            `db:"attempt"`
	Status       string         `db:"status"`
	TimeUsedNs   int64          `db:"time_used_ns"`
	WallUsedNs   int64          `db:"wall_time_used_ns"`
	MemoryUsed   int64          `db:"memory_used"`
	OutputDigest sql.NullString `db:"output_digest"`
	StdoutDigest sql.NullString `db:"stdout_digest"`
	StderrDigest sql.NullString `db:"stderr_digest"`
	Shard        int            `db:"shard"`
	EvaluatedAt  time.Time      `db:"evaluated_at"`
}

func (p *Postgres) PutSubmission(ctx context.Context, sub *eval.Submission) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO submissions (id, language, received_at)
		VALUES (:id, :language, :received_at)
		ON CONFLICT (id) DO UPDATE
		SET language = EXCLUDED.language, received_at = EXCLUDED.received_at`,
		submissionRow{ID: sub.ID, Language: sub.Language, ReceivedAt: sub.ReceivedAt})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM submission_files WHERE submission_id = $1`, sub.ID); err != nil {
		return err
	}
	if len(sub.Files) > 0 {
		rows := make([]fileRow, 0, len(sub.Files))
		for name, d := range sub.Files {
			rows = append(rows, fileRow{OwnerID: sub.ID, Filename: name, Digest: d.String()})
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO submission_files (submission_id, filename, digest)
			VALUES (:owner_id, :filename, :digest)`, rows); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) Submission(ctx context.Context, id string) (*eval.Submission, error) {
	var row submissionRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM submissions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var files []fileRow
	err = p.db.SelectContext(ctx, &files, `
		SELECT submission_id AS owner_id, filename, digest
		FROM submission_files WHERE submission_id = $1`, id)
	if err != nil {
		return nil, err
	}
	sub := &eval.Submission{
		ID:         row.ID,
		Language:   row.Language,
		ReceivedAt: row.ReceivedAt,
		Files:      make(map[string]blobstore.Digest, len(files)),
	}
	for _, f := range files {
		sub.Files[f.Filename] = blobstore.Digest(f.Digest)
	}
	return sub, nil
}

func (p *Postgres) PutDataset(ctx context.Context, ds *eval.Dataset) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO datasets (id, description, time_limit_ns, wall_time_limit_ns, memory_limit)
		VALUES (:id, :description, :time_limit_ns, :wall_time_limit_ns, :memory_limit)
		ON CONFLICT (id) DO UPDATE
		SET description = EXCLUDED.description,
		    time_limit_ns = EXCLUDED.time_limit_ns,
		    wall_time_limit_ns = EXCLUDED.wall_time_limit_ns,
		    memory_limit = EXCLUDED.memory_limit`,
		datasetRow{
			ID:          ds.ID,
			Description: ds.Description,
			TimeLimitNs: int64(ds.TimeLimit),
			WallLimitNs: int64(ds.WallTimeLimit),
			MemoryLimit: int64(ds.MemoryLimit),
		})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dataset_managers WHERE dataset_id = $1`, ds.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM testcases WHERE dataset_id = $1`, ds.ID); err != nil {
		return err
	}
	if len(ds.Managers) > 0 {
		rows := make([]fileRow, 0, len(ds.Managers))
		for name, d := range ds.Managers {
			rows = append(rows, fileRow{OwnerID: ds.ID, Filename: name, Digest: d.String()})
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO dataset_managers (dataset_id, filename, digest)
			VALUES (:owner_id, :filename, :digest)`, rows); err != nil {
			return err
		}
	}
	if len(ds.Testcases) > 0 {
		rows := make([]testcaseRow, 0, len(ds.Testcases))
		for i, tc := range ds.Testcases {
			rows = append(rows, testcaseRow{
				DatasetID:    ds.ID,
				ID:           tc.ID,
				Ord:          i,
				InputDigest:  tc.InputDigest.String(),
				OutputDigest: tc.OutputDigest.String(),
			})
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO testcases (dataset_id, id, ord, input_digest, output_digest)
			VALUES (:dataset_id, :id, :ord, :input_digest, :output_digest)`, rows); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) Dataset(ctx context.Context, id string) (*eval.Dataset, error) {
	var row datasetRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM datasets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var managers []fileRow
	err = p.db.SelectContext(ctx, &managers, `
		SELECT dataset_id AS owner_id, filename, digest
		FROM dataset_managers WHERE dataset_id = $1`, id)
	if err != nil {
		return nil, err
	}
	var cases []testcaseRow
	err = p.db.SelectContext(ctx, &cases, `
		SELECT * FROM testcases WHERE dataset_id = $1 ORDER BY ord`, id)
	if err != nil {
		return nil, err
	}

	ds := &eval.Dataset{
		ID:            row.ID,
		Description:   row.Description,
		TimeLimit:     time.Duration(row.TimeLimitNs),
		WallTimeLimit: time.Duration(row.WallLimitNs),
		MemoryLimit:   eval.Size(row.MemoryLimit),
		Managers:      make(map[string]blobstore.Digest, len(managers)),
	}
	for _, m := range managers {
		ds.Managers[m.Filename] = blobstore.Digest(m.Digest)
	}
	for _, tc := range cases {
		ds.Testcases = append(ds.Testcases, eval.Testcase{
			ID:           tc.ID,
			InputDigest:  blobstore.Digest(tc.InputDigest),
			OutputDigest: blobstore.Digest(tc.OutputDigest),
		})
	}
	return ds, nil
}

func (p *Postgres) SaveResult(ctx context.Context, r *eval.SubmissionResult) error {
	row := resultRow{
		SubmissionID:     r.SubmissionID,
		DatasetID:        r.DatasetID,
		State:            r.State.String(),
		CompilationTries: r.CompilationTries,
		EvaluationTries:  triesMap(r.EvaluationTries),
		CompilationShard: r.CompilationShard,
		EvaluationShard:  r.EvaluationShard,
		Score:            r.Score,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.ExecutableDigest != "" {
		row.ExecutableDigest = sql.NullString{String: r.ExecutableDigest.String(), Valid: true}
	}
	if r.ScoredAt != nil {
		row.ScoredAt = sql.NullTime{Time: *r.ScoredAt, Valid: true}
	}
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO submission_results
		(submission_id, dataset_id, state, compilation_tries, evaluation_tries,
		 compilation_shard, evaluation_shard, executable_digest, score, scored_at,
		 created_at, updated_at)
		VALUES
		(:submission_id, :dataset_id, :state, :compilation_tries, :evaluation_tries,
		 :compilation_shard, :evaluation_shard, :executable_digest, :score, :scored_at,
		 :created_at, :updated_at)
		ON CONFLICT (submission_id, dataset_id) DO UPDATE
		SET state = EXCLUDED.state,
		    compilation_tries = EXCLUDED.compilation_tries,
		    evaluation_tries = EXCLUDED.evaluation_tries,
		    compilation_shard = EXCLUDED.compilation_shard,
		    evaluation_shard = EXCLUDED.evaluation_shard,
		    executable_digest = EXCLUDED.executable_digest,
		    score = EXCLUDED.score,
		    scored_at = EXCLUDED.scored_at,
		    updated_at = EXCLUDED.updated_at`, row)
	return err
}

func (p *Postgres) Result(ctx context.Context, submissionID, datasetID string) (*eval.SubmissionResult, error) {
	var row resultRow
	err := p.db.GetContext(ctx, &row, `
		SELECT * FROM submission_results
		WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resultFromRow(row)
}

var terminalStateNames = []string{
	eval.StateCompilationFailed.String(),
	eval.StateScored.String(),
	eval.StateCannotCompile.String(),
	eval.StateCannotEvaluate.String(),
}

func (p *Postgres) UnfinishedResults(ctx context.Context) ([]*eval.SubmissionResult, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM submission_results
		WHERE state NOT IN (?)
		ORDER BY submission_id, dataset_id`, terminalStateNames)
	if err != nil {
		return nil, err
	}
	var rows []resultRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*eval.SubmissionResult, 0, len(rows))
	for _, row := range rows {
		r, err := resultFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) CountByState(ctx context.Context) (map[eval.State]int, error) {
	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	err := p.db.SelectContext(ctx, &rows, `
		SELECT state, COUNT(*) AS n FROM submission_results GROUP BY state`)
	if err != nil {
		return nil, err
	}
	counts := make(map[eval.State]int, len(rows))
	for _, row := range rows {
		st, err := eval.StringToState(row.State)
		if err != nil {
			return nil, err
		}
		counts[st] = row.N
	}
	return counts, nil
}

func (p *Postgres) SaveEvaluation(ctx context.Context, e *eval.Evaluation) error {
	row := evaluationRow{
		SubmissionID: e.SubmissionID,
		DatasetID:    e.DatasetID,
		TestcaseID:   e.TestcaseID,
		Attempt:      e.Attempt,
		Status:       e.Status.String(),
		TimeUsedNs:   int64(e.TimeUsed),
		WallUsedNs:   int64(e.WallTimeUsed),
		MemoryUsed:   int64(e.MemoryUsed),
		Shard:        e.Shard,
		EvaluatedAt:  e.EvaluatedAt,
	}
	row.OutputDigest = nullDigest(e.OutputDigest)
	row.StdoutDigest = nullDigest(e.StdoutDigest)
	row.StderrDigest = nullDigest(e.StderrDigest)
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO evaluations
		(submission_id, dataset_id, testcase_id, attempt, status, time_used_ns,
		 wall_time_used_ns, memory_used, output_digest, stdout_digest, stderr_digest,
		 shard, evaluated_at)
		VALUES
		(:submission_id, :dataset_id, :testcase_id, :attempt, :status, :time_used_ns,
		 :wall_time_used_ns, :memory_used, :output_digest, :stdout_digest, :stderr_digest,
		 :shard, :evaluated_at)
		ON CONFLICT (submission_id, dataset_id, testcase_id) DO UPDATE
		SET attempt = EXCLUDED.attempt,
		    status = EXCLUDED.status,
		    time_used_ns = EXCLUDED.time_used_ns,
		    wall_time_used_ns = EXCLUDED.wall_time_used_ns,
		    memory_used = EXCLUDED.memory_used,
		    output_digest = EXCLUDED.output_digest,
		    stdout_digest = EXCLUDED.stdout_digest,
		    stderr_digest = EXCLUDED.stderr_digest,
		    shard = EXCLUDED.shard,
		    evaluated_at = EXCLUDED.evaluated_at`, row)
	return err
}

func (p *Postgres) Evaluations(ctx context.Context, submissionID, datasetID string) ([]*eval.Evaluation, error) {
	var rows []evaluationRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM evaluations
		WHERE submission_id = $1 AND dataset_id = $2
		ORDER BY testcase_id`, submissionID, datasetID)
	if err != nil {
		return nil, err
	}
	out := make([]*eval.Evaluation, 0, len(rows))
	for _, row := range rows {
		status, err := eval.StringToStatus(row.Status)
		if err != nil {
			return nil, err
		}
		out = append(out, &eval.Evaluation{
			SubmissionID: row.SubmissionID,
			DatasetID:    row.DatasetID,
			TestcaseID:   row.TestcaseID,
			Attempt:      row.Attempt,
			Status:       status,
			TimeUsed:     time.Duration(row.TimeUsedNs),
			WallTimeUsed: time.Duration(row.WallUsedNs),
			MemoryUsed:   eval.Size(row.MemoryUsed),
			OutputDigest: blobstore.Digest(row.OutputDigest.String),
			StdoutDigest: blobstore.Digest(row.StdoutDigest.String),
			StderrDigest: blobstore.Digest(row.StderrDigest.String),
			Shard:        row.Shard,
			EvaluatedAt:  row.EvaluatedAt,
		})
	}
	return out, nil
}

func (p *Postgres) DeleteEvaluations(ctx context.Context, submissionID, datasetID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM evaluations
		WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID)
	return err
}

func (p *Postgres) LiveDigests(ctx context.Context) (map[blobstore.Digest]struct{}, error) {
	var digests []string
	err := p.db.SelectContext(ctx, &digests, `
		SELECT digest FROM submission_files
		UNION SELECT digest FROM dataset_managers
		UNION SELECT input_digest FROM testcases
		UNION SELECT output_digest FROM testcases
		UNION SELECT executable_digest FROM submission_results WHERE executable_digest IS NOT NULL
		UNION SELECT output_digest FROM evaluations WHERE output_digest IS NOT NULL
		UNION SELECT stdout_digest FROM evaluations WHERE stdout_digest IS NOT NULL
		UNION SELECT stderr_digest FROM evaluations WHERE stderr_digest IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	live := make(map[blobstore.Digest]struct{}, len(digests))
	for _, d := range digests {
		live[blobstore.Digest(d)] = struct{}{}
	}
	return live, nil
}

func resultFromRow(row resultRow) (*eval.SubmissionResult, error) {
	state, err := eval.StringToState(row.State)
	if err != nil {
		return nil, err
	}
	r := &eval.SubmissionResult{
		SubmissionID:     row.SubmissionID,
		DatasetID:        row.DatasetID,
		State:            state,
		CompilationTries: row.CompilationTries,
		EvaluationTries:  map[string]int(row.EvaluationTries),
		CompilationShard: row.CompilationShard,
		EvaluationShard:  row.EvaluationShard,
		Score:            row.Score,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if r.EvaluationTries == nil {
		r.EvaluationTries = make(map[string]int)
	}
	if row.ExecutableDigest.Valid {
		r.ExecutableDigest = blobstore.Digest(row.ExecutableDigest.String)
	}
	if row.ScoredAt.Valid {
		at := row.ScoredAt.Time
		r.ScoredAt = &at
	}
	return r, nil
}

func nullDigest(d blobstore.Digest) sql.NullString {
	if d == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
