package worker

import (
	"context"

	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/sandbox"
)

// evaluate runs the compiled executable against one testcase input and
// captures its standard output for scoring.
func (s *Service) evaluate(ctx context.Context, job eval.Job) *eval.Outcome {
	lang, ok := s.languages[job.Language]
	if !ok {
		return eval.InfraOutcome("language not configured: " + job.Language)
	}
	if !job.Executable.Valid() {
		return eval.InfraOutcome("job carries no executable digest")
	}

	exe, err := s.fetchInput(ctx, job.Executable, 0755)
	if err != nil {
		return eval.InfraOutcome("fetch executable: " + err.Error())
	}
	input, err := s.fetchInput(ctx, job.Input, 0644)
	if err != nil {
		return eval.InfraOutcome("fetch testcase input: " + err.Error())
	}

	args, err := lang.RunCommand()
	if err != nil {
		return eval.InfraOutcome("run command: " + err.Error())
	}

	wall := job.WallTimeLimit
	if wall <= 0 {
		// Always bound wall clock, or a sleeping submission would hold
		// a worker slot forever.
		wall = 2*job.TimeLimit + defaultWallSlack
	}
	res, err := s.runner.Run(ctx, sandbox.Command{
		Args:  args,
		Env:   lang.Env,
		Stdin: inputFileName,
		CopyIn: map[string]sandbox.Input{
			lang.ExeName:  exe,
			inputFileName: input,
		},
		Limits: sandbox.Limits{
			Time:      job.TimeLimit,
			WallTime:  wall,
			Memory:    job.MemoryLimit,
			Output:    evalOutputLimit,
			OpenFiles: defaultOpenFiles,
		},
	})
	if err != nil {
		return eval.InfraOutcome("run submission: " + err.Error())
	}

	outcome := &eval.Outcome{
		Status:       res.Status,
		ExitCode:     res.ExitCode,
		Message:      res.Message,
		TimeUsed:     res.Time,
		WallTimeUsed: res.WallTime,
		MemoryUsed:   res.Memory,
	}
	if !s.storeLog(ctx, res.Stdout, &outcome.StdoutDigest) ||
		!s.storeLog(ctx, res.Stderr, &outcome.StderrDigest) {
		return eval.InfraOutcome("store run output")
	}
	// Scoring compares the program's standard output against the
	// expected output.
	outcome.OutputDigest = outcome.StdoutDigest
	return outcome
}
