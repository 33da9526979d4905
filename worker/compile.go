package worker

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/eval"
	"github.com/mirradon/arbiter/sandbox"
)

// compile builds the submission's executable. A non-zero compiler exit
// or a blown compile limit is the contestant's outcome; everything else
// that goes wrong is infrastructure.
func (s *Service) compile(ctx context.Context, job eval.Job) *eval.Outcome {
	lang, ok := s.languages[job.Language]
	if !ok {
		// The contest layer validated the language, so a miss here is
		// config drift between coordinator and worker.
		return eval.InfraOutcome("language not configured: " + job.Language)
	}

	copyIn := make(map[string]sandbox.Input, len(job.Sources)+len(job.Managers))
	srcs := make([]string, 0, len(job.Sources))
	for name := range job.Sources {
		srcs = append(srcs, name)
	}
	sort.Strings(srcs)
	for _, name := range srcs {
		in, err := s.fetchInput(ctx, job.Sources[name], 0644)
		if err != nil {
			return eval.InfraOutcome("fetch source " + name + ": " + err.Error())
		}
		copyIn[name] = in
	}
	for name, d := range job.Managers {
		in, err := s.fetchInput(ctx, d, 0644)
		if err != nil {
			return eval.InfraOutcome("fetch manager " + name + ": " + err.Error())
		}
		copyIn[name] = in
	}

	args, err := lang.CompileCommand(srcs)
	if err != nil {
		return eval.InfraOutcome("compile command: " + err.Error())
	}

	res, err := s.runner.Run(ctx, sandbox.Command{
		Args:       args,
		Env:        lang.Env,
		CopyIn:     copyIn,
		CollectOut: []string{lang.ExeName},
		Limits: sandbox.Limits{
			Time:      compileTimeLimit,
			WallTime:  compileWallLimit,
			Memory:    compileMemoryLimit,
			Output:    compileOutputLimit,
			OpenFiles: defaultOpenFiles,
		},
	})
	if err != nil {
		return eval.InfraOutcome("run compiler: " + err.Error())
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
		return eval.InfraOutcome("store compile log")
	}

	if res.Status != eval.StatusOK {
		return outcome
	}
	exe, ok := res.Files[lang.ExeName]
	if !ok {
		// Exit 0 without the declared artifact means the language
		// profile is wrong, not the contestant.
		return eval.InfraOutcome("compiler produced no " + lang.ExeName)
	}
	d, err := s.store.PutBytes(ctx, exe)
	if err != nil {
		return eval.InfraOutcome("store executable: " + err.Error())
	}
	outcome.ExecutableDigest = d
	return outcome
}

// storeLog commits captured output to the object store, writing its
// digest through dst. Empty output is stored too so readers can always
// resolve the digest.
func (s *Service) storeLog(ctx context.Context, b []byte, dst *blobstore.Digest) bool {
	d, err := s.store.PutBytes(ctx, b)
	if err != nil {
		s.logger.Warn("store captured output failed", zap.Error(err))
		return false
	}
	*dst = d
	return true
}
