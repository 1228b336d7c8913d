// Package fleet runs builder workers as isolated child processes with bounded
// parallelism and collects their result artifacts.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/proc"
)

// Environment variables passed to every worker.
const (
	EnvServiceID        = "FACTORY_SERVICE_ID"
	EnvDepth            = "FACTORY_DEPTH"
	EnvMode             = "FACTORY_MODE"
	EnvResultPath       = "FACTORY_RESULT_PATH"
	EnvInstructionsPath = "FACTORY_INSTRUCTIONS_PATH"
)

// ErrCancelledBeforeStart is the error recorded for tasks that were never admitted.
const ErrCancelledBeforeStart = "cancelled before start"

// Task is one unit of builder work.
type Task struct {
	ServiceID    string
	WorkDir      string
	Depth        string
	Mode         string // pipeline.ModeBuild or pipeline.ModeFix
	Instructions string // written to .factory/instructions.md when non-empty
}

// LaunchFunc starts a worker and waits for it to be reaped.
type LaunchFunc func(ctx context.Context, spec proc.Spec) (proc.Exit, error)

// Observer receives per-worker callbacks. Calls arrive from worker goroutines.
type Observer interface {
	BuilderStarted(t Task)
	BuilderFinished(t Task, r pipeline.BuilderResult)
}

// Options configures a Controller.
type Options struct {
	Command     []string
	Env         map[string]string
	MaxParallel int
	Timeout     time.Duration
	Grace       time.Duration

	// Hard, when non-nil, is closed to terminate running workers. Without it
	// running workers are terminated as soon as the admission context is done.
	Hard <-chan struct{}

	Launch   LaunchFunc
	Observer Observer
	Logger   *zap.Logger
}

// Controller dispatches builder tasks.
type Controller struct {
	opts   Options
	logger *zap.Logger
}

// NewController returns a controller. MaxParallel below 1 is treated as 1.
func NewController(opts Options) *Controller {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.Grace <= 0 {
		opts.Grace = proc.DefaultGrace
	}
	if opts.Launch == nil {
		opts.Launch = proc.Run
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{opts: opts, logger: logger}
}

// Run dispatches tasks and blocks until every admitted worker has been reaped.
// Once ctx is done no further task is admitted; those tasks get a failed result.
// Results are sorted by service id. Individual worker failures are reported in
// the results, not as an error.
func (c *Controller) Run(ctx context.Context, tasks []Task) ([]pipeline.BuilderResult, error) {
	if len(c.opts.Command) == 0 || c.opts.Command[0] == "" {
		return nil, fmt.Errorf("builder command is not configured")
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ServiceID == "" {
			return nil, fmt.Errorf("task has no service id")
		}
		if t.WorkDir == "" {
			return nil, fmt.Errorf("task %s has no work dir", t.ServiceID)
		}
		if seen[t.ServiceID] {
			return nil, fmt.Errorf("duplicate task for service %s", t.ServiceID)
		}
		seen[t.ServiceID] = true
	}

	workerCtx, cancelWorkers := c.workerContext(ctx)
	defer cancelWorkers()

	results := make([]pipeline.BuilderResult, len(tasks))
	sem := semaphore.NewWeighted(int64(c.opts.MaxParallel))
	var g errgroup.Group

	for i, t := range tasks {
		err := sem.Acquire(ctx, 1)
		if err == nil && ctx.Err() != nil {
			// Acquire may succeed on a done context.
			sem.Release(1)
			err = ctx.Err()
		}
		if err != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = notStarted(tasks[j])
			}
			c.logger.Info("builder admission stopped",
				zap.Int("not_started", len(tasks)-i), zap.Error(err))
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = c.runTask(workerCtx, t)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].ServiceID < results[b].ServiceID })
	return results, nil
}

func (c *Controller) workerContext(admit context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Hard == nil {
		return context.WithCancel(admit)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(admit))
	go func() {
		select {
		case <-c.opts.Hard:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func notStarted(t Task) pipeline.BuilderResult {
	return pipeline.BuilderResult{
		ServiceID: t.ServiceID,
		Success:   false,
		Error:     ErrCancelledBeforeStart,
		ExitCode:  -1,
		Mode:      modeOf(t),
	}
}

func modeOf(t Task) string {
	if t.Mode == "" {
		return pipeline.ModeBuild
	}
	return t.Mode
}

func (c *Controller) runTask(ctx context.Context, t Task) pipeline.BuilderResult {
	log := c.logger.With(zap.String(logging.KeyService, t.ServiceID), zap.String("mode", modeOf(t)))
	res := pipeline.BuilderResult{ServiceID: t.ServiceID, Mode: modeOf(t), ExitCode: -1}

	started := time.Now()
	res.StartedAt = started.UTC().Format(time.RFC3339)
	finish := func() pipeline.BuilderResult {
		res.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		res.DurationMs = time.Since(started).Milliseconds()
		if c.opts.Observer != nil {
			c.opts.Observer.BuilderFinished(t, res)
		}
		return res
	}

	if c.opts.Observer != nil {
		c.opts.Observer.BuilderStarted(t)
	}

	metaDir := filepath.Join(t.WorkDir, ArtifactDir)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		res.Error = fmt.Sprintf("prepare work dir: %v", err)
		return finish()
	}
	resultPath := ArtifactPath(t.WorkDir)
	if err := os.Remove(resultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		res.Error = fmt.Sprintf("remove stale result: %v", err)
		return finish()
	}

	env := []string{
		EnvServiceID + "=" + t.ServiceID,
		EnvDepth + "=" + t.Depth,
		EnvMode + "=" + modeOf(t),
		EnvResultPath + "=" + resultPath,
	}
	if t.Instructions != "" {
		instrPath := filepath.Join(metaDir, "instructions.md")
		if err := pipeline.WriteAtomic(instrPath, []byte(t.Instructions)); err != nil {
			res.Error = fmt.Sprintf("write instructions: %v", err)
			return finish()
		}
		env = append(env, EnvInstructionsPath+"="+instrPath)
	}
	env = append(env, extraEnv(c.opts.Env)...)

	logFile, err := os.OpenFile(filepath.Join(metaDir, "builder.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		res.Error = fmt.Sprintf("open builder log: %v", err)
		return finish()
	}
	defer logFile.Close()

	tctx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	log.Debug("builder starting", zap.String("dir", t.WorkDir))
	ex, err := c.opts.Launch(tctx, proc.Spec{
		Argv:   c.opts.Command,
		Dir:    t.WorkDir,
		Env:    env,
		Stdout: logFile,
		Stderr: logFile,
		Grace:  c.opts.Grace,
	})
	res.ExitCode = ex.Code
	if err != nil {
		res.Error = fmt.Sprintf("launch builder: %v", err)
		log.Warn("builder launch failed", zap.Error(err))
		return finish()
	}

	art, artErr := ReadArtifact(resultPath)
	res.Cost = art.cost()

	switch {
	case ex.Killed:
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.Error = fmt.Sprintf("timed out after %s", c.opts.Timeout)
		} else {
			res.Error = "terminated: pipeline shutting down"
		}
	case artErr != nil:
		res.Error = artErr.Error()
		if ex.Code != 0 {
			res.Error = fmt.Sprintf("exit code %d: %s", ex.Code, artErr.Error())
		}
	case ex.Code != 0:
		res.Error = fmt.Sprintf("exit code %d", ex.Code)
		if art.Error != "" {
			res.Error += ": " + art.Error
		}
	default:
		res.Success = *art.Success
		res.Error = art.Error
		if !res.Success && res.Error == "" {
			res.Error = "builder reported failure"
		}
		if art.TestsPassed != nil {
			res.TestsPassed = *art.TestsPassed
		}
		if art.TestsTotal != nil {
			res.TestsTotal = *art.TestsTotal
		}
		if art.ConvergenceRatio != nil {
			res.ConvergenceRatio = *art.ConvergenceRatio
		}
	}

	if res.Success {
		log.Info("builder finished", zap.Float64("cost", res.Cost), zap.Int("tests_passed", res.TestsPassed))
	} else {
		log.Warn("builder failed", zap.String("error", res.Error), zap.Int("exit_code", res.ExitCode))
	}
	return finish()
}

func extraEnv(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
