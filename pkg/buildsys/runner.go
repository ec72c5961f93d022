package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runTasks    map[string]bool
		projectRoot string
		tasks       TaskList
		dryRun      bool
		shared      *sharedState
	}
)

// sharedState lives as long as a RunTasks call, including the background services it started
type sharedState struct {
	services    *errgroup.Group
	servicesCtx context.Context
	serviceMu   sync.Mutex
	hasServices bool

	// reruns triggered by watchers are executed one at a time
	rerunMu sync.Mutex

	resources
}

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

// startService runs fn in the background until the run is over. An error returned by fn stops all other services.
func startService(ctx context.Context, name string, fn func(ctx context.Context) error) {
	shared := getRuntimeCtx(ctx).shared
	shared.serviceMu.Lock()
	shared.hasServices = true
	shared.serviceMu.Unlock()

	shared.services.Go(func() error {
		err := fn(shared.servicesCtx)
		if err != nil {
			return eris.Wrapf(err, "%s failed", name)
		}
		return nil
	})
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv":
			fallthrough
		case "rm":
			fallthrough
		case "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			self, err := os.Executable()
			if err != nil {
				return eris.Wrap(err, "failed to locate the webpipe binary")
			}
			args = append([]string{self}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func resolvePatternLists(ctx context.Context, base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	parserCtx := &parserCtx{
		filepath:    "invalid",
		projectRoot: getRuntimeCtx(ctx).projectRoot,
	}

	for _, item := range patterns {
		item = normalizePath(parserCtx, base, item)
		item = filepath.ToSlash(item)

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to parse pattern %s", item)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// If a pattern didn't match anything, it's returned as a result. Skip those results.
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// RunTasks executes the given tasks (and their dependencies) in order. The first failure stops the whole run.
// If any task started a background service (dev server, watcher, ...), RunTasks blocks until ctx is cancelled
// or one of the services fails.
func RunTasks(ctx context.Context, projectRoot string, names []string, tasks TaskList, dryRun, force bool) error {
	for _, name := range names {
		if _, found := tasks[name]; !found {
			return eris.Errorf("Task %s not found", name)
		}
	}

	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, svcCtx := errgroup.WithContext(svcCtx)
	shared := &sharedState{
		services:    services,
		servicesCtx: svcCtx,
	}
	shared.resources.init()
	defer shared.resources.close()

	rctx := runtimeCtx{
		projectRoot: projectRoot,
		runTasks:    make(map[string]bool),
		tasks:       tasks,
		dryRun:      dryRun,
		shared:      shared,
	}

	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)
	for _, name := range names {
		err := runTaskInternal(ctx, tasks[name], force, true)
		if err != nil {
			cancel()
			_ = services.Wait()
			return err
		}
	}

	shared.serviceMu.Lock()
	hasServices := shared.hasServices
	shared.serviceMu.Unlock()

	if hasServices {
		log(ctx).Info().Msg("All tasks finished, background services are running. Press Ctrl+C to stop.")
	}

	err := services.Wait()
	if err != nil && !eris.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// rerunTasks runs tasks again with a fresh run state. It's used by watchers while the services of the initial run
// are still active.
func rerunTasks(ctx context.Context, names []string, force bool) error {
	parent := getRuntimeCtx(ctx)
	parent.shared.rerunMu.Lock()
	defer parent.shared.rerunMu.Unlock()

	rctx := runtimeCtx{
		projectRoot: parent.projectRoot,
		runTasks:    make(map[string]bool),
		tasks:       parent.tasks,
		dryRun:      parent.dryRun,
		shared:      parent.shared,
	}
	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)

	for _, name := range names {
		task, found := rctx.tasks[name]
		if !found {
			return eris.Errorf("Task %s not found", name)
		}

		err := runTaskInternal(ctx, task, force, true)
		if err != nil {
			return err
		}
	}
	return nil
}

func runTaskInternal(ctx context.Context, task *Task, force, canSkip bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, ok := rctx.runTasks[task.Short]
	if ok {
		if status {
			// this task has already been run
			log(ctx).Debug().Msgf("Task %s already run", task.Short)
			return nil
		}

		return eris.Errorf("Task %s was called recursively", task.Short)
	}

	rctx.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		if !rctx.runTasks[dep] {
			depTask, ok := rctx.tasks[dep]
			if !ok {
				return eris.Errorf("Task %s not found", dep)
			}

			err := runTaskInternal(ctx, depTask, false, true)
			if err != nil {
				return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
			}
		}
	}

	if canSkip && !force {
		skipList, err := resolvePatternLists(ctx, task.Base, task.SkipIfExists)
		if err != nil {
			return eris.Wrapf(err, "failed to resolve skipIfExists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "Failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			log(ctx).Info().
				Str("task", task.Short).
				Msg("skipped because all skip files exist")

			rctx.runTasks[task.Short] = true
			return nil
		}
	}

	if !force {
		upToDate, err := checkUpToDate(ctx, task)
		if err != nil {
			return err
		}

		if upToDate {
			rctx.runTasks[task.Short] = true
			return nil
		}
	}

	// With the skip and input/output checks done, we can finally start executing
	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(getTaskEnv(task)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}
	taskCtx := taskLogger(ctx, task.Short)

	for _, item := range task.Cmds {
		switch item := item.(type) {
		case TaskCmdScript:
			stmts, err := item.ToShellStmts(parser)
			if err != nil {
				return eris.Wrap(err, "failed to parser shell script")
			}

			for _, stm := range stmts {
				strBuffer.Reset()
				err = printer.Print(&strBuffer, stm)
				if err != nil {
					return eris.Wrap(err, "failed to print shell statement")
				}

				log(taskCtx).Info().
					Bool("command", true).
					Msg(strBuffer.String())

				if !rctx.dryRun {
					err = runner.Run(ctx, stm)
					if err != nil {
						return eris.Wrapf(err, "Task %s failed", task.Short)
					}

					if runner.Exited() {
						rctx.runTasks[task.Short] = true
						return nil
					}
				}
			}
		case TaskCmdTaskRef:
			err = runTaskInternal(ctx, item.Task, force, true)
			if err != nil {
				return err
			}
		case TaskCmdStep:
			log(taskCtx).Info().Bool("command", true).Msg(item.Step.Describe())
			if !rctx.dryRun {
				err = runStep(taskCtx, task, item.Step)
				if err != nil {
					return eris.Wrapf(err, "Task %s failed", task.Short)
				}
			}
		default:
			return eris.Errorf("unexpected task command %+v", item)
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	if task.Short != "" {
		rctx.runTasks[task.Short] = true
	}
	return nil
}

// checkUpToDate compares the modification times of the task's inputs and outputs
func checkUpToDate(ctx context.Context, task *Task) (bool, error) {
	var newestInput time.Time
	inputList, err := resolvePatternLists(ctx, task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatternLists(ctx, task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().Sub(newestInput) > 0 {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	var newestOutput time.Time
	oldestOutput := time.Now()

	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return false, eris.Wrapf(err, "Failed to check output %s", item)
		}

		if err == nil {
			mt := info.ModTime()
			if mt.Sub(newestOutput) > 0 {
				newestOutput = mt
			}

			if oldestOutput.Sub(mt) > 0 {
				oldestOutput = mt
			}
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		log(ctx).Warn().
			Str("task", task.Short).
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if newestOutput.Sub(newestInput) > 0 {
		log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %f seconds newer)", newestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}
