// Package supervisor keeps a development process running: it's restarted whenever one of the watched files
// changes and stopped when the build tool exits.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/webpipe/pkg/watcher"
)

// Options describes the supervised process
type Options struct {
	// Command is a shell command line
	Command string
	// Dir is the working directory, watch patterns are relative to it as well
	Dir   string
	Env   map[string]string
	Watch []string
	// KillTimeout is the time between the interrupt and the kill signal on restarts
	KillTimeout time.Duration
	// Settle is how long events following a change are folded into the same restart
	Settle time.Duration
	Stdout      io.Writer
	Stderr      io.Writer
}

// Supervisor runs a process and restarts it on changes
type Supervisor struct {
	opts   Options
	logger zerolog.Logger
	prog   *syntax.File
	starts atomic.Int32
}

// New parses the command line
func New(opts Options, logger zerolog.Logger) (*Supervisor, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(opts.Command), "run_server")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", opts.Command)
	}

	if opts.KillTimeout == 0 {
		opts.KillTimeout = 2 * time.Second
	}
	if opts.Settle == 0 {
		opts.Settle = 200 * time.Millisecond
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	return &Supervisor{opts: opts, logger: logger, prog: prog}, nil
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	env := os.Environ()
	for key, value := range s.opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	runner, err := interp.New(
		interp.Dir(s.opts.Dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.ExecHandler(interp.DefaultExecHandler(s.opts.KillTimeout)),
		interp.StdIO(nil, s.opts.Stdout, s.opts.Stderr),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	start := s.starts.Add(1)
	s.logger.Info().Int32("start", start).Msgf("starting `%s`", s.opts.Command)
	return runner.Run(ctx, s.prog)
}

// Run starts the process and supervises it until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	restart := make(chan string, 1)

	if len(s.opts.Watch) > 0 {
		w, err := watcher.New(s.opts.Dir, s.opts.Watch, s.logger)
		if err != nil {
			return err
		}

		eg.Go(func() error {
			return w.Run(ctx, func(path string) {
				select {
				case restart <- path:
				default:
					// a restart is already pending
				}
			})
		})
	}

	eg.Go(func() error {
		for {
			procCtx, cancel := context.WithCancel(ctx)
			exited := make(chan error, 1)
			go func() {
				exited <- s.runOnce(procCtx)
			}()

			select {
			case <-ctx.Done():
				cancel()
				<-exited
				return nil
			case path := <-restart:
				s.logger.Info().Str("path", path).Msg("restarting due to changes...")
				cancel()
				<-exited
				s.settle(ctx, restart)
			case err := <-exited:
				cancel()
				if err != nil && !eris.Is(err, context.Canceled) {
					s.logger.Error().Err(err).Msg("app crashed - waiting for file changes before starting...")
				} else {
					s.logger.Info().Msg("clean exit - waiting for changes before restart")
				}

				select {
				case <-ctx.Done():
					return nil
				case <-restart:
					s.settle(ctx, restart)
				}
			}
		}
	})

	return eg.Wait()
}

// settle drops the events a single save produces (create, write, chmod) so they cause only one restart
func (s *Supervisor) settle(ctx context.Context, restart <-chan string) {
	timer := time.NewTimer(s.opts.Settle)
	defer timer.Stop()

	for {
		select {
		case <-restart:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Starts returns how often the process was started
func (s *Supervisor) Starts() int {
	return int(s.starts.Load())
}
