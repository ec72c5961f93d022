package bundler

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// BuildError collects the messages of a failed build
type BuildError struct {
	Messages []api.Message
}

func (e BuildError) Error() string {
	if len(e.Messages) == 0 {
		return "build failed"
	}

	lines := make([]string, len(e.Messages))
	for idx, msg := range e.Messages {
		lines[idx] = formatMessage(msg)
	}
	return strings.Join(lines, "\n")
}

func formatMessage(msg api.Message) string {
	if msg.Location == nil {
		return msg.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column+1, msg.Text)
}

type output struct {
	contents []byte
	modTime  time.Time
}

// Compiler is a long-lived esbuild context. Every build (triggered by Rebuild or by the watcher) replaces the
// in-memory output and writes it to the output directory.
type Compiler struct {
	cfg    *Config
	logger zerolog.Logger

	ctx      api.BuildContext
	watchMu  sync.Mutex
	watching bool

	mu      sync.RWMutex
	outputs map[string]output
	builds  int
}

// New creates a compiler for cfg. The configuration must not be modified afterwards.
func New(cfg *Config, logger zerolog.Logger) (*Compiler, error) {
	opts, err := cfg.BuildOptions()
	if err != nil {
		return nil, err
	}

	c := &Compiler{
		cfg:     cfg,
		logger:  logger,
		outputs: make(map[string]output),
	}

	opts.Plugins = append(opts.Plugins, api.Plugin{
		Name: "webpipe-output",
		Setup: func(build api.PluginBuild) {
			build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				c.store(result)
				return api.OnEndResult{}, nil
			})
		},
	})

	ctx, ctxErr := api.Context(opts)
	if ctxErr != nil {
		return nil, eris.Wrap(BuildError{Messages: ctxErr.Errors}, "failed to create bundler context")
	}
	c.ctx = ctx

	return c, nil
}

// Config returns the configuration the compiler was created with
func (c *Compiler) Config() *Config {
	return c.cfg
}

func (c *Compiler) store(result *api.BuildResult) {
	for _, msg := range result.Warnings {
		c.logger.Warn().Msg(formatMessage(msg))
	}

	if len(result.Errors) > 0 {
		for _, msg := range result.Errors {
			c.logger.Error().Msg(formatMessage(msg))
		}
		return
	}

	outdir := c.cfg.OutputPath()
	now := time.Now()
	outputs := make(map[string]output, len(result.OutputFiles))
	var total uint64

	for _, file := range result.OutputFiles {
		rel, err := filepath.Rel(outdir, file.Path)
		if err != nil {
			rel = filepath.Base(file.Path)
		}
		outputs[filepath.ToSlash(rel)] = output{contents: file.Contents, modTime: now}
		total += uint64(len(file.Contents))

		err = os.MkdirAll(filepath.Dir(file.Path), 0o770)
		if err == nil {
			err = os.WriteFile(file.Path, file.Contents, 0o660)
		}
		if err != nil {
			c.logger.Error().Err(err).Str("path", file.Path).Msg("failed to write bundle")
		}
	}

	c.mu.Lock()
	c.outputs = outputs
	c.builds++
	c.mu.Unlock()

	c.logger.Info().Int("files", len(outputs)).Msgf("bundled %d files (%s) into %s", len(outputs), humanize.Bytes(total), outdir)
}

// Rebuild runs a build and waits for it to finish
func (c *Compiler) Rebuild() error {
	result := c.ctx.Rebuild()
	if len(result.Errors) > 0 {
		return eris.Wrap(BuildError{Messages: result.Errors}, "bundle failed")
	}
	return nil
}

// Watch rebuilds the bundle whenever one of its inputs changes. Calling it again has no effect.
func (c *Compiler) Watch() error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if c.watching {
		return nil
	}

	err := c.ctx.Watch(api.WatchOptions{})
	if err != nil {
		return eris.Wrap(err, "failed to start watch mode")
	}
	c.watching = true
	return nil
}

// Builds returns the number of successful builds
func (c *Compiler) Builds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builds
}

// Output returns the contents of an output file by its path relative to the output directory
func (c *Compiler) Output(name string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out, ok := c.outputs[name]
	return out.contents, ok
}

// Handler serves the latest build output below the configured public path. Other requests are passed to next.
func (c *Compiler) Handler(next http.Handler) http.Handler {
	prefix := "/" + strings.Trim(c.cfg.PublicPath, "/")
	if prefix != "/" {
		prefix += "/"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method != http.MethodGet && r.Method != http.MethodHead) || !strings.HasPrefix(r.URL.Path, prefix) {
			next.ServeHTTP(w, r)
			return
		}

		name := strings.TrimPrefix(path.Clean(r.URL.Path), prefix)
		c.mu.RLock()
		out, ok := c.outputs[name]
		c.mu.RUnlock()

		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if ctype := mime.TypeByExtension(path.Ext(name)); ctype != "" {
			w.Header().Set("Content-Type", ctype)
		}
		http.ServeContent(w, r, name, out.modTime, bytes.NewReader(out.contents))
	})
}

// Dispose stops watching and releases the build context
func (c *Compiler) Dispose() {
	if c.ctx != nil {
		c.ctx.Dispose()
	}
}

// Build runs a one-off production build of cfg: minified and without source maps
func Build(cfg *Config, logger zerolog.Logger) error {
	prod := cfg.Clone()
	prod.Minify = true
	prod.Sourcemap = false
	prod.Debug = false
	prod.Watch = false

	compiler, err := New(prod, logger)
	if err != nil {
		return err
	}
	defer compiler.Dispose()

	return compiler.Rebuild()
}
