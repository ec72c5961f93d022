// Package devserver composes the development web server: the bundler's in-memory output, live reload injection,
// static files and a directory index in front of a reverse proxy to the backend.
package devserver

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Options configures the dev server. Relative paths are resolved against Root.
type Options struct {
	Root string
	Port int
	// Static lists the directories served in order (i.e. [".tmp", "app"])
	Static []string
	// Mounts maps URL prefixes to directories (i.e. "/bower_components" -> "bower_components")
	Mounts map[string]string
	// Index is the directory listed for directory requests nothing else answered
	Index string
	// Proxy receives every request no other stage handled
	Proxy string
	// LiveReloadPort enables snippet injection if it's not zero
	LiveReloadPort int
	// Bundler serves the bundle from memory. Optional.
	Bundler mux.MiddlewareFunc
	// Inject adds the live reload snippet. Optional, used when LiveReloadPort is set.
	Inject func(port int, next http.Handler) http.Handler
}

func (o Options) abs(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(o.Root, dir)
}

// Middlewares returns the stages in the order they see each request
func (o Options) Middlewares() []mux.MiddlewareFunc {
	stages := make([]mux.MiddlewareFunc, 0)
	if o.Bundler != nil {
		stages = append(stages, o.Bundler)
	}

	if o.LiveReloadPort != 0 && o.Inject != nil {
		port := o.LiveReloadPort
		inject := o.Inject
		stages = append(stages, func(next http.Handler) http.Handler {
			return inject(port, next)
		})
	}

	for _, dir := range o.Static {
		stages = append(stages, Static(o.abs(dir)))
	}

	prefixes := make([]string, 0, len(o.Mounts))
	for prefix := range o.Mounts {
		prefixes = append(prefixes, prefix)
	}
	// longer prefixes win
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	for _, prefix := range prefixes {
		stages = append(stages, Mount(prefix, o.abs(o.Mounts[prefix])))
	}

	if o.Index != "" {
		stages = append(stages, Index(o.abs(o.Index)))
	}

	return stages
}

// NewHandler builds the complete request handler
func NewHandler(opts Options, logger zerolog.Logger) (http.Handler, error) {
	final := http.Handler(http.NotFoundHandler())
	if opts.Proxy != "" {
		proxy, err := Proxy(opts.Proxy, logger)
		if err != nil {
			return nil, err
		}
		final = proxy
	}

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logger.WithContext(req.Context())))
		})
	}))
	r.Use(opts.Middlewares()...)
	r.PathPrefix("/").Handler(final)

	return r, nil
}

// Serve runs the dev server on listener until ctx is cancelled
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		case <-done:
		}
	}()

	logger.Info().Msgf("Started dev server on http://localhost:%d", listener.Addr().(*net.TCPAddr).Port)
	err := srv.Serve(listener)
	if eris.Is(err, http.ErrServerClosed) {
		return nil
	}
	return eris.Wrap(err, "dev server failed")
}

// Listen binds the dev server port. Failing to bind is fatal for the caller.
func Listen(port int) (net.Listener, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to listen on port %d", port)
	}
	return listener, nil
}
