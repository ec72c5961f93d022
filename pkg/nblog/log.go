package nblog

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/muyo/sno"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type logPtr struct{}

// MakeLogMiddleware attaches a logger with a unique request ID to every request
func MakeLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := sno.New(0)
		logger := log.With().Str("req", reqID.String()).Logger()

		ctx := r.Context()
		ctx = context.WithValue(ctx, logPtr{}, &logger)
		r = r.WithContext(ctx)
		next.ServeHTTP(rw, r)
	})
}

// Log returns a zerolog Logger with additional context information (i.e. request ID)
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logPtr{})
	if logger == nil {
		return &log.Logger
	}

	return logger.(*zerolog.Logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}

	n, err := r.ResponseWriter.Write(data)
	r.size += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// MakeRequestLogger writes one line per request with its method, path, status, duration and response size.
// It has to run after MakeLogMiddleware to include the request ID.
func MakeRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		evt := Log(r.Context()).Info()
		if rec.status >= 500 {
			evt = Log(r.Context()).Error()
		} else if rec.status >= 400 {
			evt = Log(r.Context()).Warn()
		}

		duration := time.Since(start)
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Int("size", rec.size).
			Msgf("%s %s %d %.3f ms - %s", r.Method, r.URL.RequestURI(), rec.status,
				float64(duration.Microseconds())/1000, humanize.Bytes(uint64(rec.size)))
	})
}
