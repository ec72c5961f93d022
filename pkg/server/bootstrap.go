package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/ngld/webpipe/pkg/config"
)

// Serve answers requests on listener until ctx is cancelled
func Serve(ctx context.Context, listener net.Listener, cfg *config.Config) error {
	srv := http.Server{
		Handler:      NewRouter(cfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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

	err := srv.Serve(listener)
	if eris.Is(err, http.ErrServerClosed) {
		return nil
	}
	return eris.Wrap(err, "server failed")
}

// StartServer starts the integrated HTTP server
func StartServer(ctx context.Context, cfg *config.Config) error {
	listener, err := net.Listen("tcp", cfg.HTTP.Address)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", cfg.HTTP.Address)
	}

	log.Info().
		Bool("production", cfg.Production).
		Bool("development", cfg.Development).
		Msgf("Server started on http://%s", listener.Addr())
	return Serve(ctx, listener, cfg)
}
