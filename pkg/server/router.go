package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/unrolled/secure"

	"github.com/ngld/webpipe/pkg/config"
	"github.com/ngld/webpipe/pkg/nblog"
)

var helloBody = map[string]string{"hello": "world"}

func hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	data, err := json.Marshal(helloBody)
	if err != nil {
		nblog.Log(r.Context()).Error().Err(err).Msg("Failed to encode response")
		return
	}

	_, err = w.Write(data)
	if err != nil {
		nblog.Log(r.Context()).Debug().Err(err).Msg("Failed to write response")
	}
}

// staticFiles serves files below root. Directories are answered with their index file, never with a listing.
// Requests nothing matched continue to next.
func staticFiles(root, index string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			urlPath := path.Clean("/" + r.URL.Path)
			fsPath := filepath.Join(root, filepath.FromSlash(urlPath))
			info, err := os.Stat(fsPath)
			if err == nil && info.IsDir() {
				if !strings.HasSuffix(r.URL.Path, "/") {
					http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
					return
				}

				fsPath = filepath.Join(fsPath, index)
				info, err = os.Stat(fsPath)
			}

			if err != nil || info.IsDir() {
				next.ServeHTTP(w, r)
				return
			}

			http.ServeFile(w, r, fsPath)
		})
	}
}

// NewRouter builds the handler for cfg
func NewRouter(cfg *config.Config) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/hello", hello).Methods(http.MethodGet, http.MethodHead)

	if cfg.Production {
		r.Use(staticFiles(cfg.Static.Root, cfg.Static.Index))
		// mux only runs middlewares for matched routes
		r.PathPrefix("/").Handler(http.NotFoundHandler())
	}

	sm := secure.New(secure.Options{
		IsDevelopment:      !cfg.Production,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	var handler http.Handler = r
	if cfg.Development {
		handler = nblog.MakeRequestLogger(handler)
	}

	return sm.Handler(nblog.MakeLogMiddleware(handler))
}
