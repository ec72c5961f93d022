package devserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/webpipe/pkg/livereload"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		target := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o770))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o660))
	}
}

func newTestServer(t *testing.T, backend string) http.Handler {
	t.Helper()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app/index.html":              "<html><body><h1>app</h1></body></html>",
		"app/styles/main.css":         "source",
		".tmp/styles/main.css":        "compiled",
		"app/images/logo.png":         "png",
		"bower_components/lib/lib.js": "lib()",
	})

	bundle := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/scripts/main.js" {
				_, _ = io.WriteString(w, "bundle()")
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	handler, err := NewHandler(Options{
		Root:           root,
		Static:         []string{".tmp", "app"},
		Mounts:         map[string]string{"/bower_components": "bower_components"},
		Index:          "app",
		Proxy:          backend,
		LiveReloadPort: livereload.DefaultPort,
		Inject:         livereload.Injector,
		Bundler:        bundle,
	}, zerolog.Nop())
	require.NoError(t, err)
	return handler
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRequestOrder(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hello" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"hello":"world"}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer backend.Close()

	handler := newTestServer(t, backend.URL)

	rec := get(handler, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h1>app</h1>")
	assert.Contains(t, rec.Body.String(), "livereload.js")

	rec = get(handler, "/styles/main.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "compiled", rec.Body.String())

	rec = get(handler, "/scripts/main.js")
	assert.Equal(t, "bundle()", rec.Body.String())

	rec = get(handler, "/bower_components/lib/lib.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lib()", rec.Body.String())

	rec = get(handler, "/images/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<a href="logo.png">logo.png</a>`)

	rec = get(handler, "/images")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)

	rec = get(handler, "/hello")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"hello":"world"}`, rec.Body.String())

	rec = get(handler, "/nothing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackendDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	handler := newTestServer(t, url)
	rec := get(handler, "/hello")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestInvalidProxy(t *testing.T) {
	_, err := NewHandler(Options{Proxy: "localhost"}, zerolog.Nop())
	require.Error(t, err)
}

func TestServeAndShutdown(t *testing.T) {
	listener, err := Listen(0)
	require.NoError(t, err)

	// binding the same port twice fails
	_, err = Listen(listener.Addr().(*net.TCPAddr).Port)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, listener, http.NotFoundHandler(), zerolog.Nop())
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop")
	}
}
