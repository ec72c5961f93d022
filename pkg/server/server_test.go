package server

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/webpipe/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{}
	cfg.HTTP.Address = "127.0.0.1:0"
	cfg.Static.Root = t.TempDir()
	cfg.Static.Index = "index.html"
	cfg.Log.Level = "info"
	return cfg
}

func get(t *testing.T, handler http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestHello(t *testing.T) {
	for _, mode := range []string{"plain", "production", "development"} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Production = mode == "production"
			cfg.Development = mode == "development"
			handler := NewRouter(cfg)

			for i := 0; i < 2; i++ {
				rec := get(t, handler, "/hello")
				assert.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, `{"hello":"world"}`, rec.Body.String())
				assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
			}
		})
	}
}

func TestHelloMethods(t *testing.T) {
	handler := NewRouter(testConfig(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/hello", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hello", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNotFound(t *testing.T) {
	cfg := testConfig(t)
	handler := NewRouter(cfg)

	assert.Equal(t, http.StatusNotFound, get(t, handler, "/missing").Code)
	assert.Equal(t, http.StatusNotFound, get(t, handler, "/hello/world").Code)
}

func TestStaticOnlyInProduction(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Static.Root, "index.html"), []byte("<h1>index</h1>"), 0o660))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Static.Root, "styles"), 0o770))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Static.Root, "styles", "main.css"), []byte("a{}"), 0o660))

	assert.Equal(t, http.StatusNotFound, get(t, NewRouter(cfg), "/styles/main.css").Code)

	cfg.Production = true
	handler := NewRouter(cfg)

	rec := get(t, handler, "/styles/main.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a{}", rec.Body.String())

	rec = get(t, handler, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>index</h1>", rec.Body.String())

	// no directory listings
	assert.Equal(t, http.StatusNotFound, get(t, handler, "/styles/").Code)
	assert.Equal(t, http.StatusNotFound, get(t, handler, "/missing.js").Code)
}

func TestServe(t *testing.T) {
	cfg := testConfig(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, listener, cfg)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/hello")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop")
	}
}
