package livereload

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/livereload", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func TestHandshakeAndReload(t *testing.T) {
	lr := New(zerolog.Nop())
	srv := httptest.NewServer(lr.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{Command: "hello", Protocols: []string{Protocol}}))

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Command)
	assert.Equal(t, []string{Protocol}, hello.Protocols)
	require.Eventually(t, func() bool { return lr.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	lr.Changed("/styles/main.css", "/index.html")

	var cssReload Message
	require.NoError(t, conn.ReadJSON(&cssReload))
	assert.Equal(t, Message{Command: "reload", Path: "/styles/main.css", LiveCSS: true}, cssReload)

	// omitted fields must not carry over from the previous message
	var pageReload Message
	require.NoError(t, conn.ReadJSON(&pageReload))
	assert.Equal(t, Message{Command: "reload", Path: "/index.html"}, pageReload)

	conn.Close()
	require.Eventually(t, func() bool { return lr.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnsupportedProtocolIsDropped(t *testing.T) {
	lr := New(zerolog.Nop())
	srv := httptest.NewServer(lr.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{Command: "hello", Protocols: []string{"http://livereload.com/protocols/official-6"}}))

	var msg Message
	require.Error(t, conn.ReadJSON(&msg))
	assert.Equal(t, 0, lr.Clients())
}

func TestClientScript(t *testing.T) {
	lr := New(zerolog.Nop())
	rec := httptest.NewRecorder()
	lr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livereload.js", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), Protocol)
}

func TestServeStopsWithContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(zerolog.Nop()).Serve(ctx, listener)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/livereload.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop")
	}
	http.DefaultClient.CloseIdleConnections()
}

func TestInject(t *testing.T) {
	assert.Equal(t, "<body><p>x</p>SNIP</BODY>", string(Inject([]byte("<body><p>x</p></BODY>"), "SNIP")))
	assert.Equal(t, "<p>fragment</p>SNIP", string(Inject([]byte("<p>fragment</p>"), "SNIP")))
}

func TestInjector(t *testing.T) {
	pages := http.NewServeMux()
	pages.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><body><p>hi</p></body></html>")
	})
	pages.HandleFunc("/main.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	})
	pages.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "<body>gone</body>")
	})

	handler := Injector(DefaultPort, pages)

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, ":35729/livereload.js?snipver=1")
	assert.True(t, strings.HasSuffix(body, "</script></body></html>"))
	assert.Equal(t, strconv.Itoa(len(body)), rec.Header().Get("Content-Length"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/main.css", nil))
	assert.Equal(t, "body{}", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "livereload.js")
}
