// Package livereload implements the LiveReload protocol (version 7): browsers connect through a websocket, the
// build notifies them about changed files and they reload the page or just the stylesheets.
package livereload

import (
	"context"
	_ "embed"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultPort is the port browser extensions and the injected snippet expect
const DefaultPort = 35729

// Protocol is the only protocol version the server speaks
const Protocol = "http://livereload.com/protocols/official-7"

//go:embed livereload.js
var clientScript []byte

// Message is a single protocol message. Only the fields relevant to the command are set.
type Message struct {
	Command    string   `json:"command"`
	Protocols  []string `json:"protocols,omitempty"`
	ServerName string   `json:"serverName,omitempty"`
	Path       string   `json:"path,omitempty"`
	LiveCSS    bool     `json:"liveCSS,omitempty"`
	URL        string   `json:"url,omitempty"`
}

type client struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	ready bool
}

func (c *client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// Server tracks connected browsers
type Server struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a server. Call ListenAndServe or mount Handler() to accept connections.
func New(logger zerolog.Logger) *Server {
	return &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			// the dev server and the live reload server always run on different ports
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler serves the websocket endpoint and the client script
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livereload", s.serveSocket)
	mux.HandleFunc("/livereload.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Content-Length", strconv.Itoa(len(clientScript)))
		_, _ = w.Write(clientScript)
	})
	return mux
}

// ListenAndServe accepts connections on port until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return eris.Wrapf(err, "failed to listen on port %d", port)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeAll()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		case <-done:
		}
	}()

	s.logger.Info().Msgf("live reload server listening on %s", listener.Addr())
	err := srv.Serve(listener)
	if eris.Is(err, http.ErrServerClosed) {
		return nil
	}
	return eris.Wrap(err, "live reload server failed")
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			return
		}

		switch msg.Command {
		case "hello":
			if !supportsProtocol(msg.Protocols) {
				s.logger.Warn().Strs("protocols", msg.Protocols).Msg("browser doesn't support protocol 7")
				return
			}

			err = c.send(Message{
				Command:    "hello",
				Protocols:  []string{Protocol},
				ServerName: "webpipe",
			})
			if err != nil {
				return
			}

			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
			s.logger.Debug().Str("remote", r.RemoteAddr).Msg("browser connected")
		case "info", "url":
		default:
			s.logger.Debug().Str("command", msg.Command).Msg("ignoring unknown command")
		}
	}
}

func supportsProtocol(protocols []string) bool {
	for _, p := range protocols {
		if p == Protocol {
			return true
		}
	}
	return false
}

// Clients returns the number of browsers which completed the handshake
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for c := range s.clients {
		c.mu.Lock()
		if c.ready {
			count++
		}
		c.mu.Unlock()
	}
	return count
}

// Changed tells every connected browser to reload. Stylesheets are swapped without reloading the page.
func (s *Server) Changed(paths ...string) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, path := range paths {
		s.logger.Info().Str("path", path).Msgf("%s reloaded", path)

		for _, c := range clients {
			c.mu.Lock()
			ready := c.ready
			c.mu.Unlock()
			if !ready {
				continue
			}

			err := c.send(Message{
				Command: "reload",
				Path:    path,
				LiveCSS: strings.HasSuffix(strings.ToLower(path), ".css"),
			})
			if err != nil {
				s.logger.Debug().Err(err).Msg("failed to notify browser")
			}
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		c.conn.Close()
	}
}
