// Package relay provides the realtime messaging core of a chat application:
// topic workers, replicated presence, and a broadcast bus that fans events
// out across server processes. This file contains the Server struct which
// manages the HTTP server lifecycle, the WebSocket upgrade endpoint, and
// graceful shutdown handling.
package relay

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	hub          *Hub
	server       *http.Server
	upgrader     websocket.Upgrader
	authenticate AuthFunc
	mutex        sync.RWMutex
	isRunning    bool
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewServer creates a relay server with the provided options and external
// collaborators. The HTTP server exposes one WebSocket upgrade endpoint at
// the root; the surrounding application mounts it wherever it routes.
func NewServer(options *ServerOptions, messageStore MessageStore, authorizer Authorizer, roster Roster) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	opts := options.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	hub := NewHub(ctx, opts, messageStore, authorizer, roster)

	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	s := &Server{
		ctx:          ctx,
		cancel:       cancel,
		hub:          hub,
		authenticate: options.Authenticate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			EnableCompression: opts.EnableCompression,
			CheckOrigin:       originChecker(opts),
		},
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  options.ServerReadTimeout,
		WriteTimeout: options.ServerWriteTimeout,
		IdleTimeout:  options.ServerIdleTimeout,
		TLSConfig:    options.ServerTLSConfig,
	}
	return s
}

// Hub returns the hub backing this server, for middleware registration and
// server-side broadcasts like AnnounceChannel.
func (s *Server) Hub() *Hub {
	return s.hub
}

func originChecker(opts *Options) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		parsed, err := url.Parse(origin)

		if err != nil {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if strings.EqualFold(parsed.Host, allowed) || allowed == "*" {
				return true
			}
		}
		return false
	}
}

// ServeHTTP authenticates the upgrade request, upgrades it to a WebSocket
// connection, and registers the resulting session with the hub. The handler
// stays on the stack until the connection closes so the request context stays
// live for the socket's lifetime; the connection runs under the merge of the
// server and request contexts and dies when either is cancelled.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.authenticate == nil {
		http.Error(w, "no authenticator configured", http.StatusInternalServerError)

		return
	}
	userID, err := s.authenticate(r)

	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)

		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)

	if err != nil {
		return
	}
	connCtx, connCancel := mergeContexts(s.ctx, r.Context())

	defer connCancel()

	conn, err := newConn(connCtx, wsConn, uuid.NewString(), s.hub.options)

	if err != nil {
		_ = wsConn.Close()

		return
	}
	closed := make(chan struct{})

	conn.OnClose(func(Transport) error {
		close(closed)

		return nil
	})

	if _, err := s.hub.Connect(conn, userID); err != nil {
		_ = conn.SendFrame(errorFrame(gatewayEntity, "", err))

		conn.Close()

		return
	}
	if conn.IsActive() {
		<-closed
	}
}

// Start begins listening for HTTP/WebSocket connections on the configured
// address. The server runs in a background goroutine; Start returns
// immediately.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return internal(gatewayEntity, "server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		if s.server.TLSConfig != nil {
			_ = s.server.ListenAndServeTLS("", "")
		} else {
			_ = s.server.ListenAndServe()
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully with a 30 second drain window.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	shutdownTimeout := 30 * time.Second
	if err := s.Stop(shutdownTimeout); err != nil {
		return wrapF(err, "error during server shutdown")
	}
	return nil
}

// IsRunning returns true if the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop gracefully shuts down the server with the given timeout. Sessions are
// torn down through the hub first so presence entries are withdrawn before
// the listener closes. Returns nil if the server was not running.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return nil
	}
	s.mutex.Unlock()

	shutdownErr := s.hub.Shutdown()

	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)

	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return combine(shutdownErr, wrapF(err, "http server shutdown failed"))
	}
	return shutdownErr
}
