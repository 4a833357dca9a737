// Package server serves the live transfer status over HTTP and websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/shaunagostinho/moteino-ota/internal/events"
	"github.com/shaunagostinho/moteino-ota/internal/logger"
)

const (
	sendBuffer      = 64
	shutdownTimeout = 5 * time.Second
)

// Server broadcasts transfer events to websocket clients. It implements
// events.Sink.
type Server struct {
	addr  string
	webFS fs.FS
	log   logger.Logger

	clients  *xsync.MapOf[*wsClient, struct{}]
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	last []byte
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

var idleStatus = []byte(`{"type":"progress","state":"idle"}`)

// New creates a Server listening on addr. webFS holds the status page.
func New(addr string, webFS fs.FS, log logger.Logger) *Server {
	if log == nil {
		log = logger.With("component", "server")
	}
	return &Server{
		addr:    addr,
		webFS:   webFS,
		log:     log,
		clients: xsync.NewMapOf[*wsClient, struct{}](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish stores e as the current status and sends it to every client.
// Slow clients miss events rather than stall the transfer.
func (s *Server) Publish(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.last = data
	s.mu.Unlock()

	s.clients.Range(func(c *wsClient, _ struct{}) bool {
		select {
		case c.send <- data:
		case <-c.done:
		default:
		}
		return true
	})
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	return s.clients.Size()
}

func (s *Server) status() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return idleStatus
	}
	return s.last
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.status())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	client.send <- s.status()
	s.clients.Store(client, struct{}{})
	s.log.Debug("ws client connected", "clients", s.clients.Size())

	// writer
	go func() {
		defer conn.Close()
		for {
			select {
			case <-client.done:
				return
			case msg := <-client.send:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	// reader, detects disconnects
	go func() {
		defer func() {
			s.clients.Delete(client)
			close(client.done)
			s.log.Debug("ws client disconnected", "clients", s.clients.Size())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
