// Package transport is the WebSocket boundary described in
// SPEC_FULL.md §4.I: it turns network bytes into protocol.ServerRequest
// values pushed onto the dispatcher's Request Queue, and turns
// client.Handle.Send/Reply calls back into bytes on the socket. Every
// connection runs a read pump (decodes frames, submits them) and a write
// pump (drains the client.Conn's buffered channels) as two goroutines, so
// neither the Reader nor a slow client can block the other — grounded on
// the read/write-pump split in other_examples' pseudocoder-host server
// and the chi-mounted upgrade handler in the teacher's internal/api.
package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/protocol"
)

// Dispatcher is the narrow view of internal/dispatcher.Dispatcher the
// transport needs: submit a request, nothing else.
type Dispatcher interface {
	Submit(req protocol.ServerRequest) error
}

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 1 << 20
	eventBufSize  = 64
	replyBufSize  = 64
)

// Server accepts WebSocket connections and feeds the dispatcher.
type Server struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// New returns a Server that submits decoded requests to d.
func New(d Dispatcher) *Server {
	return &Server{
		dispatcher: d,
		logger:     log.WithComponent("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser-originated cross-origin connections are in scope
			// for a client-facing dispatcher; the Control API (a
			// separate listener) is where auth actually lives.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router returns the client-facing HTTP router: a single upgrade
// endpoint at "/ws".
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleUpgrade)
	return r
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	handle := client.New(id, eventBufSize, replyBufSize)
	logger := log.WithClient(id)

	done := make(chan struct{})
	go s.writePump(conn, handle, logger, done)
	s.readPump(conn, handle, logger, done)
}
