// Package controlapi is the administrative HTTP surface described in
// SPEC_FULL.md §4.M: health, metrics, and an SSE event firehose, kept on
// its own listener distinct from the client-facing transport. Routing,
// auth middleware, and the SSE handler are adapted from the teacher's
// internal/api.Server (setupRoutes/authMiddleware/requireScopes and
// handleEvents), trimmed to the three endpoints this service exposes.
package controlapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dispatchd/internal/auth"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/log"
)

// Stats is the narrow view of the dispatcher core controlapi reports on.
// internal/dispatcher.Dispatcher satisfies this directly.
type Stats interface {
	RequestQueueLen() int
	WorkQueueLen() int
	EventListenerCount() int
	BuildListenerCount() int
	BuildStateAge() (time.Duration, bool)
}

// Config holds the Control API's own settings: listen address and bearer
// token auth, independent of the transport listener.
type Config struct {
	Listen string
	Tokens []auth.TokenConfig
}

// Server is the Control API's HTTP server.
type Server struct {
	cfg    Config
	stats  Stats
	hub    *events.Hub
	logger *slog.Logger
}

// New returns a Server reporting on stats and streaming hub's events.
func New(cfg Config, stats Stats, hub *events.Hub) *Server {
	return &Server{
		cfg:    cfg,
		stats:  stats,
		hub:    hub,
		logger: log.WithComponent("controlapi"),
	}
}

// Router returns the Control API's chi router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("metrics:ro", "metrics:rw")).Get("/metrics", s.handleMetrics)
		r.With(s.requireScopes("events:ro", "events:rw")).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		p, ok := auth.Authenticate(token, "", s.cfg.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeGauge(w, "dispatchd_request_queue_depth", "Pending entries in the Request Queue.", float64(s.stats.RequestQueueLen()))
	writeGauge(w, "dispatchd_work_queue_depth", "Pending coalesced work items in the Work Queue.", float64(s.stats.WorkQueueLen()))
	writeGauge(w, "dispatchd_event_listeners", "Clients subscribed to ListenToEvents.", float64(s.stats.EventListenerCount()))
	writeGauge(w, "dispatchd_build_listeners", "Clients subscribed to ListenToBuildChange.", float64(s.stats.BuildListenerCount()))

	if age, ok := s.stats.BuildStateAge(); ok {
		writeGauge(w, "dispatchd_build_state_age_seconds", "Seconds since the Engine last published a BuildState.", age.Seconds())
	}
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, value)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.SnapshotSince(lastID) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
