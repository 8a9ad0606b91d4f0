// Package debugserver exposes bmail's local, loopback-only status
// surface: current conversations, firehose health, and the most recent
// ingestion error. It is adapted from klistr's internal/server.Server —
// same chi.Mux-plus-middleware construction and graceful-shutdown
// Start(ctx) shape — trimmed from a full ActivityPub federation surface
// down to a handful of read-only JSON endpoints.
package debugserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bmailapp/bmail/internal/model"
	"github.com/bmailapp/bmail/internal/store"
)

// Server is bmail's local debug/status HTTP surface.
type Server struct {
	addr      string
	store     *store.ConversationStore
	router    *chi.Mux
	startedAt time.Time

	firehoseConnected atomic.Bool
	lastErrMu         sync.RWMutex
	lastErr           string
}

// New creates a debug Server bound to addr, backed by s for conversation
// status.
func New(addr string, s *store.ConversationStore) *Server {
	srv := &Server{addr: addr, store: s, startedAt: time.Now()}
	srv.router = srv.buildRouter()
	return srv
}

// SetFirehoseConnected records the ingestor's current connection state,
// surfaced at /api/status.
func (s *Server) SetFirehoseConnected(connected bool) {
	s.firehoseConnected.Store(connected)
}

// RecordError records the most recent ingestion/backfill error,
// surfaced at /api/status. Pass nil to clear it.
func (s *Server) RecordError(err error) {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	if err == nil {
		s.lastErr = ""
		return
	}
	s.lastErr = err.Error()
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	httpSrv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting debug server", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			slog.Error("debug server shutdown error", "error", err)
		}
	}()

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("debug server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"})
	})
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/conversations", s.handleConversations)

	return r
}

type statusResponse struct {
	Uptime            string `json:"uptime"`
	FirehoseConnected bool   `json:"firehose_connected"`
	LastError         string `json:"last_error,omitempty"`
	ConversationCount int    `json:"conversation_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.lastErrMu.RLock()
	lastErr := s.lastErr
	s.lastErrMu.RUnlock()

	jsonResponse(w, statusResponse{
		Uptime:            time.Since(s.startedAt).String(),
		FirehoseConnected: s.firehoseConnected.Load(),
		LastError:         lastErr,
		ConversationCount: len(s.store.All()),
	})
}

type conversationSummary struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	MessageCount int      `json:"message_count"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs := s.store.All()
	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationSummary{
			ID:           string(c.ID),
			Participants: didsToStrings(c.Participants),
			MessageCount: len(c.Messages),
		})
	}
	jsonResponse(w, out)
}

func didsToStrings(dids []model.DID) []string {
	out := make([]string, len(dids))
	for i, d := range dids {
		out[i] = string(d)
	}
	return out
}

func jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
