// Package httpserver exposes the broadcast over HTTP: the encoded audio
// stream, the push event stream and the anonymous slot API.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foxseedlab/namahousou/internal/anonmic"
	"github.com/foxseedlab/namahousou/internal/census"
	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/encoder"
	"github.com/foxseedlab/namahousou/internal/metrics"
	"github.com/foxseedlab/namahousou/internal/presence"
	"github.com/foxseedlab/namahousou/internal/pubsub"
	"github.com/foxseedlab/namahousou/internal/repository"
)

const (
	defaultTranscriptLimit = 50
	maxTranscriptLimit     = 200
)

type Server struct {
	server *http.Server

	cfg        *config.Config
	supervisor *encoder.Supervisor
	events     *pubsub.Broadcaster
	listeners  *census.Census
	speakers   *presence.Tracker
	slot       *anonmic.Manager
	repo       repository.Repository
	metrics    *metrics.Metrics

	upgrader websocket.Upgrader
}

func NewServer(
	cfg *config.Config,
	supervisor *encoder.Supervisor,
	events *pubsub.Broadcaster,
	listeners *census.Census,
	speakers *presence.Tracker,
	slot *anonmic.Manager,
	repo repository.Repository,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:        cfg,
		supervisor: supervisor,
		events:     events,
		listeners:  listeners,
		speakers:   speakers,
		slot:       slot,
		repo:       repo,
		metrics:    m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /anonymous/claim", s.handleSlotClaim)
	mux.HandleFunc("POST /anonymous/release", s.handleSlotRelease)
	mux.HandleFunc("GET /anonymous/state", s.handleSlotState)
	mux.HandleFunc("GET /anonymous/ws", s.handleSlotSocket)
	mux.HandleFunc("GET /listeners", s.handleListeners)
	mux.HandleFunc("GET /transcripts", s.handleTranscripts)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No write timeout: /stream and /events are long-lived responses.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		slog.Info("http server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleStream serves the live encoded audio. Each request holds its own
// encoder subscription and counts as one listener.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, err := s.supervisor.Subscribe()
	if err != nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.supervisor.Unsubscribe(sub)

	s.listeners.Increment()
	s.metrics.StreamListeners.Inc()
	defer func() {
		s.listeners.Decrement()
		s.metrics.StreamListeners.Dec()
	}()

	contentType := "audio/ogg"
	if s.cfg.StreamFormat == config.StreamFormatMP3 {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, open := <-sub.Bytes():
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEvents serves the push event stream over SSE. Every connection
// first receives an info event and the current speaker state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := s.events.Subscribe()
	defer s.events.Unsubscribe(client)
	s.metrics.PushClients.Inc()
	defer s.metrics.PushClients.Dec()

	writeSSE(w, "info", map[string]any{
		"format": string(s.cfg.StreamFormat),
	})
	writeSSE(w, presence.EventState, map[string]any{
		"speakers": s.speakers.Snapshot(),
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-client.Events():
			if !open {
				return
			}
			if ev.Name == pubsub.EventKeepAlive {
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
			} else {
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

type claimRequest struct {
	Alias string `json:"alias"`
}

type releaseRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleSlotClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.Body != nil {
		// An empty body means no requested alias.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	result, err := s.slot.Claim(req.Alias)
	if err != nil {
		writeSlotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSlotRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.slot.Release(req.Token); err != nil {
		writeSlotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSlotState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.slot.PublicState())
}

// handleSlotSocket upgrades to a websocket and binds it to the claimed
// session. A bad token is rejected after the upgrade so the client gets a
// terminated frame instead of a bare handshake failure.
func (s *Server) handleSlotSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("slot websocket upgrade failed", "error", err)
		return
	}
	if err := s.slot.Attach(token, conn); err != nil {
		var slotErr *anonmic.SlotError
		code := "ERROR"
		if errors.As(err, &slotErr) {
			code = string(slotErr.Code)
		}
		payload, _ := json.Marshal(map[string]string{
			"type":    "terminated",
			"code":    code,
			"message": err.Error(),
		})
		_ = conn.WriteMessage(websocket.TextMessage, payload)
		_ = conn.Close()
	}
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.listeners.Snapshot())
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := defaultTranscriptLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxTranscriptLimit)
	}
	transcripts, err := s.repo.ListRecentTranscripts(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list transcripts", "error", err)
		http.Error(w, "failed to list transcripts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": transcripts})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeSlotError(w http.ResponseWriter, err error) {
	var slotErr *anonmic.SlotError
	if !errors.As(err, &slotErr) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusBadRequest
	switch slotErr.Code {
	case anonmic.CodeSlotOccupied:
		status = http.StatusConflict
	case anonmic.CodeVoiceUnavailable:
		status = http.StatusServiceUnavailable
	case anonmic.CodeInvalidToken:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{
		"code":    string(slotErr.Code),
		"message": slotErr.Message,
	})
}
