// Package api exposes the courier's HTTP surface: message submission,
// the inbound webhook that reopens session windows and drains pending
// messages, queue operations and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avandra/courier/internal/optout"
	"github.com/avandra/courier/internal/queue"
	"github.com/avandra/courier/internal/whatsapp"
)

// InboundRecorder persists the recipient's latest inbound-interaction
// time, which is what keeps the session window current
type InboundRecorder interface {
	RecordInbound(ctx context.Context, recipientID string, at time.Time) error
}

// ReadMarker acknowledges an inbound provider message. Optional; a nil
// marker skips the acknowledgement.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, messageID string) error
}

// Server is the courier HTTP API
type Server struct {
	queue      *queue.Queue
	owners     queue.OwnerDirectory
	inbound    InboundRecorder
	guard      *optout.Guard
	marker     ReadMarker
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server. marker may be nil.
func NewServer(listenAddr string, q *queue.Queue, owners queue.OwnerDirectory, inbound InboundRecorder, guard *optout.Guard, marker ReadMarker) *Server {
	s := &Server{
		queue:   q,
		owners:  owners,
		inbound: inbound,
		guard:   guard,
		marker:  marker,
		logger:  slog.Default().With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/messages", s.handleEnqueue).Methods("POST")
	api.HandleFunc("/webhook/inbound", s.handleInbound).Methods("POST")
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/queue/message/{id}/audit", s.handleAuditTrail).Methods("GET")
	api.HandleFunc("/queue/message/{id}", s.handleCancel).Methods("DELETE")
	api.HandleFunc("/queue/sweep", s.handleSweep).Methods("POST")

	return r
}

// Start runs the HTTP server until it is shut down
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type enqueueRequest struct {
	OwnerID  string `json:"owner_id"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Priority int    `json:"priority,omitempty"`
	TTLHours int    `json:"ttl_hours,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "owner_id and content are required")
		return
	}

	res, err := s.queue.Enqueue(r.Context(), req.OwnerID, queue.MessageType(req.Type), req.Content, queue.EnqueueOptions{
		Priority: req.Priority,
		TTLHours: req.TTLHours,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type inboundRequest struct {
	OwnerID   string `json:"owner_id"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

type inboundResponse struct {
	OptedOut  bool     `json:"opted_out"`
	Delivered []string `json:"delivered,omitempty"`
}

// handleInbound processes one inbound recipient message: the session
// window reopens, the provider message is acknowledged, opt-out phrasing
// blocks the recipient, and otherwise every pending message drains while
// the window is fresh.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	owner, err := s.owners.Owner(r.Context(), req.OwnerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown owner")
		return
	}

	if err := s.inbound.RecordInbound(r.Context(), req.OwnerID, time.Now()); err != nil {
		s.logger.Error("failed to record inbound interaction", "owner_id", req.OwnerID, "error", err)
	}

	if s.marker != nil && req.MessageID != "" {
		if err := s.marker.MarkAsRead(r.Context(), req.MessageID); err != nil {
			s.logger.Warn("read acknowledgement failed", "message_id", req.MessageID, "error", err)
		}
	}

	// the rate limiter keys blocks by normalized phone
	resp := inboundResponse{}
	if s.guard.Process(whatsapp.NormalizePhone(owner.Phone), req.Text) {
		resp.OptedOut = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	for {
		msg, err := s.queue.DeliverPending(r.Context(), req.OwnerID)
		if err != nil {
			s.logger.Warn("pending drain stopped", "owner_id", req.OwnerID, "error", err)
			break
		}
		if msg == nil {
			break
		}
		resp.Delivered = append(resp.Delivered, msg.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trail, err := s.queue.AuditTrail(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "events": trail})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.queue.Cancel(r.Context(), id)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case queue.ErrNotFound:
		writeError(w, http.StatusNotFound, "message not found")
	case queue.ErrTerminalStatus:
		writeError(w, http.StatusConflict, "message already in terminal status")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := s.queue.ExpireSweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	retried, err := s.queue.ProcessQueued(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired, "retried": retried})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode API response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
