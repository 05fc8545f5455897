// Package api exposes the record queries and the live WebSocket stream over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hed1ad/vitalguard/pkg/hub"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// Default query limits.
const (
	DefaultHistoryLimit = 50
	DefaultAnomalyLimit = 20
	DefaultMaxLimit     = 1000
)

// Store is the read side the handlers need.
type Store interface {
	RecentReadings(ctx context.Context, limit int) ([]vitals.Reading, error)
	RecentAnomalies(ctx context.Context, limit int) ([]vitals.AnomalyRecord, error)
}

// Handler serves the HTTP surface.
type Handler struct {
	store      Store
	hub        *hub.Hub
	upgrader   websocket.Upgrader
	sendBuffer int

	historyLimit int
	anomalyLimit int
	maxLimit     int
	ratePerSec   float64

	logger zerolog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLimits sets the default and maximum query limits.
func WithLimits(history, anomalies, max int) Option {
	return func(h *Handler) {
		h.historyLimit = history
		h.anomalyLimit = anomalies
		h.maxLimit = max
	}
}

// WithRateLimit caps query requests per second; zero disables limiting.
func WithRateLimit(perSec float64) Option {
	return func(h *Handler) {
		h.ratePerSec = perSec
	}
}

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) Option {
	return func(h *Handler) {
		h.sendBuffer = n
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = l.With().Str("component", "api").Logger()
	}
}

// NewHandler creates a Handler.
func NewHandler(store Store, h *hub.Hub, opts ...Option) *Handler {
	handler := &Handler{
		store: store,
		hub:   h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer:   hub.DefaultSendBuffer,
		historyLimit: DefaultHistoryLimit,
		anomalyLimit: DefaultAnomalyLimit,
		maxLimit:     DefaultMaxLimit,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(handler)
	}
	return handler
}

// History returns the most recent readings, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := h.parseLimit(r, h.historyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := h.store.RecentReadings(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("fetch history")
		writeError(w, http.StatusInternalServerError, "failed to fetch history")
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// Anomalies returns the most recent anomaly records, newest first.
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := h.parseLimit(r, h.anomalyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.store.RecentAnomalies(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("fetch anomalies")
		writeError(w, http.StatusInternalServerError, "failed to fetch anomalies")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Stream upgrades the connection and registers it as a push subscriber.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	client := hub.NewClient(h.hub, conn, h.sendBuffer)
	h.hub.Add(client)

	go client.WritePump()
	go client.ReadPump()
}

// Health reports liveness and the current subscriber count.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": h.hub.Len(),
	})
}

var errInvalidLimit = errors.New("limit must be a positive integer")

func (h *Handler) parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errInvalidLimit
	}
	if h.maxLimit > 0 && limit > h.maxLimit {
		limit = h.maxLimit
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
