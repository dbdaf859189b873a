package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"jobq/features/job"
	"jobq/internal/middleware"
)

const writeWait = 5 * time.Second

type StatsReader interface {
	GetJobStats(ctx context.Context) (job.Stats, error)
}

type Handler struct {
	service  StatsReader
	interval time.Duration
	upgrader websocket.Upgrader
}

func NewHandler(s StatsReader, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Handler{
		service:  s,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting job stats", "correlationId", correlationID)

	st, err := h.service.GetJobStats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load job stats", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to load job stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": st}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// Stream upgrades to a WebSocket and pushes a stats snapshot every interval
// until the client goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		slog.WarnContext(ctx, "stats stream upgrade failed", "error", err, "correlationId", correlationID)
		return
	}
	defer conn.Close()

	slog.InfoContext(ctx, "stats stream opened", "correlationId", correlationID)

	// Reads are only used to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.push(ctx, conn); err != nil {
			slog.InfoContext(ctx, "stats stream closed", "reason", err.Error(), "correlationId", correlationID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-closed:
			slog.InfoContext(ctx, "stats stream closed by client", "correlationId", correlationID)
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) push(ctx context.Context, conn *websocket.Conn) error {
	st, err := h.service.GetJobStats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load job stats for stream", "error", err)
		msg := map[string]interface{}{
			"error": map[string]string{"code": "INTERNAL_ERROR", "message": "failed to load job stats"},
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(map[string]interface{}{"data": st})
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
