package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/middleware"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// StreamMessage is one live tail message.
type StreamMessage struct {
	Type  string       `json:"type"`
	Entry *audit.Entry `json:"entry,omitempty"`
}

// stream handles GET /audit/scopes/{scope}/stream. Each entry appended to
// the scope after the connection opens is sent as a JSON text message. A
// subscriber that falls behind is disconnected and must resume from the
// head.
func (h *AuditHandlers) stream(w http.ResponseWriter, r *http.Request, scopeID string) {
	ctx := r.Context()
	if h.broadcaster == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Live stream is not enabled")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"scope_id", scopeID,
		)
		return
	}

	sub := h.broadcaster.Subscribe(scopeID)
	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "websocket client subscribed to audit stream",
		"scope_id", scopeID,
		"request_id", requestID,
	)

	defer func() {
		h.broadcaster.Unsubscribe(sub)
		conn.Close()
		slog.InfoContext(ctx, "websocket client unsubscribed",
			"scope_id", scopeID,
			"request_id", requestID,
		)
	}()

	// Read to detect disconnection and to process pongs; clients are not
	// expected to send messages.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.WarnContext(ctx, "websocket connection closed unexpectedly",
						"error", err,
						"scope_id", scopeID,
					)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				// dropped for falling behind
				_ = conn.WriteJSON(StreamMessage{Type: "lagged"})
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber fell behind"))
				return
			}
			if err := conn.WriteJSON(StreamMessage{Type: "entry", Entry: entry}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkOrigin accepts requests without an Origin header, same-origin
// requests and the configured origins.
func (h *AuditHandlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
