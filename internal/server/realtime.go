package server

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/events"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	realtimeHeartbeatInterval = 30 * time.Second
	realtimeWriteTimeout      = 5 * time.Second
)

// handleEvents streams sync events over a websocket. The first frame carries
// the current connectivity so clients can render state before any change.
func (h *httpHandler) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Client frames are ignored; CloseRead cancels ctx when the peer leaves.
	ctx := conn.CloseRead(c.Request.Context())
	stream, cleanup := h.sync.Events().Subscribe(ctx)
	defer cleanup()

	initial := events.Event{Type: events.TypeNetworkChanged, Timestamp: time.Now().UTC()}
	if status, err := h.sync.Status(ctx); err == nil {
		initial.Online = status.IsOnline
	}
	if err := writeEvent(ctx, conn, initial); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-stream:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, realtimeWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Debug("websocket heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, realtimeWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// originPatterns turns CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			patterns = append(patterns, origin)
			continue
		}
		patterns = append(patterns, parsed.Host)
	}
	return patterns
}
