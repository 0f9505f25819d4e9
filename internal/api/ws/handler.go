// Package ws streams subsystem events to the browser layer over
// WebSocket.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/infrastructure/monitoring"
	"github.com/veilbrowse/torgate/internal/shared/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback; the browser layer is the only client.
		return true
	},
}

// Subscriber hands out event channels with a cancel function.
type Subscriber interface {
	Subscribe() (<-chan types.Event, func())
}

// Handler upgrades API clients to a WebSocket event stream. Each client
// gets its own subscription; a slow client only loses its own events.
type Handler struct {
	events  Subscriber
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a WebSocket handler over an event source.
func NewHandler(events Subscriber, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{events: events, logger: logger, metrics: metrics}
}

type envelope struct {
	Type     string       `json:"type"`
	ClientID string       `json:"client_id,omitempty"`
	Event    *types.Event `json:"event,omitempty"`
}

// HandleConnection upgrades the request and pumps events until the
// client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}
	h.logger.Debug("websocket client connected", zap.String("client_id", clientID))

	events, cancel := h.events.Subscribe()
	defer cancel()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(envelope{Type: "hello", ClientID: clientID}); err != nil {
		return
	}

	// Reader goroutine: only consumes control frames and detects close.
	readerDone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(envelope{Type: "event", Event: &ev}); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("client_id", clientID), zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}
