package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shineum/mailcatcher-lite/internal/broker"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// frame is a WebSocket event message.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type streamHandler struct {
	events   *broker.Broker
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func newStreamHandler(events *broker.Broker, allowedOrigins []string, log *zap.Logger) *streamHandler {
	return &streamHandler{
		events:   events,
		upgrader: newUpgrader(allowedOrigins),
		log:      log,
	}
}

// newUpgrader creates a WebSocket upgrader that checks the Origin header
// against the allowed list. Requests without an Origin are not from a
// browser and are accepted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// serveSSE streams events as Server-Sent Events until the client goes
// away or the subscriber is closed.
func (s *streamHandler) serveSSE(c *gin.Context) {
	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	log := s.log.With(zap.String("subscriber", sub.ID), zap.String("stream", "sse"))
	log.Info("event stream opened", zap.String("ip", c.ClientIP()))
	defer func() {
		log.Info("event stream closed", zap.Uint64("dropped_events", sub.Dropped()))
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	// Send the headers right away so clients see the stream open.
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(ev.Name(), ev.Data())
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// serveWS streams events as JSON frames over a WebSocket.
func (s *streamHandler) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied.
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	log := s.log.With(zap.String("subscriber", sub.ID), zap.String("stream", "ws"))
	log.Info("event stream opened", zap.String("ip", c.ClientIP()))
	defer func() {
		log.Info("event stream closed", zap.Uint64("dropped_events", sub.Dropped()))
	}()

	gone := make(chan struct{})
	go readPump(conn, gone)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(frame{Type: ev.Name(), Data: ev.Payload()}); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// readPump discards client messages and keeps the read deadline fresh
// through pongs. gone is closed once the connection fails.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
