package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/logger"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // auth is via token
	},
}

// Hub streams session events to dashboard websocket clients. Every client is
// its own bus observer, so a slow browser only loses its own events.
type Hub struct {
	msgBus  *bus.MessageBus
	clients atomic.Int32
	done    chan struct{}
}

func NewHub(msgBus *bus.MessageBus) *Hub {
	return &Hub{msgBus: msgBus, done: make(chan struct{})}
}

// Run blocks until ctx ends, then closes every client stream.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	close(h.done)
}

func (h *Hub) ClientCount() int {
	return int(h.clients.Load())
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("dashboard", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	select {
	case <-h.done:
		conn.Close()
		return
	default:
	}

	events := h.msgBus.Subscribe()
	h.clients.Add(1)
	logger.DebugC("dashboard", "WebSocket client connected")
	defer func() {
		h.msgBus.Unsubscribe(events)
		h.clients.Add(-1)
		conn.Close()
		logger.DebugC("dashboard", "WebSocket client disconnected")
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		readUntilClosed(conn)
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(feedEvent(ev))
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClosed services pongs and returns once the client goes away.
func readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// feedEvent strips message bodies and credentials from ev. The dashboard
// sees who talked and how much, never what was said.
func feedEvent(ev bus.Event) bus.Event {
	ev.Credentials = nil
	if ev.Message != nil {
		msg := *ev.Message
		msg.Conversation, msg.ExtendedText, msg.Caption = "", "", ""
		msg.Raw = nil
		ev.Message = &msg
	}
	if ev.Outbound != nil {
		out := *ev.Outbound
		if out.Bytes == 0 {
			out.Bytes = len(out.Content)
		}
		out.Content = ""
		ev.Outbound = &out
	}
	return ev
}
