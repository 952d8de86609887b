package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	maxMsgSize = 4 << 20
)

// client is one WebSocket connection. Reads happen on the run goroutine,
// writes are serialized through the send channel.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan any
	once sync.Once
	done chan struct{}
}

func newClient(conn *websocket.Conn, s *Server) *client {
	return &client{
		id:     store.NewID("cli"),
		conn:   conn,
		server: s,
		send:   make(chan any, 64),
		done:   make(chan struct{}),
	}
}

func (c *client) run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil || req.Type != protocol.FrameRequest {
			c.enqueue(protocol.ErrResponse("", "invalid_state", "malformed frame"))
			continue
		}

		if !c.server.allowRPC() {
			c.enqueue(protocol.ErrResponse(req.ID, "backend_unavailable", "rate limit exceeded"))
			continue
		}

		// Handlers may block (tool calls, waits); keep the read loop free.
		go func(req protocol.RequestFrame) {
			c.enqueue(c.server.router.dispatch(ctx, &req))
		}(req)
	}
}

func (s *Server) allowRPC() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (c *client) sendEvent(ev protocol.EventFrame) {
	c.enqueue(&ev)
}

// enqueue drops frames when the client cannot keep up; events are
// best-effort and responses to a stalled client are useless anyway.
func (c *client) enqueue(v any) {
	select {
	case c.send <- v:
	case <-c.done:
	default:
		c.server.logger.Warn("client send buffer full, dropping frame", "client_id", c.id)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
