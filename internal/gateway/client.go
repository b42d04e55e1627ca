package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 32

	defaultMaxMessageChars = 32000
)

// Client is one WebSocket connection. Reads happen on Run's goroutine,
// writes are serialized through the send channel so report pushes and
// broadcasts never interleave mid-frame.
type Client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	limiter *rate.Limiter

	send      chan any
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	var limiter *rate.Limiter
	if rpm := s.cfg.Gateway.RateLimitRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	maxChars := s.cfg.Gateway.MaxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	// UTF-8 worst case: four bytes per char.
	conn.SetReadLimit(int64(maxChars) * 4)

	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		limiter: limiter,
		send:    make(chan any, sendBuffer),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id root tasks are bound to.
func (c *Client) ID() string { return c.id }

// Send queues a frame for delivery. Frames to a slow client are dropped
// once the buffer fills rather than stalling the report engine.
func (c *Client) Send(frame any) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		slog.Warn("client send buffer full, frame dropped", "client", c.id)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Run drives the connection until it closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.dispatch(ctx, data)
	}
}

// dispatch handles one inbound frame. Unknown types get an error frame
// back instead of a dropped connection.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.Send(protocol.ErrorFrame{Type: protocol.FrameError, Error: "malformed frame"})
		return
	}

	switch head.Type {
	case protocol.FrameRequest:
		c.handleRequest(ctx, data)
	case protocol.FrameCancel:
		c.handleCancel(data)
	case protocol.FramePing:
		c.Send(map[string]string{"type": protocol.FramePong})
	default:
		c.Send(protocol.ErrorFrame{Type: protocol.FrameError, Error: "unknown frame type " + head.Type})
	}
}

func (c *Client) handleRequest(ctx context.Context, data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.Send(protocol.ErrorFrame{Type: protocol.FrameError, Error: "rate limit exceeded"})
		return
	}
	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(protocol.ErrorFrame{Type: protocol.FrameError, Error: "malformed request frame"})
		return
	}
	if req.Agent == "" || req.Content == "" {
		c.Send(protocol.ErrorFrame{Type: protocol.FrameError, Error: "request needs agent and content"})
		return
	}

	taskID, err := c.server.submit(ctx, c.id, req)
	if err != nil {
		slog.Warn("request rejected", "client", c.id, "agent", req.Agent, "error", err)
		c.Send(protocol.ErrorFrame{Type: protocol.FrameError, Error: err.Error()})
		return
	}
	c.Send(protocol.AckFrame{Type: protocol.FrameAck, TaskID: taskID, Agent: req.Agent})
}

func (c *Client) handleCancel(data []byte) {
	var req protocol.CancelFrame
	if err := json.Unmarshal(data, &req); err != nil || req.TaskID == "" {
		c.Send(protocol.ErrorFrame{Type: protocol.FrameError, Error: "malformed cancel frame"})
		return
	}
	if c.server.cancel(req.TaskID) {
		c.Send(protocol.StatusFrame{Type: protocol.FrameStatus, TaskID: req.TaskID, State: protocol.StatusCancelled})
		return
	}
	c.Send(protocol.ErrorFrame{Type: protocol.FrameError, TaskID: req.TaskID, Error: "no running task with that id"})
}
