package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/couplequiz/internal/engine"
	"github.com/victornm/couplequiz/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Client message types.
const (
	TypeJoin   = "join"
	TypeAnswer = "answer"
	TypeLeave  = "leave"
)

// Engine is the realtime session engine the handler drives.
type Engine interface {
	Join(ctx context.Context, conn engine.Conn, sessionID, participantID string) error
	Answer(ctx context.Context, conn engine.Conn, a engine.Answer) error
	Leave(ctx context.Context, conn engine.Conn) error
	Disconnect(ctx context.Context, conn engine.Conn)
}

type (
	// ClientMessage is a message read from a client.
	ClientMessage struct {
		Type          string `json:"type"`
		SessionID     string `json:"session_id,omitempty"`
		ParticipantID string `json:"participant_id,omitempty"`
		Answer        string `json:"answer,omitempty"`
		Index         *int   `json:"index,omitempty"`
	}

	// ServerMessage is the envelope of every event written to a client.
	ServerMessage struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}
)

type Config struct {
	Engine Engine
	// CheckOrigin is passed to the websocket upgrader, nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

type Handler struct {
	engine   Engine
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

func NewHandler(c Config) *Handler {
	checkOrigin := c.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Handler{
		engine: c.Engine,
		conns:  make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Register mounts the websocket endpoint.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/ws", h.Serve)
}

// Serve upgrades the request and serves the connection until it closes.
// The optional session_id and participant_id query parameters join a session right away.
func (h *Handler) Serve(c *gin.Context) {
	if h.isClosed() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c, "realtime: upgrade failed", "error", err)
		return
	}

	conn := &Conn{id: uuid.NewString(), ws: ws}
	if !h.add(conn) {
		conn.close()
		return
	}
	defer h.remove(conn)
	defer conn.close()

	ctx := context.WithoutCancel(c.Request.Context())
	defer h.engine.Disconnect(ctx, conn)

	slog.DebugContext(ctx, "realtime: connected", "conn", conn.id, "remote", c.Request.RemoteAddr)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go conn.ping(done)

	if sessionID, participantID := c.Query("session_id"), c.Query("participant_id"); sessionID != "" || participantID != "" {
		h.handle(ctx, conn, ClientMessage{Type: TypeJoin, SessionID: sessionID, ParticipantID: participantID})
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.WarnContext(ctx, "realtime: read failed", "conn", conn.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			conn.sendError(ctx, errors.InvalidArgument("malformed message: %v", err))
			continue
		}

		h.handle(ctx, conn, msg)
	}
}

// Close closes every live connection and returns once each of them is disconnected from the engine.
// New connections are refused afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()

	slog.Info("realtime: closed connections", "count", len(conns))
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

func (h *Handler) add(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.conns[conn.id] = conn
	h.wg.Add(1)
	return true
}

func (h *Handler) remove(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()

	h.wg.Done()
}

func (h *Handler) handle(ctx context.Context, conn *Conn, msg ClientMessage) {
	var err error
	switch strings.ToLower(msg.Type) {
	case TypeJoin:
		err = h.engine.Join(ctx, conn, msg.SessionID, msg.ParticipantID)
	case TypeAnswer:
		err = h.engine.Answer(ctx, conn, engine.Answer{Answer: msg.Answer, Index: msg.Index})
	case TypeLeave:
		err = h.engine.Leave(ctx, conn)
	default:
		err = errors.InvalidArgument("unknown message type %q", msg.Type)
	}

	if err != nil {
		conn.sendError(ctx, err)
	}
}

// Conn is a websocket client connection. Writes are serialized, so Send is safe for concurrent use.
type Conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(event string, data any) error {
	b, err := json.Marshal(ServerMessage{Event: event, Data: data})
	if err != nil {
		return err
	}

	return c.write(websocket.TextMessage, b)
}

func (c *Conn) write(messageType int, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, b)
}

func (c *Conn) sendError(ctx context.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(ctx, "realtime: handle message failed", "conn", c.id, "error", err)
	}

	if err := c.Send(engine.EventError, e); err != nil {
		slog.WarnContext(ctx, "realtime: send error failed", "conn", c.id, "error", err)
	}
}

func (c *Conn) ping(done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.Close()
}
