// Package ws serves actor connections over WebSocket. A connection joins a
// session as a role, receives that role's events and sends actions as
// {"type", "payload"} frames.
package ws

import (
	"context"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/thebtf/qshield/internal/broadcast"
	"github.com/thebtf/qshield/internal/ingress"
	"github.com/thebtf/qshield/internal/telemetry"
	"github.com/thebtf/qshield/pkg/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// TokenIssuer signs actor tokens.
type TokenIssuer interface {
	Issue(sessionID, connectionID string, role models.Role) (string, error)
}

// Options tunes the handler.
type Options struct {
	SendBuffer     int
	ActionRate     float64
	ActionBurst    int
	AllowedOrigins []string
	Metrics        *telemetry.Instruments
}

// Handler upgrades requests to actor connections.
type Handler struct {
	ctx      context.Context
	svc      *ingress.Service
	tokens   TokenIssuer
	opts     Options
	upgrader websocket.Upgrader
	active   atomic.Int64
}

// NewHandler creates a Handler. Connections are closed when ctx ends.
func NewHandler(ctx context.Context, svc *ingress.Service, tokens TokenIssuer, opts Options) *Handler {
	if opts.ActionRate <= 0 {
		opts.ActionRate = 5
	}
	if opts.ActionBurst <= 0 {
		opts.ActionBurst = 10
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Default()
	}
	h := &Handler{ctx: ctx, svc: svc, tokens: tokens, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(h.opts.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, origin)
}

// Count returns the number of open WebSocket connections.
func (h *Handler) Count() int {
	return int(h.active.Load())
}

// ServeHTTP handles GET /ws?session=&role=.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	role, err := models.ParseRole(r.URL.Query().Get("role"))
	if sessionID == "" || err != nil {
		http.Error(w, "session and a valid role are required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &conn{
		h:       h,
		ws:      ws,
		id:      "ws_" + uuid.NewString(),
		session: sessionID,
		role:    role,
		sink:    broadcast.NewQueueSink(h.opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.opts.ActionRate), h.opts.ActionBurst),
		done:    make(chan struct{}),
	}
	h.active.Add(1)
	h.opts.Metrics.ConnectionDelta(h.ctx, 1)
	defer func() {
		h.active.Add(-1)
		h.opts.Metrics.ConnectionDelta(context.WithoutCancel(h.ctx), -1)
	}()
	c.run()
}

// Inbound is a frame sent by an actor.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is a direct answer to one connection.
type Reply struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ConnectedPayload is sent after a successful join.
type ConnectedPayload struct {
	ConnectionID string              `json:"connection_id"`
	Session      string              `json:"session"`
	Role         models.Role         `json:"role"`
	Token        string              `json:"token"`
	Snapshot     any                 `json:"snapshot"`
	Roles        map[models.Role]int `json:"roles"`
}

type conn struct {
	h       *Handler
	ws      *websocket.Conn
	id      string
	session string
	role    models.Role
	sink    *broadcast.QueueSink
	limiter *rate.Limiter
	done    chan struct{}
}

func (c *conn) run() {
	defer close(c.done)
	defer c.ws.Close()

	ctx := c.h.ctx
	hello, err := c.join(ctx, c.session, c.role)
	if err == nil {
		err = c.writeDirect(hello)
	}
	if err != nil {
		_ = c.writeDirect(Reply{Type: "error", Payload: ingress.NewErrorBody(err)})
		_ = c.h.svc.Disconnect(context.WithoutCancel(ctx), c.session, c.id)
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			c.sink.Close()
		case <-c.done:
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	c.readPump(ctx)
	if err := c.h.svc.Disconnect(context.WithoutCancel(ctx), c.session, c.id); err != nil {
		log.Warn().Err(err).Str("connectionId", c.id).Msg("Failed to leave session")
	}
	c.sink.Close()
	<-pumpDone
}

// join registers the connection and builds its connected frame.
func (c *conn) join(ctx context.Context, sessionID string, role models.Role) (Reply, error) {
	joined, err := c.h.svc.Join(ctx, sessionID, c.id, role, c.sink)
	if err != nil {
		return Reply{}, err
	}
	c.session, c.role = sessionID, role

	token, err := c.h.tokens.Issue(sessionID, c.id, role)
	if err != nil {
		return Reply{}, err
	}
	hello := Reply{Type: "connected", Payload: ConnectedPayload{
		ConnectionID: c.id,
		Session:      sessionID,
		Role:         role,
		Token:        token,
		Snapshot:     joined.Snapshot,
		Roles:        joined.Roles,
	}}
	log.Info().Str("session", sessionID).Str("connectionId", c.id).Str("role", string(role)).Msg("Actor connected")
	return hello, nil
}

// writeDirect writes before the write pump starts.
func (c *conn) writeDirect(r Reply) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// reply queues a direct answer behind the events already queued.
func (c *conn) reply(typ string, payload any) {
	if c.sink.Closed() {
		return
	}
	data, err := json.Marshal(Reply{Type: typ, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("Failed to marshal reply")
		return
	}
	if err := c.sink.Send(data); err != nil {
		log.Debug().Err(err).Str("connectionId", c.id).Msg("Reply dropped")
	}
}

func (c *conn) replyErr(err error) {
	c.reply("error", ingress.NewErrorBody(err))
}

// readPump reads frames until the peer goes away or leaves.
func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.h.svc.Heartbeat(c.session, c.id)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connectionId", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyErr(errMalformed)
			continue
		}
		if !c.handle(ctx, msg) {
			return
		}
	}
}

// writePump drains the sink to the socket and keeps the peer alive.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sink.C():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Sink closed: leave, reap or shutdown
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
