// Package sse serves actor connections over Server-Sent Events. An SSE
// connection joins a session as a role and receives that role's events;
// actions are sent over REST with the token from the connected frame.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/broadcast"
	"github.com/thebtf/qshield/internal/ingress"
	"github.com/thebtf/qshield/internal/registry"
	"github.com/thebtf/qshield/internal/telemetry"
	"github.com/thebtf/qshield/pkg/models"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	// Prevents blocking on stale connections.
	WriteTimeout = 2 * time.Second

	// KeepAliveInterval is the comment ping period. A successful ping also
	// refreshes the connection's liveness.
	KeepAliveInterval = 15 * time.Second
)

// Actors is the part of the ingress API an SSE connection uses.
type Actors interface {
	Join(ctx context.Context, sessionID, connectionID string, role models.Role, sink registry.Sink) (ingress.JoinResult, error)
	Disconnect(ctx context.Context, sessionID, connectionID string) error
	Heartbeat(sessionID, connectionID string) error
}

// TokenIssuer signs actor tokens.
type TokenIssuer interface {
	Issue(sessionID, connectionID string, role models.Role) (string, error)
}

// Client represents a connected SSE client.
type Client struct {
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Sink      *broadcast.QueueSink
	Done      chan struct{}
	ID        string
	SessionID string
	Role      models.Role
}

// ConnectedFrame is the first frame of every actor connection.
type ConnectedFrame struct {
	Type         string              `json:"type"`
	ConnectionID string              `json:"connection_id"`
	Session      string              `json:"session"`
	Role         models.Role         `json:"role"`
	Token        string              `json:"token"`
	Snapshot     any                 `json:"snapshot"`
	Roles        map[models.Role]int `json:"roles"`
}

// Broadcaster manages SSE actor connections.
type Broadcaster struct {
	actors     Actors
	tokens     TokenIssuer
	bufferSize int
	metrics    *telemetry.Instruments

	clients map[string]*Client
	mu      sync.RWMutex
}

// NewBroadcaster creates a new SSE broadcaster. A nil metrics uses the
// global instruments.
func NewBroadcaster(actors Actors, tokens TokenIssuer, bufferSize int, metrics *telemetry.Instruments) *Broadcaster {
	if metrics == nil {
		metrics = telemetry.Default()
	}
	return &Broadcaster{
		actors:     actors,
		tokens:     tokens,
		bufferSize: bufferSize,
		metrics:    metrics,
		clients:    make(map[string]*Client),
	}
}

// AddClient adds a new SSE client connection.
func (b *Broadcaster) AddClient(w http.ResponseWriter, sessionID string, role models.Role) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	client := &Client{
		ID:        "sse_" + uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Writer:    w,
		Flusher:   flusher,
		Sink:      broadcast.NewQueueSink(b.bufferSize),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client.ID] = client
	clientCount := len(b.clients)
	b.mu.Unlock()
	b.metrics.ConnectionDelta(context.Background(), 1)

	log.Debug().
		Str("clientId", client.ID).
		Str("session", sessionID).
		Str("role", string(role)).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client, nil
}

// RemoveClient removes a client connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, exists := b.clients[client.ID]
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	if exists {
		close(client.Done)
		b.metrics.ConnectionDelta(context.Background(), -1)
	}
	client.Sink.Close()

	log.Debug().
		Str("clientId", client.ID).
		Int("totalClients", clientCount).
		Msg("SSE client disconnected")
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// writeToClient writes one SSE message, giving up after WriteTimeout.
func (b *Broadcaster) writeToClient(client *Client, message []byte) error {
	rc := http.NewResponseController(client.Writer)
	_ = rc.SetWriteDeadline(time.Now().Add(WriteTimeout))
	defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()

	if _, err := client.Writer.Write(message); err != nil {
		return err
	}
	client.Flusher.Flush()
	return nil
}

// HandleSSE joins the session named by the route and streams its events
// until the client goes away or the connection is reaped.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request, sessionID string, role models.Role) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client, err := b.AddClient(w, sessionID, role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	ctx := r.Context()
	joined, err := b.actors.Join(ctx, sessionID, client.ID, role, client.Sink)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer func() {
		if err := b.actors.Disconnect(context.WithoutCancel(ctx), sessionID, client.ID); err != nil {
			log.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to leave session")
		}
	}()

	token, err := b.tokens.Issue(sessionID, client.ID, role)
	if err != nil {
		log.Error().Err(err).Str("clientId", client.ID).Msg("Failed to issue actor token")
		return
	}
	hello, err := json.Marshal(ConnectedFrame{
		Type:         "connected",
		ConnectionID: client.ID,
		Session:      sessionID,
		Role:         role,
		Token:        token,
		Snapshot:     joined.Snapshot,
		Roles:        joined.Roles,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal connected frame")
		return
	}
	if err := b.writeToClient(client, formatMessage(hello)); err != nil {
		return
	}

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-client.Sink.C():
			if !ok {
				// Reaped or disconnected elsewhere
				return
			}
			if err := b.writeToClient(client, formatMessage(frame)); err != nil {
				log.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to write to SSE client")
				return
			}
		case <-ticker.C:
			if err := b.writeToClient(client, []byte(": ping\n\n")); err != nil {
				return
			}
			_ = b.actors.Heartbeat(sessionID, client.ID)
		}
	}
}

func formatMessage(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, '\n', '\n')
}
