// Package broadcast delivers session events to actor connections, one ordered
// stream per session.
package broadcast

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/registry"
	"github.com/thebtf/qshield/internal/telemetry"
	"github.com/thebtf/qshield/pkg/models"
)

// Targets resolves the live connections of a role.
type Targets interface {
	ConnectionsForRole(sessionID string, role models.Role) []registry.Connection
}

// VisibilityFor returns the roles that receive an event of kind given the
// channel state at publish time. Secure messages are addressed with
// MessageVisibility instead.
func VisibilityFor(kind models.EventKind, state models.ChannelState) models.RoleSet {
	switch kind {
	case models.EventDataEncrypted:
		v := models.NewRoleSet(models.RoleReceiver)
		if state.EveActive {
			v = v.With(models.RoleEavesdropper)
		}
		return v
	case models.EventSecureMessage:
		return 0
	default:
		return models.RolesAll
	}
}

// MessageVisibility returns the roles allowed to see m.
func MessageVisibility(m models.SecureMessage) models.RoleSet {
	return models.NewRoleSet(m.Sender, m.Recipient)
}

type item struct {
	ev      models.Event
	flushed chan struct{}
}

type stream struct {
	sessionID string
	mu        sync.Mutex
	queue     []item
	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
}

func (s *stream) push(it item) {
	s.mu.Lock()
	s.queue = append(s.queue, it)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) pop() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return item{}, false
	}
	it := s.queue[0]
	s.queue[0] = item{}
	s.queue = s.queue[1:]
	return it, true
}

// Broadcaster fans events out to the connections matching their visibility.
// Publish only enqueues; a dispatcher goroutine per session delivers events
// in publish order, so every subscriber sees the session's events in the same
// relative order. Delivery is at-most-once with no replay.
type Broadcaster struct {
	targets Targets
	metrics *telemetry.Instruments

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	cbMu               sync.RWMutex
	onTransportFailure func(sessionID, connectionID string, err error)
}

// New creates a Broadcaster resolving recipients through targets.
func New(targets Targets) *Broadcaster {
	return &Broadcaster{
		targets: targets,
		metrics: telemetry.Default(),
		streams: make(map[string]*stream),
	}
}

// SetOnTransportFailure sets the callback for failed deliveries. It runs on
// its own goroutine.
func (b *Broadcaster) SetOnTransportFailure(fn func(sessionID, connectionID string, err error)) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.onTransportFailure = fn
}

func (b *Broadcaster) stream(sessionID string, create bool) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[sessionID]; ok || !create || b.closed {
		return s
	}
	s := &stream{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	b.streams[sessionID] = s
	go b.run(s)
	return s
}

// Publish enqueues ev on the session's stream. It never blocks.
func (b *Broadcaster) Publish(sessionID string, ev models.Event) {
	s := b.stream(sessionID, true)
	if s == nil {
		return
	}
	s.push(item{ev: ev})
}

// Flush waits until every event published to the session before the call
// has been handed to its connections.
func (b *Broadcaster) Flush(ctx context.Context, sessionID string) error {
	s := b.stream(sessionID, false)
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.push(item{flushed: done})
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSession stops the session's stream. Undelivered events are dropped.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	s, ok := b.streams[sessionID]
	delete(b.streams, sessionID)
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// Close stops all streams and rejects further publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	streams := b.streams
	b.streams = make(map[string]*stream)
	b.closed = true
	b.mu.Unlock()
	for _, s := range streams {
		close(s.done)
	}
}

// StreamCount returns the number of live session streams.
func (b *Broadcaster) StreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Broadcaster) run(s *stream) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			select {
			case <-s.done:
				return
			default:
			}
			it, ok := s.pop()
			if !ok {
				break
			}
			if it.flushed != nil {
				close(it.flushed)
				continue
			}
			b.dispatch(it.ev)
		}
	}
}

func (b *Broadcaster) dispatch(ev models.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("session", ev.SessionID).Str("kind", string(ev.Kind)).Msg("Failed to marshal event")
		return
	}

	ctx := context.Background()
	b.metrics.EventPublished(ctx, string(ev.Kind))

	delivered := 0
	for _, role := range ev.Visibility.Roles() {
		for _, c := range b.targets.ConnectionsForRole(ev.SessionID, role) {
			if c.Sink == nil {
				continue
			}
			if err := c.Sink.Send(frame); err != nil {
				b.metrics.FrameDropped(ctx, err.Error())
				log.Warn().
					Err(err).
					Str("session", ev.SessionID).
					Str("connectionId", c.ID).
					Str("kind", string(ev.Kind)).
					Msg("Event delivery failed, scheduling connection for reap")
				b.reportFailure(ev.SessionID, c.ID, err)
				continue
			}
			delivered++
		}
	}

	log.Debug().
		Str("session", ev.SessionID).
		Str("kind", string(ev.Kind)).
		Uint64("seq", ev.Seq).
		Int("delivered", delivered).
		Msg("Event dispatched")
}

func (b *Broadcaster) reportFailure(sessionID, connectionID string, err error) {
	b.cbMu.RLock()
	fn := b.onTransportFailure
	b.cbMu.RUnlock()
	if fn != nil {
		go fn(sessionID, connectionID, err)
	}
}
