// Package session manages the lifecycle of qshield sessions: creation on
// first join, destruction after an idle period, and reaping of silent
// connections.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/registry"
)

// StreamCloser stops a session's broadcast stream.
type StreamCloser interface {
	CloseSession(sessionID string)
}

// Options configures a Manager.
type Options struct {
	IdleTimeout       time.Duration // session kept this long after the last actor left
	ConnectionTimeout time.Duration // connections silent this long are reaped
	ReapInterval      time.Duration
}

// ActiveSession is a live session tracked by the Manager.
type ActiveSession struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`

	idleTimer *time.Timer
	gen       uint64 // bumped on every acquire; stale idle timers compare against it
}

// Manager owns session creation and teardown.
type Manager struct {
	store    *channel.Store
	registry *registry.Registry
	streams  StreamCloser
	opts     Options

	mu       sync.Mutex
	sessions map[string]*ActiveSession

	onCreated func(string)
	onDeleted func(string)
	reap      func(ctx context.Context, sessionID, connectionID string)

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. It subscribes to the registry's
// session-empty notifications to arm idle timers.
func NewManager(store *channel.Store, reg *registry.Registry, streams StreamCloser, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		registry: reg,
		streams:  streams,
		opts:     opts,
		sessions: make(map[string]*ActiveSession),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	reg.SetOnSessionEmpty(m.Release)
	return m
}

// SetOnSessionCreated sets the callback for session creation.
func (m *Manager) SetOnSessionCreated(fn func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreated = fn
}

// SetOnSessionDeleted sets the callback for session deletion.
func (m *Manager) SetOnSessionDeleted(fn func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeleted = fn
}

// SetReaper sets the function used to remove a stale connection.
func (m *Manager) SetReaper(fn func(ctx context.Context, sessionID, connectionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap = fn
}

// Acquire makes sure the session exists and cancels any pending idle
// teardown. It reports whether the session was created by this call.
func (m *Manager) Acquire(sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		sess.gen++
		if sess.idleTimer != nil {
			sess.idleTimer.Stop()
			sess.idleTimer = nil
		}
		m.mu.Unlock()
		return false
	}

	m.store.Create(sessionID)
	m.sessions[sessionID] = &ActiveSession{ID: sessionID, StartTime: m.now()}
	onCreated := m.onCreated
	m.mu.Unlock()

	log.Info().Str("session", sessionID).Msg("Session created")
	if onCreated != nil {
		onCreated(sessionID)
	}
	return true
}

// Release arms the idle timer if the session has no connections left.
func (m *Manager) Release(sessionID string) {
	if m.registry.Count(sessionID) > 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if sess.idleTimer != nil {
		sess.idleTimer.Stop()
	}
	gen := sess.gen
	sess.idleTimer = time.AfterFunc(m.opts.IdleTimeout, func() {
		m.expire(sessionID, gen)
	})
	log.Debug().Str("session", sessionID).Dur("after", m.opts.IdleTimeout).Msg("Session idle, teardown scheduled")
}

func (m *Manager) expire(sessionID string, gen uint64) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.gen != gen || m.registry.Count(sessionID) > 0 {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(sessionID, sess)
	m.mu.Unlock()

	log.Info().Str("session", sessionID).Msg("Session expired")
}

// DeleteSession destroys a session and its history. Deleting an unknown
// session is a no-op.
func (m *Manager) DeleteSession(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(sessionID, sess)
	m.mu.Unlock()

	log.Info().Str("session", sessionID).Msg("Session destroyed")
}

// teardownLocked removes every trace of a session. It runs under m.mu so a
// concurrent Acquire either sees the live session or creates a fresh one.
func (m *Manager) teardownLocked(sessionID string, sess *ActiveSession) {
	if sess.idleTimer != nil {
		sess.idleTimer.Stop()
	}
	delete(m.sessions, sessionID)
	m.store.Drop(sessionID)
	m.registry.DropSession(sessionID)
	if m.streams != nil {
		m.streams.CloseSession(sessionID)
	}
	if m.onDeleted != nil {
		m.onDeleted(sessionID)
	}
}

// Exists reports whether the session is live.
func (m *Manager) Exists(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// GetActiveSessionCount returns the number of live sessions.
func (m *Manager) GetActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// GetAllSessions returns the live sessions ordered by start time.
func (m *Manager) GetAllSessions() []ActiveSession {
	m.mu.Lock()
	out := make([]ActiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, ActiveSession{ID: s.ID, StartTime: s.StartTime})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Start runs the connection reaper until ShutdownAll.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.ReapStale()
			}
		}
	}()
}

// ReapStale removes connections silent for longer than the connection
// timeout. It returns how many were reaped.
func (m *Manager) ReapStale() int {
	m.mu.Lock()
	reap := m.reap
	m.mu.Unlock()

	stale := m.registry.Stale(m.now().Add(-m.opts.ConnectionTimeout))
	for _, c := range stale {
		log.Info().
			Str("session", c.SessionID).
			Str("connectionId", c.ID).
			Str("role", string(c.Role)).
			Time("lastSeen", c.LastSeen).
			Msg("Reaping stale connection")
		if reap != nil {
			reap(m.ctx, c.SessionID, c.ID)
		} else {
			m.registry.Leave(c.SessionID, c.ID)
		}
	}
	return len(stale)
}

// ShutdownAll stops the reaper and destroys every session.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for session reaper")
	}

	m.mu.Lock()
	n := len(m.sessions)
	for id, sess := range m.sessions {
		m.teardownLocked(id, sess)
	}
	m.mu.Unlock()

	log.Info().Int("sessions", n).Msg("All sessions destroyed")
}
