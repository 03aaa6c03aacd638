// Package channel holds the authoritative per-session quantum-channel state
// together with the session's bounded history logs.
package channel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/pkg/models"
)

var (
	// ErrUnknownSession is returned for operations on a session that is not tracked.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvariant marks a transaction that would break a state invariant.
	// Reaching it is a programming error in the caller.
	ErrInvariant = errors.New("channel state invariant violated")
	// ErrInvalidPatch is returned for patches with out-of-range values.
	ErrInvalidPatch = errors.New("invalid channel patch")
	// ErrUnknownTransmission is returned when a transmission is not in the log.
	ErrUnknownTransmission = errors.New("unknown transmission")
)

// Publisher receives the events of committed transactions, in commit order.
// Publish is called while the session's exclusive section is held, so it must
// only enqueue and never block.
type Publisher interface {
	Publish(sessionID string, ev models.Event)
}

// Snapshot is an immutable view of a session. Slices are shared with the
// store and must be treated as read-only.
type Snapshot struct {
	SessionID     string                 `json:"session"`
	Version       uint64                 `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Channel       models.ChannelState    `json:"channel"`
	Transmissions []models.Transmission  `json:"transmissions"`
	Messages      []models.SecureMessage `json:"-"`
}

type sessionState struct {
	mu      sync.Mutex // serializes writers
	snap    atomic.Pointer[Snapshot]
	seq     uint64
	dropped bool
}

// Store owns one channel state per session. Writers of a session are
// serialized; different sessions never contend beyond the map lookup.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionState
	publisher Publisher
	now       func() time.Time
}

// NewStore creates a Store that hands emitted events to pub (may be nil).
func NewStore(pub Publisher) *Store {
	return &Store{
		sessions:  make(map[string]*sessionState),
		publisher: pub,
		now:       time.Now,
	}
}

// Create registers a session with an initial state. It reports false when
// the session already existed.
func (s *Store) Create(sessionID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[sessionID]; ok {
		return *st.snap.Load(), false
	}

	now := s.now()
	st := &sessionState{}
	st.snap.Store(&Snapshot{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Channel:   models.ChannelState{KeyStatus: models.KeyStatusNone},
	})
	s.sessions[sessionID] = st
	return *st.snap.Load(), true
}

// Drop forgets a session. Transactions racing with Drop fail with
// ErrUnknownSession.
func (s *Store) Drop(sessionID string) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	st.mu.Lock()
	st.dropped = true
	st.mu.Unlock()
	return true
}

// Exists reports whether the session is tracked.
func (s *Store) Exists(sessionID string) bool {
	return s.lookup(sessionID) != nil
}

func (s *Store) lookup(sessionID string) *sessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// GetSnapshot returns the current state of a session. It never waits for
// writers.
func (s *Store) GetSnapshot(sessionID string) (Snapshot, error) {
	st := s.lookup(sessionID)
	if st == nil {
		return Snapshot{}, ErrUnknownSession
	}
	return *st.snap.Load(), nil
}

// Update runs fn as one transaction under the session's exclusive section.
// If fn returns an error nothing is committed and no event is published.
// Otherwise the new snapshot is published atomically and the transaction's
// events are handed to the Publisher in emission order.
func (s *Store) Update(sessionID string, fn func(tx *Tx) error) (Snapshot, error) {
	st := s.lookup(sessionID)
	if st == nil {
		return Snapshot{}, ErrUnknownSession
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.dropped {
		return Snapshot{}, ErrUnknownSession
	}

	cur := st.snap.Load()
	tx := &Tx{state: *cur, now: s.now()}
	if err := fn(tx); err != nil {
		if errors.Is(err, ErrInvariant) {
			log.Error().Err(err).Str("session", sessionID).Msg("Rejected transaction")
		}
		return Snapshot{}, err
	}

	if !tx.dirty && len(tx.events) == 0 {
		return *cur, nil
	}

	next := tx.state
	if tx.dirty {
		next.Version = cur.Version + 1
		next.UpdatedAt = tx.now
		st.snap.Store(&next)
	}

	if s.publisher != nil {
		for _, ev := range tx.events {
			st.seq++
			ev.Seq = st.seq
			ev.SessionID = sessionID
			ev.At = tx.now
			s.publisher.Publish(sessionID, ev)
		}
	}

	return next, nil
}

// ApplyUpdate merges p onto the session's channel state as one transaction.
func (s *Store) ApplyUpdate(sessionID string, p Patch) (Snapshot, error) {
	return s.Update(sessionID, func(tx *Tx) error {
		return tx.Apply(p)
	})
}
