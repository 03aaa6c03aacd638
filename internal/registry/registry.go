// Package registry tracks which live connection plays which actor role.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/pkg/models"
)

// ErrInvalidRole is returned when joining with a role outside the three actors.
var ErrInvalidRole = errors.New("invalid actor role")

// Sink delivers encoded frames to one live connection. Send must not block:
// it enqueues or fails.
type Sink interface {
	Send(frame []byte) error
}

// Connection maps a live transport connection to an actor role.
type Connection struct {
	ID        string      `json:"connection_id"`
	SessionID string      `json:"session"`
	Role      models.Role `json:"role"`
	JoinedAt  time.Time   `json:"joined_at"`
	LastSeen  time.Time   `json:"last_seen"`
	Sink      Sink        `json:"-"`
}

// LeaveResult describes the effect of a Leave call.
type LeaveResult struct {
	Removed      bool
	Role         models.Role
	RoleVacated  bool
	SessionEmpty bool
}

type roster struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func (r *roster) countRole(role models.Role) int {
	n := 0
	for _, c := range r.conns {
		if c.Role == role {
			n++
		}
	}
	return n
}

// Registry is the sole owner of Connection records. Each session has its own
// roster lock; the session map lock is only held for lookups.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*roster
	now      func() time.Time

	cbMu           sync.RWMutex
	onRoleVacated  func(sessionID string, role models.Role)
	onSessionEmpty func(sessionID string)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*roster),
		now:      time.Now,
	}
}

// SetOnRoleVacated sets the callback fired when the last connection of a role leaves.
func (r *Registry) SetOnRoleVacated(fn func(sessionID string, role models.Role)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onRoleVacated = fn
}

// SetOnSessionEmpty sets the callback fired when a session loses its last connection.
func (r *Registry) SetOnSessionEmpty(fn func(sessionID string)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onSessionEmpty = fn
}

func (r *Registry) roster(sessionID string, create bool) *roster {
	r.mu.RLock()
	ro := r.sessions[sessionID]
	r.mu.RUnlock()
	if ro != nil || !create {
		return ro
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ro = r.sessions[sessionID]; ro == nil {
		ro = &roster{conns: make(map[string]*Connection)}
		r.sessions[sessionID] = ro
	}
	return ro
}

// Join registers a connection under role. Joining again with the same role
// is a no-op apart from refreshing LastSeen. Joining with another role moves
// the connection; the returned result describes the vacated old role, if any.
func (r *Registry) Join(sessionID, connectionID string, role models.Role, sink Sink) (LeaveResult, error) {
	if !role.Valid() {
		return LeaveResult{}, ErrInvalidRole
	}

	ro := r.roster(sessionID, true)
	now := r.now()

	ro.mu.Lock()
	var moved LeaveResult
	if existing, ok := ro.conns[connectionID]; ok {
		if existing.Role == role {
			existing.LastSeen = now
			if sink != nil {
				existing.Sink = sink
			}
			ro.mu.Unlock()
			return LeaveResult{}, nil
		}
		moved = LeaveResult{Removed: true, Role: existing.Role}
		delete(ro.conns, connectionID)
		moved.RoleVacated = ro.countRole(existing.Role) == 0
		if sink == nil {
			sink = existing.Sink
		}
	}
	ro.conns[connectionID] = &Connection{
		ID:        connectionID,
		SessionID: sessionID,
		Role:      role,
		JoinedAt:  now,
		LastSeen:  now,
		Sink:      sink,
	}
	total := len(ro.conns)
	ro.mu.Unlock()

	log.Debug().
		Str("session", sessionID).
		Str("connectionId", connectionID).
		Str("role", string(role)).
		Int("connections", total).
		Msg("Actor joined")

	if moved.RoleVacated {
		r.fireRoleVacated(sessionID, moved.Role)
	}
	return moved, nil
}

// Leave removes a connection. Unknown sessions and connections are a no-op.
func (r *Registry) Leave(sessionID, connectionID string) LeaveResult {
	ro := r.roster(sessionID, false)
	if ro == nil {
		return LeaveResult{}
	}

	ro.mu.Lock()
	c, ok := ro.conns[connectionID]
	if !ok {
		ro.mu.Unlock()
		return LeaveResult{}
	}
	delete(ro.conns, connectionID)
	res := LeaveResult{
		Removed:      true,
		Role:         c.Role,
		RoleVacated:  ro.countRole(c.Role) == 0,
		SessionEmpty: len(ro.conns) == 0,
	}
	ro.mu.Unlock()

	log.Debug().
		Str("session", sessionID).
		Str("connectionId", connectionID).
		Str("role", string(c.Role)).
		Bool("roleVacated", res.RoleVacated).
		Msg("Actor left")

	if res.RoleVacated {
		r.fireRoleVacated(sessionID, c.Role)
	}
	if res.SessionEmpty {
		r.cbMu.RLock()
		fn := r.onSessionEmpty
		r.cbMu.RUnlock()
		if fn != nil {
			fn(sessionID)
		}
	}
	return res
}

func (r *Registry) fireRoleVacated(sessionID string, role models.Role) {
	r.cbMu.RLock()
	fn := r.onRoleVacated
	r.cbMu.RUnlock()
	if fn != nil {
		fn(sessionID, role)
	}
}

// Lookup returns a copy of a registered connection.
func (r *Registry) Lookup(sessionID, connectionID string) (Connection, bool) {
	ro := r.roster(sessionID, false)
	if ro == nil {
		return Connection{}, false
	}
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	c, ok := ro.conns[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// ConnectionsForRole returns copies of the session's connections with role,
// ordered by join time.
func (r *Registry) ConnectionsForRole(sessionID string, role models.Role) []Connection {
	ro := r.roster(sessionID, false)
	if ro == nil {
		return nil
	}
	ro.mu.RLock()
	out := make([]Connection, 0, len(ro.conns))
	for _, c := range ro.conns {
		if c.Role == role {
			out = append(out, *c)
		}
	}
	ro.mu.RUnlock()
	sortConnections(out)
	return out
}

// Connections returns copies of all connections of a session.
func (r *Registry) Connections(sessionID string) []Connection {
	ro := r.roster(sessionID, false)
	if ro == nil {
		return nil
	}
	ro.mu.RLock()
	out := make([]Connection, 0, len(ro.conns))
	for _, c := range ro.conns {
		out = append(out, *c)
	}
	ro.mu.RUnlock()
	sortConnections(out)
	return out
}

func sortConnections(cs []Connection) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].JoinedAt.Equal(cs[j].JoinedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].JoinedAt.Before(cs[j].JoinedAt)
	})
}

// RoleCounts returns the number of connections per role, all roles present.
func (r *Registry) RoleCounts(sessionID string) map[models.Role]int {
	counts := make(map[models.Role]int, len(models.AllRoles))
	for _, role := range models.AllRoles {
		counts[role] = 0
	}
	ro := r.roster(sessionID, false)
	if ro == nil {
		return counts
	}
	ro.mu.RLock()
	for _, c := range ro.conns {
		counts[c.Role]++
	}
	ro.mu.RUnlock()
	return counts
}

// Count returns the number of connections in a session.
func (r *Registry) Count(sessionID string) int {
	ro := r.roster(sessionID, false)
	if ro == nil {
		return 0
	}
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	return len(ro.conns)
}

// Touch refreshes a connection's LastSeen. It reports false for unknown connections.
func (r *Registry) Touch(sessionID, connectionID string) bool {
	ro := r.roster(sessionID, false)
	if ro == nil {
		return false
	}
	ro.mu.Lock()
	defer ro.mu.Unlock()
	c, ok := ro.conns[connectionID]
	if ok {
		c.LastSeen = r.now()
	}
	return ok
}

// Stale returns connections across all sessions not seen since cutoff.
func (r *Registry) Stale(cutoff time.Time) []Connection {
	r.mu.RLock()
	rosters := make([]*roster, 0, len(r.sessions))
	for _, ro := range r.sessions {
		rosters = append(rosters, ro)
	}
	r.mu.RUnlock()

	var out []Connection
	for _, ro := range rosters {
		ro.mu.RLock()
		for _, c := range ro.conns {
			if c.LastSeen.Before(cutoff) {
				out = append(out, *c)
			}
		}
		ro.mu.RUnlock()
	}
	return out
}

// DropSession forgets a session's roster without firing callbacks.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
