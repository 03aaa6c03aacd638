// Package journal records per-session security events, in memory or in a
// SQL database through GORM.
package journal

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/thebtf/qshield/pkg/models"
)

// Capacity is the number of events kept per session.
const Capacity = 100

// Journal stores security events.
type Journal interface {
	Append(ctx context.Context, ev models.SecurityEvent) error
	// Recent returns up to limit newest events, oldest first. A limit <= 0
	// returns everything retained.
	Recent(ctx context.Context, sessionID string, limit int) ([]models.SecurityEvent, error)
	Drop(ctx context.Context, sessionID string) error
	Close() error
}

// Open selects a backend from dsn. An empty dsn keeps events in memory;
// postgres:// and postgresql:// URLs use PostgreSQL; anything else is a
// SQLite path, optionally prefixed with "sqlite:" or "file:".
func Open(dsn string) (Journal, error) {
	switch {
	case dsn == "":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(dsn)
	default:
		path := strings.TrimPrefix(dsn, "sqlite:")
		if path == "" {
			return nil, fmt.Errorf("empty sqlite path in %q", dsn)
		}
		return OpenSQLite(path)
	}
}

// Memory is an in-process journal bounded to Capacity events per session.
type Memory struct {
	mu     sync.Mutex
	events map[string][]models.SecurityEvent
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{events: make(map[string][]models.SecurityEvent)}
}

func (m *Memory) Append(_ context.Context, ev models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := append(m.events[ev.SessionID], ev)
	if len(log) > Capacity {
		log = append([]models.SecurityEvent(nil), log[len(log)-Capacity:]...)
	}
	m.events[ev.SessionID] = log
	return nil
}

func (m *Memory) Recent(_ context.Context, sessionID string, limit int) ([]models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[sessionID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]models.SecurityEvent, len(log))
	copy(out, log)
	return out, nil
}

func (m *Memory) Drop(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, sessionID)
	return nil
}

func (m *Memory) Close() error { return nil }
