// Package ingress is the single entry point for actor actions. It validates
// and normalizes each action, calls external collaborators without holding
// any session lock, and applies the outcome as one channel transaction.
package ingress

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/analytics"
	"github.com/thebtf/qshield/internal/broadcast"
	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/gate"
	"github.com/thebtf/qshield/internal/journal"
	"github.com/thebtf/qshield/internal/registry"
	"github.com/thebtf/qshield/internal/session"
	"github.com/thebtf/qshield/internal/simulator"
	"github.com/thebtf/qshield/internal/telemetry"
	"github.com/thebtf/qshield/pkg/models"
)

// Simulator runs quantum key exchanges.
type Simulator interface {
	Generate(ctx context.Context, req simulator.Request) (simulator.Result, error)
	Probe(ctx context.Context, attack simulator.Attack) (float64, error)
}

// Cipher encrypts records under the session key.
type Cipher interface {
	Encrypt(ctx context.Context, key, plaintext []byte) (*models.EncryptedPayload, error)
	Decrypt(ctx context.Context, key []byte, p *models.EncryptedPayload) ([]byte, error)
}

// RecordSource serves patient records.
type RecordSource interface {
	Get(patientID string) (models.PatientRecord, error)
	All() []models.PatientRecord
	Search(query string) []models.PatientRecord
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     *channel.Store
	Registry  *registry.Registry
	Sessions  *session.Manager
	Simulator Simulator
	Cipher    Cipher
	Records   RecordSource
	Journal   journal.Journal
	Analytics *analytics.Tracker
	Metrics   *telemetry.Instruments
}

// Config tunes a Service.
type Config struct {
	// CallTimeout bounds every simulator and cipher call.
	CallTimeout time.Duration
	// DefaultKeyLength is used when an action does not name a key length.
	DefaultKeyLength int
	// PurgeJournal deletes a session's security events when it is destroyed.
	PurgeJournal bool
}

// Service implements the actor actions and queries.
type Service struct {
	store     *channel.Store
	registry  *registry.Registry
	sessions  *session.Manager
	gate      *gate.Gate
	sim       Simulator
	cipher    Cipher
	records   RecordSource
	journal   journal.Journal
	analytics *analytics.Tracker
	metrics   *telemetry.Instruments
	cfg       Config
}

// New creates a Service and hooks it into the session lifecycle.
func New(deps Deps, cfg Config) *Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.DefaultKeyLength <= 0 {
		cfg.DefaultKeyLength = 100
	}
	if deps.Journal == nil {
		deps.Journal = journal.NewMemory()
	}
	if deps.Analytics == nil {
		deps.Analytics = analytics.NewTracker()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Default()
	}

	s := &Service{
		store:     deps.Store,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		gate:      gate.New(deps.Store),
		sim:       deps.Simulator,
		cipher:    deps.Cipher,
		records:   deps.Records,
		journal:   deps.Journal,
		analytics: deps.Analytics,
		metrics:   deps.Metrics,
		cfg:       cfg,
	}
	s.sessions.SetOnSessionDeleted(s.onSessionDeleted)
	s.sessions.SetReaper(func(ctx context.Context, sessionID, connectionID string) {
		_ = s.Disconnect(ctx, sessionID, connectionID)
	})
	return s
}

func (s *Service) onSessionDeleted(sessionID string) {
	s.analytics.Drop(sessionID)
	if s.cfg.PurgeJournal {
		if err := s.journal.Drop(context.Background(), sessionID); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("Failed to purge security events")
		}
	}
}

func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

// JoinResult is returned to a joining connection.
type JoinResult struct {
	Snapshot channel.Snapshot    `json:"snapshot"`
	Roles    map[models.Role]int `json:"roles"`
}

// Join registers a connection under role, creating the session on first
// join. Joining again with the same role is a no-op; a different role moves
// the connection.
func (s *Service) Join(ctx context.Context, sessionID, connectionID string, role models.Role, sink registry.Sink) (JoinResult, error) {
	if sessionID == "" || connectionID == "" {
		return JoinResult{}, invalid("session and connection ids are required")
	}
	if !role.Valid() {
		return JoinResult{}, invalid("unknown role %q", role)
	}

	s.sessions.Acquire(sessionID)
	moved, err := s.registry.Join(sessionID, connectionID, role, sink)
	if err != nil {
		s.sessions.Release(sessionID)
		return JoinResult{}, invalid("%v", err)
	}

	var vacated models.Role
	if moved.RoleVacated {
		vacated = moved.Role
	}
	snap, err := s.emitPresence(sessionID, vacated)
	if err != nil {
		s.registry.Leave(sessionID, connectionID)
		return JoinResult{}, err
	}
	s.metrics.Action(ctx, "join", true)

	return JoinResult{Snapshot: snap, Roles: s.registry.RoleCounts(sessionID)}, nil
}

// Leave removes a connection. Unknown sessions and connections are a no-op.
func (s *Service) Leave(ctx context.Context, sessionID, connectionID string) error {
	res := s.registry.Leave(sessionID, connectionID)
	if !res.Removed {
		return nil
	}

	var vacated models.Role
	if res.RoleVacated {
		vacated = res.Role
	}
	if _, err := s.emitPresence(sessionID, vacated); err != nil && !errors.Is(err, ErrUnknownSession) {
		return err
	}
	s.metrics.Action(ctx, "leave", true)
	return nil
}

func (s *Service) emitPresence(sessionID string, vacated models.Role) (channel.Snapshot, error) {
	return s.store.Update(sessionID, func(tx *channel.Tx) error {
		tx.Emit(models.EventActorStatus, models.ActorStatusPayload{
			Roles:   s.registry.RoleCounts(sessionID),
			Vacated: vacated,
		}, broadcast.VisibilityFor(models.EventActorStatus, tx.State()))
		return nil
	})
}

// Heartbeat marks a connection as alive.
func (s *Service) Heartbeat(sessionID, connectionID string) error {
	if !s.registry.Touch(sessionID, connectionID) {
		return ErrUnknownConnection
	}
	return nil
}

// Authorize returns the registered connection, refreshing its liveness.
func (s *Service) Authorize(sessionID, connectionID string) (registry.Connection, error) {
	if !s.store.Exists(sessionID) {
		return registry.Connection{}, ErrUnknownSession
	}
	c, ok := s.registry.Lookup(sessionID, connectionID)
	if !ok {
		return registry.Connection{}, ErrUnknownConnection
	}
	s.registry.Touch(sessionID, connectionID)
	return c, nil
}

// record journals a security event and broadcasts it to every role. It must
// be called outside any session lock. Events for a destroyed session are
// dropped.
func (s *Service) record(ctx context.Context, sessionID, typ, msg string, sev models.Severity, details map[string]any) {
	ev := models.SecurityEvent{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Message:   msg,
		Severity:  sev,
		Details:   details,
	}
	jctx := context.WithoutCancel(ctx)

	// A purged journal is appended under the session lock so an append
	// cannot land after the session's history was dropped.
	var appendErr error
	_, err := s.store.Update(sessionID, func(tx *channel.Tx) error {
		tx.Emit(models.EventSecurityEvent, ev, broadcast.VisibilityFor(models.EventSecurityEvent, tx.State()))
		if s.cfg.PurgeJournal {
			appendErr = s.journal.Append(jctx, ev)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrUnknownSession):
		log.Debug().Str("session", sessionID).Str("type", typ).Msg("Security event for destroyed session dropped")
		return
	case err != nil:
		log.Warn().Err(err).Str("session", sessionID).Str("type", typ).Msg("Failed to broadcast security event")
	}
	if !s.cfg.PurgeJournal {
		appendErr = s.journal.Append(jctx, ev)
	}
	if appendErr != nil {
		log.Warn().Err(appendErr).Str("session", sessionID).Str("type", typ).Msg("Failed to record security event")
	}

	logEv := log.Info()
	switch sev {
	case models.SeverityWarning, models.SeverityHigh, models.SeverityCritical:
		logEv = log.Warn()
	case models.SeverityError:
		logEv = log.Error()
	}
	logEv.Str("session", sessionID).Str("type", typ).Msg(msg)
}

// Disconnect removes a connection and closes its sink so the transport
// shuts down. Unknown connections are a no-op.
func (s *Service) Disconnect(ctx context.Context, sessionID, connectionID string) error {
	c, ok := s.registry.Lookup(sessionID, connectionID)
	err := s.Leave(ctx, sessionID, connectionID)
	if ok {
		if cl, ok := c.Sink.(interface{ Close() }); ok {
			cl.Close()
		}
	}
	return err
}
