package ingress

import (
	"context"
	"math"
	"time"

	"github.com/thebtf/qshield/internal/analytics"
	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/cipher"
	"github.com/thebtf/qshield/internal/gate"
	"github.com/thebtf/qshield/pkg/models"
)

// RecentEventCount is the number of journal entries in a security status.
const RecentEventCount = 10

// Snapshot returns the session's current state.
func (s *Service) Snapshot(sessionID string) (channel.Snapshot, error) {
	return s.store.GetSnapshot(sessionID)
}

// Transmissions returns the session's transmission log, oldest first.
func (s *Service) Transmissions(sessionID string) ([]models.Transmission, error) {
	snap, err := s.store.GetSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Transmission, len(snap.Transmissions))
	copy(out, snap.Transmissions)
	return out, nil
}

// Messages returns the messages participant may read, oldest first.
func (s *Service) Messages(sessionID string, participant models.Role) ([]models.SecureMessage, error) {
	snap, err := s.store.GetSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	out := []models.SecureMessage{}
	for _, m := range snap.Messages {
		if m.VisibleTo(participant) {
			out = append(out, m)
		}
	}
	return out, nil
}

// DecryptPolicy evaluates the decrypt gate on the session's current state.
func (s *Service) DecryptPolicy(sessionID string) (gate.Decision, error) {
	return s.gate.EvaluateDecrypt(sessionID)
}

// KeyStats describes the session's active key.
type KeyStats struct {
	KeyActive      bool       `json:"key_active"`
	GeneratedAt    *time.Time `json:"generated_at,omitempty"`
	FinalKeyLength int        `json:"final_key_length"`
	Fingerprint    string     `json:"key_hash,omitempty"`
}

// SecurityStatus is the security overview of a session.
type SecurityStatus struct {
	QBER           float64                `json:"qber"`
	EveActive      bool                   `json:"eve_active"`
	EveStrategy    *models.AttackStrategy `json:"eve_strategy"`
	KeyStatus      models.KeyStatus       `json:"key_status"`
	ThreatLevel    string                 `json:"threat_level"`
	SecurityLevel  models.SecurityLevel   `json:"security_level"`
	DecryptAllowed bool                   `json:"decrypt_allowed"`
	DenyReason     string                 `json:"deny_reason,omitempty"`
	RecentEvents   []models.SecurityEvent `json:"recent_events"`
	Analytics      analytics.Dashboard    `json:"analytics"`
	KeyStats       KeyStats               `json:"key_stats"`
}

// SecurityStatus returns the session's security overview.
func (s *Service) SecurityStatus(ctx context.Context, sessionID string) (SecurityStatus, error) {
	snap, err := s.store.GetSnapshot(sessionID)
	if err != nil {
		return SecurityStatus{}, err
	}
	ch := snap.Channel
	decision := gate.Evaluate(ch)

	events, err := s.journal.Recent(ctx, sessionID, RecentEventCount)
	if err != nil {
		return SecurityStatus{}, err
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}

	st := SecurityStatus{
		QBER:           math.Round(ch.QBER*100) / 100,
		EveActive:      ch.EveActive,
		KeyStatus:      ch.KeyStatus,
		ThreatLevel:    gate.ThreatLevel(ch.QBER),
		SecurityLevel:  decision.SecurityLevel,
		DecryptAllowed: decision.Allowed,
		DenyReason:     decision.Reason,
		RecentEvents:   events,
		Analytics:      s.analytics.Dashboard(sessionID),
		KeyStats: KeyStats{
			KeyActive:      ch.KeyStatus == models.KeyStatusSuccess,
			FinalKeyLength: len(ch.Key),
			Fingerprint:    cipher.Fingerprint(ch.Key),
		},
	}
	if ch.EveActive {
		strat := ch.EveStrategy
		st.EveStrategy = &strat
	}
	if !ch.KeyAt.IsZero() {
		at := ch.KeyAt
		st.KeyStats.GeneratedAt = &at
	}
	return st, nil
}

// SecurityEvents returns the session's retained security events, oldest first.
func (s *Service) SecurityEvents(ctx context.Context, sessionID string) ([]models.SecurityEvent, error) {
	if !s.store.Exists(sessionID) {
		return nil, ErrUnknownSession
	}
	events, err := s.journal.Recent(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}
	return events, nil
}

// AnalyticsDashboard returns the session's analytics view.
func (s *Service) AnalyticsDashboard(sessionID string) (analytics.Dashboard, error) {
	if !s.store.Exists(sessionID) {
		return analytics.Dashboard{}, ErrUnknownSession
	}
	return s.analytics.Dashboard(sessionID), nil
}

// RecordSummary is a catalog entry as listed to actors.
type RecordSummary struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	Diagnosis string `json:"diagnosis"`
	Encrypted bool   `json:"encrypted"`
}

// ListRecords lists the catalog. When sessionID names a live session,
// records with a logged transmission are flagged as encrypted.
func (s *Service) ListRecords(sessionID string) []RecordSummary {
	encrypted := map[string]bool{}
	if sessionID != "" {
		if snap, err := s.store.GetSnapshot(sessionID); err == nil {
			for _, t := range snap.Transmissions {
				encrypted[t.PatientID] = true
			}
		}
	}

	all := s.records.All()
	out := make([]RecordSummary, 0, len(all))
	for _, r := range all {
		out = append(out, RecordSummary{
			PatientID: r.PatientID,
			Name:      r.Name,
			Age:       r.Age,
			Diagnosis: r.Diagnosis,
			Encrypted: encrypted[r.PatientID],
		})
	}
	return out
}

// SearchRecords returns full records matching query.
func (s *Service) SearchRecords(query string) []models.PatientRecord {
	out := s.records.Search(query)
	if out == nil {
		out = []models.PatientRecord{}
	}
	return out
}
