// Package gate decides whether decryption is permitted on a session's channel.
package gate

import (
	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/pkg/models"
)

// Threshold is the QBER above which the channel is treated as compromised.
// A QBER equal to the threshold is still allowed.
const Threshold = 11.0

// ElevatedThreshold is the QBER above which the threat level is raised.
const ElevatedThreshold = 5.0

// Deny reasons.
const (
	ReasonCompromised = "compromised channel"
	ReasonNoKey       = "no active key"
)

// Threat levels.
const (
	ThreatLow      = "LOW"
	ThreatElevated = "ELEVATED"
	ThreatCritical = "CRITICAL"
)

// Decision is the outcome of a decrypt policy evaluation.
type Decision struct {
	Allowed       bool                 `json:"allowed"`
	Reason        string               `json:"reason,omitempty"`
	QBER          float64              `json:"qber"`
	SecurityLevel models.SecurityLevel `json:"security_level"`
}

// Evaluate applies the decrypt policy to state. The QBER check comes first so
// a compromised channel reports as such even without a key.
func Evaluate(state models.ChannelState) Decision {
	d := Decision{QBER: state.QBER, SecurityLevel: SecurityLevel(state)}
	switch {
	case state.QBER > Threshold:
		d.Reason = ReasonCompromised
	case state.KeyStatus != models.KeyStatusSuccess:
		d.Reason = ReasonNoKey
	default:
		d.Allowed = true
	}
	return d
}

// SecurityLevel derives the channel's security level.
func SecurityLevel(state models.ChannelState) models.SecurityLevel {
	if state.EveActive || state.QBER > Threshold {
		return models.SecurityCompromised
	}
	return models.SecuritySecure
}

// ThreatLevel grades a QBER value.
func ThreatLevel(qber float64) string {
	switch {
	case qber > Threshold:
		return ThreatCritical
	case qber > ElevatedThreshold:
		return ThreatElevated
	default:
		return ThreatLow
	}
}

// StatusPayload builds the security_status_update payload for state.
func StatusPayload(state models.ChannelState) models.SecurityStatusPayload {
	return models.SecurityStatusPayload{
		QBER:          state.QBER,
		EveActive:     state.EveActive,
		ThreatLevel:   ThreatLevel(state.QBER),
		KeyStatus:     state.KeyStatus,
		SecurityLevel: SecurityLevel(state),
	}
}

// Snapshotter reads a session's current state.
type Snapshotter interface {
	GetSnapshot(sessionID string) (channel.Snapshot, error)
}

// Gate evaluates the decrypt policy against the freshest committed state.
type Gate struct {
	store Snapshotter
}

// New creates a Gate reading from store.
func New(store Snapshotter) *Gate {
	return &Gate{store: store}
}

// EvaluateDecrypt evaluates the policy on a snapshot taken at call time.
func (g *Gate) EvaluateDecrypt(sessionID string) (Decision, error) {
	snap, err := g.store.GetSnapshot(sessionID)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(snap.Channel), nil
}
