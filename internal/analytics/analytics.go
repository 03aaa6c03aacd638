// Package analytics keeps per-session QKD exchange statistics and threat
// history for the security dashboard.
package analytics

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/thebtf/qshield/pkg/models"
)

// Capacities and windows.
const (
	HistoryCapacity = 50
	ThreatCapacity  = 100
	AverageWindow   = 10
	DashboardPoints = 20
	RecentThreats   = 5
	MinAnomalyBase  = 5
)

// QBER thresholds for threat classification.
const (
	criticalQBER = 11.0
	elevatedQBER = 5.0
)

// Threat types.
const (
	ThreatHighQBER     = "HIGH_QBER"
	ThreatElevatedQBER = "ELEVATED_QBER"
)

// Sample is one recorded key exchange.
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	QBER         float64   `json:"qber"`
	Fidelity     float64   `json:"fidelity"`
	SiftedLength int       `json:"sifted_length"`
	EveActive    bool      `json:"eve_active"`
}

// Threat is one classified QBER excursion.
type Threat struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Severity  models.Severity `json:"severity"`
	QBER      float64         `json:"qber"`
	Message   string          `json:"message"`
}

// ThreatSummary aggregates the threat log.
type ThreatSummary struct {
	Total    int      `json:"total_threats"`
	Critical int      `json:"critical"`
	Warning  int      `json:"warning"`
	Recent   []Threat `json:"recent"`
}

// Dashboard is the analytics view of one session.
type Dashboard struct {
	TotalSessions   int           `json:"total_sessions"`
	AverageQBER     float64       `json:"average_qber"`
	AverageFidelity float64       `json:"average_fidelity"`
	ThreatSummary   ThreatSummary `json:"threat_summary"`
	QBERHistory     []Sample      `json:"qber_history"`
	FidelityHistory []Sample      `json:"fidelity_history"`
}

type sessionStats struct {
	history []Sample
	threats []Threat
	total   int
}

// Tracker holds statistics for every session.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionStats
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*sessionStats)}
}

func (t *Tracker) stats(sessionID string) *sessionStats {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &sessionStats{}
		t.sessions[sessionID] = s
	}
	return s
}

// Record adds an exchange sample and classifies it. It reports whether the
// sample is anomalous relative to the recent history before it.
func (t *Tracker) Record(sessionID string, sample Sample) (anomaly bool, threat *Threat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats(sessionID)
	anomaly = isAnomaly(s.history, sample.QBER)

	s.history = append(s.history, sample)
	if len(s.history) > HistoryCapacity {
		s.history = s.history[len(s.history)-HistoryCapacity:]
	}
	s.total++

	switch {
	case sample.QBER > criticalQBER:
		threat = &Threat{
			Type:     ThreatHighQBER,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("QBER exceeded threshold: %.2f%%", sample.QBER),
		}
	case sample.QBER > elevatedQBER:
		threat = &Threat{
			Type:     ThreatElevatedQBER,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("Elevated QBER detected: %.2f%%", sample.QBER),
		}
	}
	if threat != nil {
		threat.Timestamp = sample.Timestamp
		threat.QBER = sample.QBER
		s.threats = append(s.threats, *threat)
		if len(s.threats) > ThreatCapacity {
			s.threats = s.threats[len(s.threats)-ThreatCapacity:]
		}
	}
	return anomaly, threat
}

// isAnomaly reports qber > mean + 2*std over the last AverageWindow samples,
// once at least MinAnomalyBase samples exist.
func isAnomaly(history []Sample, qber float64) bool {
	if len(history) < MinAnomalyBase {
		return false
	}
	recent := tail(history, AverageWindow)
	var sum float64
	for _, s := range recent {
		sum += s.QBER
	}
	mean := sum / float64(len(recent))
	var sq float64
	for _, s := range recent {
		d := s.QBER - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(recent)))
	return qber > mean+2*std
}

func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Dashboard returns the session's analytics view. Unknown sessions yield an
// empty dashboard.
func (t *Tracker) Dashboard(sessionID string) Dashboard {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Dashboard{
		QBERHistory:     []Sample{},
		FidelityHistory: []Sample{},
		ThreatSummary:   ThreatSummary{Recent: []Threat{}},
	}
	s, ok := t.sessions[sessionID]
	if !ok {
		return d
	}

	d.TotalSessions = s.total
	if recent := tail(s.history, AverageWindow); len(recent) > 0 {
		var q, f float64
		for _, smp := range recent {
			q += smp.QBER
			f += smp.Fidelity
		}
		d.AverageQBER = round2(q / float64(len(recent)))
		d.AverageFidelity = round2(f / float64(len(recent)))
	}

	points := append([]Sample(nil), tail(s.history, DashboardPoints)...)
	d.QBERHistory = points
	d.FidelityHistory = points

	d.ThreatSummary.Total = len(s.threats)
	for _, th := range s.threats {
		switch th.Severity {
		case models.SeverityCritical:
			d.ThreatSummary.Critical++
		case models.SeverityWarning:
			d.ThreatSummary.Warning++
		}
	}
	d.ThreatSummary.Recent = append(d.ThreatSummary.Recent, tail(s.threats, RecentThreats)...)
	return d
}

// Drop forgets a session's statistics.
func (t *Tracker) Drop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
