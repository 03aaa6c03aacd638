package channel

import (
	"fmt"
	"math"
	"time"

	"github.com/thebtf/qshield/pkg/models"
)

// Patch is a structural merge onto a ChannelState. Nil fields are left
// untouched. ResetKey clears QuantumData and Key before the other fields are
// applied.
type Patch struct {
	KeyStatus   *models.KeyStatus
	QBER        *float64
	EveActive   *bool
	EveStrategy *models.AttackStrategy
	QuantumData *models.QuantumData
	Key         []byte
	KeyAt       *time.Time
	ResetKey    bool
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// Tx is a copy-on-write transaction against one session.
type Tx struct {
	state  Snapshot
	now    time.Time
	dirty  bool
	events []models.Event
}

// Now is the transaction timestamp.
func (tx *Tx) Now() time.Time { return tx.now }

// State returns the channel state as seen inside the transaction.
func (tx *Tx) State() models.ChannelState { return tx.state.Channel }

// Snapshot returns the whole session view as seen inside the transaction.
func (tx *Tx) Snapshot() Snapshot { return tx.state }

// Apply merges p onto the channel state. The merge is validated as a whole;
// on error the transaction state is unchanged.
func (tx *Tx) Apply(p Patch) error {
	next := tx.state.Channel

	if p.ResetKey {
		next.QuantumData = nil
		next.Key = nil
		next.KeyAt = time.Time{}
	}
	if p.KeyStatus != nil {
		switch *p.KeyStatus {
		case models.KeyStatusNone, models.KeyStatusGenerating, models.KeyStatusSuccess, models.KeyStatusFailed:
		default:
			return fmt.Errorf("%w: key status %q", ErrInvalidPatch, *p.KeyStatus)
		}
		next.KeyStatus = *p.KeyStatus
	}
	if p.QBER != nil {
		if q := *p.QBER; math.IsNaN(q) || math.IsInf(q, 0) || q < 0 || q > 100 {
			return fmt.Errorf("%w: qber %v out of [0, 100]", ErrInvalidPatch, q)
		}
		next.QBER = *p.QBER
	}
	if p.EveActive != nil {
		next.EveActive = *p.EveActive
	}
	if p.EveStrategy != nil {
		next.EveStrategy = *p.EveStrategy
	}
	if p.QuantumData != nil {
		next.QuantumData = p.QuantumData
	}
	if p.Key != nil {
		next.Key = p.Key
	}
	if p.KeyAt != nil {
		next.KeyAt = *p.KeyAt
	}

	if next.KeyStatus == models.KeyStatusSuccess && next.QuantumData == nil {
		return fmt.Errorf("%w: key status success without quantum data", ErrInvariant)
	}

	tx.state.Channel = next
	tx.dirty = true
	return nil
}

// Transmissions returns the transmission log, oldest first.
func (tx *Tx) Transmissions() []models.Transmission { return tx.state.Transmissions }

// AppendTransmission adds t to the log, evicting the oldest entry when full.
func (tx *Tx) AppendTransmission(t models.Transmission) {
	tx.state.Transmissions = appendBounded(tx.state.Transmissions, t, models.TransmissionLogCapacity)
	tx.dirty = true
}

// FindTransmission returns the newest transmission matching pred.
func (tx *Tx) FindTransmission(pred func(models.Transmission) bool) (models.Transmission, bool) {
	for i := len(tx.state.Transmissions) - 1; i >= 0; i-- {
		if pred(tx.state.Transmissions[i]) {
			return tx.state.Transmissions[i], true
		}
	}
	return models.Transmission{}, false
}

// TransitionTransmission moves a transmission to status. The record keeps its
// earlier transitions. Moving to the current status is a no-op.
func (tx *Tx) TransitionTransmission(id string, status models.TransmissionStatus, reason string) (models.Transmission, error) {
	idx := -1
	for i, t := range tx.state.Transmissions {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.Transmission{}, fmt.Errorf("%w: %s", ErrUnknownTransmission, id)
	}

	cur := tx.state.Transmissions[idx]
	if cur.Status == status {
		return cur, nil
	}
	if status == models.TransmissionTransmitted {
		return models.Transmission{}, fmt.Errorf("%w: cannot move %s back to transmitted", ErrInvalidPatch, id)
	}

	next := cur.WithStatus(status, tx.now, reason)
	log := make([]models.Transmission, len(tx.state.Transmissions))
	copy(log, tx.state.Transmissions)
	log[idx] = next
	tx.state.Transmissions = log
	tx.dirty = true
	return next, nil
}

// AppendMessage adds m to the message log, evicting the oldest when full.
func (tx *Tx) AppendMessage(m models.SecureMessage) {
	tx.state.Messages = appendBounded(tx.state.Messages, m, models.MessageLogCapacity)
	tx.dirty = true
}

// Emit queues an event for publication once the transaction commits.
func (tx *Tx) Emit(kind models.EventKind, payload any, visibility models.RoleSet) {
	tx.events = append(tx.events, models.Event{
		Kind:       kind,
		Payload:    payload,
		Visibility: visibility,
	})
}

// appendBounded returns a new slice holding log plus v, keeping at most
// capacity newest entries. The input slice is never written.
func appendBounded[T any](log []T, v T, capacity int) []T {
	start := 0
	if len(log)+1 > capacity {
		start = len(log) + 1 - capacity
	}
	out := make([]T, 0, len(log)-start+1)
	out = append(out, log[start:]...)
	return append(out, v)
}
