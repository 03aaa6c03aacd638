package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// History capacities.
const (
	TransmissionLogCapacity = 10
	MessageLogCapacity      = 50
)

// TransmissionStatus is the delivery state of a transmission.
type TransmissionStatus string

const (
	TransmissionTransmitted TransmissionStatus = "transmitted"
	TransmissionDecrypted   TransmissionStatus = "decrypted"
	TransmissionBlocked     TransmissionStatus = "blocked"
)

// StatusTransition records one status change of a transmission.
type StatusTransition struct {
	Status TransmissionStatus `json:"status"`
	At     time.Time          `json:"at"`
	Reason string             `json:"reason,omitempty"`
}

// EncryptedPayload is the ciphertext envelope produced by the cipher.
type EncryptedPayload struct {
	Ciphertext  string    `json:"ciphertext"`
	Nonce       string    `json:"nonce"`
	Tag         string    `json:"tag"`
	EncryptedAt time.Time `json:"encrypted_at"`
}

// Transmission is a sender to receiver attempt. Values are never modified in
// place; a status change produces a new value with one more transition.
type Transmission struct {
	ID          string             `json:"transmission_id"`
	PatientID   string             `json:"patient_id"`
	PatientName string             `json:"patient_name"`
	Timestamp   time.Time          `json:"timestamp"`
	Status      TransmissionStatus `json:"status"`
	Transitions []StatusTransition `json:"transitions"`
	Payload     *EncryptedPayload  `json:"encrypted_data,omitempty"`
}

// WithStatus returns a copy of t moved to status, keeping its audit trail.
func (t Transmission) WithStatus(status TransmissionStatus, at time.Time, reason string) Transmission {
	next := t
	next.Status = status
	next.Transitions = make([]StatusTransition, len(t.Transitions), len(t.Transitions)+1)
	copy(next.Transitions, t.Transitions)
	next.Transitions = append(next.Transitions, StatusTransition{Status: status, At: at, Reason: reason})
	return next
}

// SecureMessage is a point-to-point message between two actors.
type SecureMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    Role      `json:"sender"`
	Recipient Role      `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
	Encrypted bool      `json:"encrypted"`
	Status    string    `json:"status"`
}

// VisibleTo reports whether participant may read the message.
func (m SecureMessage) VisibleTo(participant Role) bool {
	return m.Sender == participant || m.Recipient == participant
}

// NewRecordID returns "<prefix>_<unix millis>_<9 random chars>".
func NewRecordID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}
