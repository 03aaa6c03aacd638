package models

import "time"

// EventKind names an outbound broadcast event.
type EventKind string

const (
	EventKeyGenerated         EventKind = "key_generated"
	EventSecurityStatusUpdate EventKind = "security_status_update"
	EventDataEncrypted        EventKind = "data_encrypted"
	EventEveStatusChanged     EventKind = "eve_status_changed"
	EventActorStatus          EventKind = "actor_status"
	EventSecureMessage        EventKind = "secure_message"
	EventSecurityEvent        EventKind = "security_event"
)

// Event is one entry of a session's ordered broadcast stream.
type Event struct {
	Kind       EventKind `json:"type"`
	SessionID  string    `json:"session"`
	Seq        uint64    `json:"seq"`
	At         time.Time `json:"at"`
	Payload    any       `json:"data"`
	Visibility RoleSet   `json:"-"`
}

// KeyGeneratedPayload is the data of a key_generated event.
type KeyGeneratedPayload struct {
	Status      KeyStatus    `json:"status"`
	QBER        float64      `json:"qber"`
	QuantumData *QuantumData `json:"quantum_data,omitempty"`
	EveDetected bool         `json:"eve_detected"`
}

// SecurityStatusPayload is the data of a security_status_update event.
type SecurityStatusPayload struct {
	QBER          float64       `json:"qber"`
	EveActive     bool          `json:"eve_active"`
	ThreatLevel   string        `json:"threat_level"`
	KeyStatus     KeyStatus     `json:"key_status"`
	SecurityLevel SecurityLevel `json:"security_level"`
}

// DataEncryptedPayload is the data of a data_encrypted event.
type DataEncryptedPayload struct {
	TransmissionID string            `json:"transmission_id"`
	PatientName    string            `json:"patient_name"`
	Timestamp      time.Time         `json:"timestamp"`
	EncryptedData  *EncryptedPayload `json:"encrypted_data,omitempty"`
}

// EveStatusPayload is the data of an eve_status_changed event.
type EveStatusPayload struct {
	EveActive bool           `json:"eve_active"`
	Strategy  AttackStrategy `json:"strategy,omitempty"`
	Message   string         `json:"message"`
}

// ActorStatusPayload is the data of an actor_status event.
type ActorStatusPayload struct {
	Roles   map[Role]int `json:"roles"`
	Vacated Role         `json:"vacated,omitempty"`
}

// SecureMessagePayload is the data of a secure_message event.
type SecureMessagePayload struct {
	Message SecureMessage `json:"message"`
}
