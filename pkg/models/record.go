package models

import "time"

// PatientRecord is a sample medical record from the catalog.
type PatientRecord struct {
	PatientID string         `yaml:"patient_id" json:"patient_id"`
	Name      string         `yaml:"name" json:"name"`
	Age       int            `yaml:"age" json:"age"`
	Diagnosis string         `yaml:"diagnosis" json:"diagnosis"`
	Treatment string         `yaml:"treatment" json:"treatment"`
	Doctor    string         `yaml:"doctor" json:"doctor"`
	Date      string         `yaml:"date" json:"date"`
	Notes     string         `yaml:"notes" json:"notes"`
	Vitals    map[string]any `yaml:"vitals" json:"vitals"`
}

// Severity of a security event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
)

// Security event types.
const (
	SecEventKeyGenerated     = "KEY_GENERATED"
	SecEventKeyRejected      = "KEY_REJECTED"
	SecEventEavesdrop        = "EAVESDROP_ATTEMPT"
	SecEventRecordEncrypted  = "RECORD_ENCRYPTED"
	SecEventBatchEncrypted   = "BATCH_ENCRYPTED"
	SecEventRecordDecrypted  = "RECORD_DECRYPTED"
	SecEventDecryptBlocked   = "DECRYPTION_BLOCKED"
	SecEventAttackSimulation = "ATTACK_SIMULATION"
	SecEventError            = "ERROR"
)

// SecurityEvent is one entry of a session's security log.
type SecurityEvent struct {
	SessionID string         `json:"session"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
}
