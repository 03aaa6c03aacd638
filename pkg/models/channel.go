package models

import "time"

// KeyStatus is the lifecycle state of the session's quantum key.
type KeyStatus string

const (
	KeyStatusNone       KeyStatus = "none"
	KeyStatusGenerating KeyStatus = "generating"
	KeyStatusSuccess    KeyStatus = "success"
	KeyStatusFailed     KeyStatus = "failed"
)

// SecurityLevel is derived from the channel metrics on every read.
type SecurityLevel string

const (
	SecuritySecure      SecurityLevel = "SECURE"
	SecurityCompromised SecurityLevel = "COMPROMISED"
)

// QuantumData is the simulator's opaque exchange transcript. It is stored
// verbatim and never mutated after creation.
type QuantumData struct {
	SenderBits        []int    `json:"alice_bits"`
	SenderBases       []string `json:"alice_bases"`
	ReceiverBases     []string `json:"bob_bases"`
	ReceiverMeasured  []int    `json:"bob_measurements"`
	SiftedKey         []int    `json:"sifted_key"`
	SiftedLength      int      `json:"sifted_key_length"`
	FinalKeyLength    int      `json:"final_key_length"`
	InterceptedQubits int      `json:"intercepted_qubits,omitempty"`
}

// ChannelState is the single authoritative quantum-channel state of a session.
type ChannelState struct {
	KeyStatus   KeyStatus      `json:"key_status"`
	QBER        float64        `json:"qber"`
	EveActive   bool           `json:"eve_active"`
	EveStrategy AttackStrategy `json:"eve_strategy,omitempty"`
	QuantumData *QuantumData   `json:"quantum_data,omitempty"`
	KeyAt       time.Time      `json:"key_generated_at,omitempty"`

	// Key is the final key material handed to the cipher. Never serialized.
	Key []byte `json:"-"`
}
