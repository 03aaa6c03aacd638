package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/analytics"
	"github.com/thebtf/qshield/internal/broadcast"
	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/gate"
	"github.com/thebtf/qshield/internal/simulator"
	"github.com/thebtf/qshield/pkg/models"
)

// MaxMessageLength bounds secure message content, in characters.
const MaxMessageLength = 4096

// KeyResult is the outcome of GenerateKey.
type KeyResult struct {
	Status         models.KeyStatus    `json:"status"`
	QBER           float64             `json:"qber"`
	Fidelity       float64             `json:"fidelity"`
	FinalKeyLength int                 `json:"final_key_length"`
	EveDetected    bool                `json:"eve_detected"`
	Anomaly        bool                `json:"anomaly"`
	QuantumData    *models.QuantumData `json:"quantum_data,omitempty"`
}

// GenerateKey runs a key exchange and stores its result. A second request
// while one is running fails with ErrGenerationInProgress. If the exchange
// fails or times out, the key state is restored to what it was before.
func (s *Service) GenerateKey(ctx context.Context, sessionID string, keyLength int) (KeyResult, error) {
	if keyLength == 0 {
		keyLength = s.cfg.DefaultKeyLength
	}
	if keyLength < simulator.MinKeyLength || keyLength > simulator.MaxKeyLength {
		return KeyResult{}, invalid("key length %d out of [%d, %d]", keyLength, simulator.MinKeyLength, simulator.MaxKeyLength)
	}

	var (
		prior  models.ChannelState
		attack simulator.Attack
	)
	_, err := s.store.Update(sessionID, func(tx *channel.Tx) error {
		prior = tx.State()
		if prior.KeyStatus == models.KeyStatusGenerating {
			return ErrGenerationInProgress
		}
		attack = simulator.Attack{Active: prior.EveActive, Strategy: prior.EveStrategy}
		return tx.Apply(channel.Patch{
			KeyStatus: channel.Ptr(models.KeyStatusGenerating),
			ResetKey:  true,
		})
	})
	if err != nil {
		s.metrics.Action(ctx, "generate_key", false)
		return KeyResult{}, err
	}

	callCtx, cancel := s.callCtx(ctx)
	res, err := s.sim.Generate(callCtx, simulator.Request{KeyLength: keyLength, Attack: attack})
	cancel()
	if err != nil {
		err = collaboratorErr("generate key", err)
	} else if verr := checkResult(res); verr != nil {
		err = fmt.Errorf("generate key: %w: %v", ErrSimulatorUnavailable, verr)
	}
	if err != nil {
		return KeyResult{}, s.failGenerate(ctx, sessionID, prior, err)
	}

	eveDetected := attack.Active && res.QBER > gate.Threshold
	now := time.Now()
	patch := channel.Patch{
		KeyStatus:   channel.Ptr(res.Status),
		QBER:        channel.Ptr(res.QBER),
		QuantumData: res.QuantumData,
	}
	if res.Status == models.KeyStatusSuccess {
		patch.Key = res.Key
		patch.KeyAt = &now
	}

	_, err = s.store.Update(sessionID, func(tx *channel.Tx) error {
		if err := tx.Apply(patch); err != nil {
			return err
		}
		st := tx.State()
		tx.Emit(models.EventKeyGenerated, models.KeyGeneratedPayload{
			Status:      st.KeyStatus,
			QBER:        st.QBER,
			QuantumData: st.QuantumData,
			EveDetected: eveDetected,
		}, broadcast.VisibilityFor(models.EventKeyGenerated, st))
		tx.Emit(models.EventSecurityStatusUpdate, gate.StatusPayload(st),
			broadcast.VisibilityFor(models.EventSecurityStatusUpdate, st))
		return nil
	})
	if err != nil {
		return KeyResult{}, s.failGenerate(ctx, sessionID, prior, err)
	}

	s.metrics.Action(ctx, "generate_key", true)
	s.metrics.QBER(ctx, res.QBER)

	siftedLen := 0
	if res.QuantumData != nil {
		siftedLen = res.QuantumData.SiftedLength
	}
	anomaly, threat := s.analytics.Record(sessionID, analytics.Sample{
		Timestamp:    now.UTC(),
		QBER:         res.QBER,
		Fidelity:     res.Fidelity,
		SiftedLength: siftedLen,
		EveActive:    attack.Active,
	})

	if attack.Active {
		intercepted := 0
		if res.QuantumData != nil {
			intercepted = res.QuantumData.InterceptedQubits
		}
		s.record(ctx, sessionID, models.SecEventEavesdrop,
			fmt.Sprintf("Eve intercepted transmission using %s strategy", attack.Strategy),
			models.SeverityHigh, map[string]any{
				"strategy":           string(attack.Strategy),
				"qubits_intercepted": intercepted,
			})
	}
	if res.Status == models.KeyStatusSuccess {
		s.record(ctx, sessionID, models.SecEventKeyGenerated,
			fmt.Sprintf("Quantum key generated successfully (length: %d)", len(res.Key)),
			models.SeverityInfo, map[string]any{"qber": res.QBER, "final_key_length": len(res.Key)})
	} else {
		s.record(ctx, sessionID, models.SecEventKeyRejected,
			fmt.Sprintf("Key rejected due to high QBER: %.2f%%", res.QBER),
			models.SeverityCritical, map[string]any{"qber": res.QBER})
	}
	if threat != nil {
		log.Warn().Str("session", sessionID).Str("threat", threat.Type).Float64("qber", threat.QBER).Msg(threat.Message)
	}

	return KeyResult{
		Status:         res.Status,
		QBER:           res.QBER,
		Fidelity:       res.Fidelity,
		FinalKeyLength: len(res.Key),
		EveDetected:    eveDetected,
		Anomaly:        anomaly,
		QuantumData:    res.QuantumData,
	}, nil
}

// failGenerate restores the prior key state after a failed exchange and
// records the failure.
func (s *Service) failGenerate(ctx context.Context, sessionID string, prior models.ChannelState, err error) error {
	s.revertKey(sessionID, prior)
	s.metrics.Action(ctx, "generate_key", false)
	s.record(ctx, sessionID, models.SecEventError, fmt.Sprintf("Key generation failed: %v", err), models.SeverityError, nil)
	return err
}

// checkResult rejects exchange results the channel state cannot hold.
func checkResult(res simulator.Result) error {
	if !validQBER(res.QBER) {
		return fmt.Errorf("qber %v out of [0, 100]", res.QBER)
	}
	switch res.Status {
	case models.KeyStatusSuccess:
		if res.QuantumData == nil || len(res.Key) == 0 {
			return errors.New("successful exchange without key material")
		}
	case models.KeyStatusFailed:
	default:
		return fmt.Errorf("unexpected key status %q", res.Status)
	}
	return nil
}

func validQBER(q float64) bool {
	return !math.IsNaN(q) && !math.IsInf(q, 0) && q >= 0 && q <= 100
}

// revertKey restores the key fields captured before a failed exchange. QBER
// is left alone: the generating step never wrote it, and an attack toggle may
// have updated it since.
func (s *Service) revertKey(sessionID string, prior models.ChannelState) {
	patch := channel.Patch{
		KeyStatus:   channel.Ptr(prior.KeyStatus),
		QuantumData: prior.QuantumData,
		Key:         prior.Key,
		KeyAt:       channel.Ptr(prior.KeyAt),
		ResetKey:    true,
	}
	_, err := s.store.Update(sessionID, func(tx *channel.Tx) error {
		if tx.State().KeyStatus != models.KeyStatusGenerating {
			return nil
		}
		return tx.Apply(patch)
	})
	if err != nil && !errors.Is(err, ErrUnknownSession) {
		log.Error().Err(err).Str("session", sessionID).Msg("Failed to revert key state")
	}
}

// EncryptRecord encrypts a patient record under the session key and logs it
// as a new transmission.
func (s *Service) EncryptRecord(ctx context.Context, sessionID, patientID string) (models.Transmission, error) {
	record, err := s.records.Get(patientID)
	if err != nil {
		return models.Transmission{}, fmt.Errorf("%w: patient %s", ErrUnknownRecord, patientID)
	}

	snap, err := s.store.GetSnapshot(sessionID)
	if err != nil {
		return models.Transmission{}, err
	}
	if snap.Channel.KeyStatus != models.KeyStatusSuccess || len(snap.Channel.Key) == 0 {
		s.metrics.Action(ctx, "encrypt_record", false)
		return models.Transmission{}, ErrNoActiveKey
	}
	key := snap.Channel.Key

	plaintext, err := json.Marshal(record)
	if err != nil {
		return models.Transmission{}, fmt.Errorf("marshal record: %w", err)
	}

	callCtx, cancel := s.callCtx(ctx)
	payload, err := s.cipher.Encrypt(callCtx, key, plaintext)
	cancel()
	if err != nil {
		s.metrics.Action(ctx, "encrypt_record", false)
		return models.Transmission{}, collaboratorErr("encrypt record", err)
	}

	var tr models.Transmission
	_, err = s.store.Update(sessionID, func(tx *channel.Tx) error {
		st := tx.State()
		if st.KeyStatus != models.KeyStatusSuccess || !bytes.Equal(st.Key, key) {
			return ErrNoActiveKey
		}
		now := tx.Now()
		tr = models.Transmission{
			ID:          models.NewRecordID("tx", now),
			PatientID:   record.PatientID,
			PatientName: record.Name,
			Timestamp:   now,
			Status:      models.TransmissionTransmitted,
			Transitions: []models.StatusTransition{{Status: models.TransmissionTransmitted, At: now}},
			Payload:     payload,
		}
		tx.AppendTransmission(tr)
		tx.Emit(models.EventDataEncrypted, models.DataEncryptedPayload{
			TransmissionID: tr.ID,
			PatientName:    tr.PatientName,
			Timestamp:      tr.Timestamp,
			EncryptedData:  payload,
		}, broadcast.VisibilityFor(models.EventDataEncrypted, st))
		return nil
	})
	if err != nil {
		s.metrics.Action(ctx, "encrypt_record", false)
		return models.Transmission{}, err
	}

	s.metrics.Action(ctx, "encrypt_record", true)
	s.record(ctx, sessionID, models.SecEventRecordEncrypted,
		fmt.Sprintf("Record encrypted for patient %s", record.PatientID),
		models.SeverityInfo, map[string]any{"transmission_id": tr.ID})
	return tr, nil
}

// BatchItem is the outcome for one patient of a batch encryption.
type BatchItem struct {
	PatientID      string `json:"patient_id"`
	Status         string `json:"status"`
	Name           string `json:"name,omitempty"`
	TransmissionID string `json:"transmission_id,omitempty"`
}

// BatchResult is the outcome of EncryptBatch.
type BatchResult struct {
	EncryptedCount int         `json:"encrypted_count"`
	Results        []BatchItem `json:"results"`
}

// EncryptBatch encrypts each listed record under the active key. Unknown
// patients are reported and skipped; any other failure stops the batch.
func (s *Service) EncryptBatch(ctx context.Context, sessionID string, patientIDs []string) (BatchResult, error) {
	if len(patientIDs) == 0 {
		return BatchResult{}, invalid("patient_ids must not be empty")
	}
	res := BatchResult{Results: make([]BatchItem, 0, len(patientIDs))}
	for _, id := range patientIDs {
		tr, err := s.EncryptRecord(ctx, sessionID, id)
		switch {
		case errors.Is(err, ErrUnknownRecord):
			res.Results = append(res.Results, BatchItem{PatientID: id, Status: "not_found"})
			continue
		case err != nil:
			return BatchResult{}, err
		}
		res.EncryptedCount++
		res.Results = append(res.Results, BatchItem{
			PatientID:      id,
			Status:         "encrypted",
			Name:           tr.PatientName,
			TransmissionID: tr.ID,
		})
	}

	s.record(ctx, sessionID, models.SecEventBatchEncrypted,
		fmt.Sprintf("Batch encrypted %d records", res.EncryptedCount),
		models.SeverityInfo, map[string]any{"requested": len(patientIDs)})
	return res, nil
}

// DecryptRequest names the payload to decrypt: a logged transmission, an
// explicit payload, or both.
type DecryptRequest struct {
	TransmissionID string                   `json:"transmission_id,omitempty"`
	Payload        *models.EncryptedPayload `json:"encrypted_data,omitempty"`
}

// DecryptResult is a successful decryption.
type DecryptResult struct {
	TransmissionID string               `json:"transmission_id,omitempty"`
	Record         models.PatientRecord `json:"data"`
}

// DecryptAttempt evaluates the security gate on the current channel state
// and, when allowed, decrypts the payload. A denial marks the transmission
// blocked and returns a *PolicyDeniedError. A cipher timeout fails closed.
func (s *Service) DecryptAttempt(ctx context.Context, sessionID string, req DecryptRequest) (DecryptResult, error) {
	snap, err := s.store.GetSnapshot(sessionID)
	if err != nil {
		return DecryptResult{}, err
	}

	var tr *models.Transmission
	for i := len(snap.Transmissions) - 1; i >= 0; i-- {
		t := snap.Transmissions[i]
		if (req.TransmissionID != "" && t.ID == req.TransmissionID) ||
			(req.TransmissionID == "" && req.Payload != nil && t.Payload != nil && t.Payload.Nonce == req.Payload.Nonce) {
			tr = &t
			break
		}
	}
	if req.TransmissionID != "" && tr == nil {
		return DecryptResult{}, fmt.Errorf("%w: transmission %s", ErrUnknownRecord, req.TransmissionID)
	}
	payload := req.Payload
	if payload == nil && tr != nil {
		payload = tr.Payload
	}
	if payload == nil {
		return DecryptResult{}, invalid("no encrypted payload")
	}
	trID := ""
	if tr != nil {
		trID = tr.ID
	}

	decision := gate.Evaluate(snap.Channel)
	if !decision.Allowed {
		return DecryptResult{}, s.deny(ctx, sessionID, trID, decision)
	}

	key := snap.Channel.Key
	callCtx, cancel := s.callCtx(ctx)
	plaintext, err := s.cipher.Decrypt(callCtx, key, payload)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return DecryptResult{}, s.deny(ctx, sessionID, trID, gate.Decision{
				Reason:        ReasonSimulatorTimeout,
				QBER:          decision.QBER,
				SecurityLevel: decision.SecurityLevel,
			})
		}
		s.metrics.Action(ctx, "decrypt_attempt", false)
		s.record(ctx, sessionID, models.SecEventError, fmt.Sprintf("Decryption failed: %v", err), models.SeverityError, nil)
		if errors.Is(err, context.Canceled) {
			return DecryptResult{}, err
		}
		return DecryptResult{}, invalid("decryption failed: %v", err)
	}

	var record models.PatientRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return DecryptResult{}, invalid("decrypted payload is not a record: %v", err)
	}

	// The channel may have degraded while the cipher ran
	var late *gate.Decision
	_, err = s.store.Update(sessionID, func(tx *channel.Tx) error {
		d := gate.Evaluate(tx.State())
		status, reason := models.TransmissionDecrypted, ""
		if !d.Allowed {
			late = &d
			status, reason = models.TransmissionBlocked, d.Reason
		}
		if trID == "" {
			return nil
		}
		_, err := tx.TransitionTransmission(trID, status, reason)
		if errors.Is(err, channel.ErrUnknownTransmission) {
			// Evicted from the log meanwhile
			return nil
		}
		return err
	})
	if err != nil {
		return DecryptResult{}, err
	}
	if late != nil {
		return DecryptResult{}, s.denied(ctx, sessionID, trID, *late)
	}

	s.metrics.DecryptDecision(ctx, true, "")
	s.metrics.Action(ctx, "decrypt_attempt", true)
	s.record(ctx, sessionID, models.SecEventRecordDecrypted,
		fmt.Sprintf("Record decrypted for patient %s", record.PatientID),
		models.SeverityInfo, map[string]any{"transmission_id": trID})
	return DecryptResult{TransmissionID: trID, Record: record}, nil
}

// deny marks the transmission blocked and builds the denial.
func (s *Service) deny(ctx context.Context, sessionID, trID string, d gate.Decision) error {
	if trID != "" {
		_, err := s.store.Update(sessionID, func(tx *channel.Tx) error {
			_, err := tx.TransitionTransmission(trID, models.TransmissionBlocked, d.Reason)
			if errors.Is(err, channel.ErrUnknownTransmission) {
				return nil
			}
			return err
		})
		if err != nil && !errors.Is(err, ErrUnknownSession) {
			log.Error().Err(err).Str("session", sessionID).Str("transmissionId", trID).Msg("Failed to mark transmission blocked")
		}
	}
	return s.denied(ctx, sessionID, trID, d)
}

func (s *Service) denied(ctx context.Context, sessionID, trID string, d gate.Decision) error {
	s.metrics.DecryptDecision(ctx, false, d.Reason)
	s.metrics.Action(ctx, "decrypt_attempt", false)
	s.record(ctx, sessionID, models.SecEventDecryptBlocked,
		fmt.Sprintf("Decryption blocked: %s (QBER: %.2f%%)", d.Reason, d.QBER),
		models.SeverityCritical, map[string]any{"transmission_id": trID, "reason": d.Reason})
	return &PolicyDeniedError{
		Reason:         d.Reason,
		QBER:           d.QBER,
		SecurityLevel:  d.SecurityLevel,
		TransmissionID: trID,
	}
}

// AttackResult is the outcome of ToggleAttack.
type AttackResult struct {
	EveActive bool                  `json:"eve_active"`
	Strategy  models.AttackStrategy `json:"strategy"`
	QBER      float64               `json:"qber"`
	Message   string                `json:"message"`
}

// ToggleAttack switches the simulated eavesdropper and folds the re-measured
// QBER into the channel state.
func (s *Service) ToggleAttack(ctx context.Context, sessionID string, active bool, strategy string) (AttackResult, error) {
	if !s.store.Exists(sessionID) {
		return AttackResult{}, ErrUnknownSession
	}
	strat := models.NormalizeStrategy(strategy)

	callCtx, cancel := s.callCtx(ctx)
	qber, err := s.sim.Probe(callCtx, simulator.Attack{Active: active, Strategy: strat})
	cancel()
	if err == nil && !validQBER(qber) {
		err = fmt.Errorf("qber %v out of [0, 100]", qber)
	}
	if err != nil {
		s.metrics.Action(ctx, "toggle_attack", false)
		return AttackResult{}, collaboratorErr("toggle attack", err)
	}

	msg := "Eavesdropping attack deactivated"
	if active {
		msg = fmt.Sprintf("Eavesdropping attack activated with %s strategy", strat)
	}

	_, err = s.store.Update(sessionID, func(tx *channel.Tx) error {
		if err := tx.Apply(channel.Patch{
			EveActive:   channel.Ptr(active),
			EveStrategy: channel.Ptr(strat),
			QBER:        channel.Ptr(qber),
		}); err != nil {
			return err
		}
		st := tx.State()
		tx.Emit(models.EventEveStatusChanged, models.EveStatusPayload{
			EveActive: active,
			Strategy:  strat,
			Message:   msg,
		}, broadcast.VisibilityFor(models.EventEveStatusChanged, st))
		tx.Emit(models.EventSecurityStatusUpdate, gate.StatusPayload(st),
			broadcast.VisibilityFor(models.EventSecurityStatusUpdate, st))
		return nil
	})
	if err != nil {
		s.metrics.Action(ctx, "toggle_attack", false)
		return AttackResult{}, err
	}

	s.metrics.Action(ctx, "toggle_attack", true)
	s.metrics.QBER(ctx, qber)
	sev := models.SeverityInfo
	if active {
		sev = models.SeverityWarning
	}
	s.record(ctx, sessionID, models.SecEventAttackSimulation, msg, sev,
		map[string]any{"strategy": string(strat), "qber": qber})

	return AttackResult{EveActive: active, Strategy: strat, QBER: qber, Message: msg}, nil
}

// SendMessage delivers a secure message between two roles.
func (s *Service) SendMessage(ctx context.Context, sessionID string, from, to models.Role, content string) (models.SecureMessage, error) {
	if !from.Valid() || !to.Valid() {
		return models.SecureMessage{}, invalid("unknown role")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return models.SecureMessage{}, invalid("empty message")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return models.SecureMessage{}, invalid("message longer than %d characters", MaxMessageLength)
	}

	var msg models.SecureMessage
	_, err := s.store.Update(sessionID, func(tx *channel.Tx) error {
		now := tx.Now()
		msg = models.SecureMessage{
			ID:        models.NewRecordID("msg", now),
			Content:   content,
			Sender:    from,
			Recipient: to,
			Timestamp: now,
			Encrypted: tx.State().KeyStatus == models.KeyStatusSuccess,
			Status:    "delivered",
		}
		tx.AppendMessage(msg)
		tx.Emit(models.EventSecureMessage, models.SecureMessagePayload{Message: msg}, broadcast.MessageVisibility(msg))
		return nil
	})
	if err != nil {
		s.metrics.Action(ctx, "send_message", false)
		return models.SecureMessage{}, err
	}
	s.metrics.Action(ctx, "send_message", true)
	return msg, nil
}
