package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/simulator"
	"github.com/thebtf/qshield/pkg/models"
)

var (
	// ErrUnknownSession is returned for actions on a session that is not live.
	ErrUnknownSession = channel.ErrUnknownSession
	// ErrUnknownConnection is returned for actions from an unregistered connection.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSimulatorUnavailable is returned when a collaborator call fails.
	ErrSimulatorUnavailable = errors.New("simulator unavailable")
	// ErrSimulatorTimeout is returned when a collaborator call does not finish in time.
	ErrSimulatorTimeout = errors.New("simulator timeout")
	// ErrGenerationInProgress is returned when a key exchange is already running.
	ErrGenerationInProgress = errors.New("key generation already in progress")
	// ErrNoActiveKey is returned when encrypting without a successful key.
	ErrNoActiveKey = errors.New("no active key")
	// ErrUnknownRecord is returned for unknown patient or transmission IDs.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrInvalidAction is returned for malformed actions.
	ErrInvalidAction = errors.New("invalid action")
	// ErrPolicyDenied matches every *PolicyDeniedError with errors.Is.
	ErrPolicyDenied = errors.New("policy denied")
)

// ReasonSimulatorTimeout is the deny reason when decryption timed out.
const ReasonSimulatorTimeout = "simulator timeout"

// PolicyDeniedError reports a blocked decryption together with the metrics
// that caused it.
type PolicyDeniedError struct {
	Reason         string
	QBER           float64
	SecurityLevel  models.SecurityLevel
	TransmissionID string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("decryption denied: %s (qber %.2f%%, %s)", e.Reason, e.QBER, e.SecurityLevel)
}

// Unwrap lets errors.Is match ErrPolicyDenied, or ErrSimulatorTimeout when
// the denial was caused by a timeout.
func (e *PolicyDeniedError) Unwrap() error {
	if e.Reason == ReasonSimulatorTimeout {
		return ErrSimulatorTimeout
	}
	return ErrPolicyDenied
}

// Is matches ErrPolicyDenied for timeout denials too.
func (e *PolicyDeniedError) Is(target error) bool {
	return target == ErrPolicyDenied
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAction, fmt.Sprintf(format, args...))
}

// collaboratorErr classifies an error returned by a simulator or cipher call.
func collaboratorErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrSimulatorTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, simulator.ErrInvalidLength):
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidAction, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrSimulatorUnavailable, err)
	}
}

// ErrorKind returns a stable machine-readable name for err.
func ErrorKind(err error) string {
	var denied *PolicyDeniedError
	switch {
	case errors.As(err, &denied):
		return "policy_denied"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown_connection"
	case errors.Is(err, ErrSimulatorTimeout):
		return "simulator_timeout"
	case errors.Is(err, ErrSimulatorUnavailable):
		return "simulator_unavailable"
	case errors.Is(err, ErrGenerationInProgress):
		return "generation_in_progress"
	case errors.Is(err, ErrNoActiveKey):
		return "no_active_key"
	case errors.Is(err, ErrUnknownRecord):
		return "unknown_record"
	case errors.Is(err, ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// ErrorBody is the wire form of an action error.
type ErrorBody struct {
	Kind           string               `json:"error_kind"`
	Message        string               `json:"error"`
	Reason         string               `json:"reason,omitempty"`
	QBER           *float64             `json:"qber,omitempty"`
	SecurityLevel  models.SecurityLevel `json:"security_level,omitempty"`
	TransmissionID string               `json:"transmission_id,omitempty"`
}

// NewErrorBody describes err for a client. Denials carry their metrics.
func NewErrorBody(err error) ErrorBody {
	body := ErrorBody{Kind: ErrorKind(err), Message: err.Error()}
	var denied *PolicyDeniedError
	if errors.As(err, &denied) {
		qber := denied.QBER
		body.Reason = denied.Reason
		body.QBER = &qber
		body.SecurityLevel = denied.SecurityLevel
		body.TransmissionID = denied.TransmissionID
	}
	if body.Kind == "internal" {
		body.Message = "internal error"
	}
	return body
}
