package ws

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/ingress"
	"github.com/thebtf/qshield/pkg/models"
)

var (
	errMalformed   = fmt.Errorf("%w: malformed frame", ingress.ErrInvalidAction)
	errRateLimited = fmt.Errorf("%w: rate limit exceeded", ingress.ErrInvalidAction)
)

// JoinPayload re-joins the connection, possibly as another role or session.
type JoinPayload struct {
	Session string `json:"session"`
	Role    string `json:"role"`
}

// GeneratePayload requests a key exchange.
type GeneratePayload struct {
	KeyLength int `json:"key_length"`
}

// EncryptPayload names the record to encrypt.
type EncryptPayload struct {
	PatientID string `json:"patient_id"`
}

// BatchPayload names the records to encrypt together.
type BatchPayload struct {
	PatientIDs []string `json:"patient_ids"`
}

// AttackPayload toggles the eavesdropper.
type AttackPayload struct {
	Active   bool   `json:"active"`
	Strategy string `json:"strategy"`
}

// MessagePayload is an outgoing secure message.
type MessagePayload struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ingress.ErrInvalidAction, err)
	}
	return v, nil
}

// handle processes one inbound frame. It returns false when the connection
// should close.
func (c *conn) handle(ctx context.Context, msg Inbound) bool {
	svc := c.h.svc

	switch msg.Type {
	case "heartbeat":
		if err := svc.Heartbeat(c.session, c.id); err != nil {
			c.replyErr(err)
			return !errors.Is(err, ingress.ErrUnknownConnection)
		}
		c.reply("heartbeat_ack", map[string]string{"status": "ok"})
		return true
	case "leave":
		if err := svc.Disconnect(ctx, c.session, c.id); err != nil {
			log.Warn().Err(err).Str("connectionId", c.id).Msg("Failed to leave session")
		}
		return false
	}

	if !c.limiter.Allow() {
		c.replyErr(errRateLimited)
		return true
	}

	if msg.Type == "join" {
		p, err := decode[JoinPayload](msg.Payload)
		if err != nil {
			c.replyErr(err)
			return true
		}
		c.rejoin(ctx, p)
		return true
	}

	conn, err := svc.Authorize(c.session, c.id)
	if err != nil {
		// Reaped meanwhile
		c.replyErr(err)
		return false
	}

	result, err := c.dispatch(ctx, msg, conn.Role)
	if err != nil {
		c.replyErr(err)
		return true
	}
	c.reply(msg.Type+"_result", result)
	return true
}

func (c *conn) dispatch(ctx context.Context, msg Inbound, role models.Role) (any, error) {
	svc := c.h.svc

	switch msg.Type {
	case "generate_key":
		p, err := decode[GeneratePayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return svc.GenerateKey(ctx, c.session, p.KeyLength)
	case "encrypt_record":
		p, err := decode[EncryptPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return svc.EncryptRecord(ctx, c.session, p.PatientID)
	case "encrypt_batch":
		p, err := decode[BatchPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return svc.EncryptBatch(ctx, c.session, p.PatientIDs)
	case "decrypt_attempt":
		p, err := decode[ingress.DecryptRequest](msg.Payload)
		if err != nil {
			return nil, err
		}
		return svc.DecryptAttempt(ctx, c.session, p)
	case "toggle_attack":
		p, err := decode[AttackPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return svc.ToggleAttack(ctx, c.session, p.Active, p.Strategy)
	case "send_message":
		p, err := decode[MessagePayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		to, err := models.ParseRole(p.Recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ingress.ErrInvalidAction, err)
		}
		return svc.SendMessage(ctx, c.session, role, to, p.Content)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ingress.ErrInvalidAction, msg.Type)
	}
}

// rejoin moves the connection to another role, or to another session.
func (c *conn) rejoin(ctx context.Context, p JoinPayload) {
	role := c.role
	if p.Role != "" {
		r, err := models.ParseRole(p.Role)
		if err != nil {
			c.replyErr(fmt.Errorf("%w: %v", ingress.ErrInvalidAction, err))
			return
		}
		role = r
	}
	sessionID := c.session
	if p.Session != "" && p.Session != c.session {
		if err := c.h.svc.Leave(ctx, c.session, c.id); err != nil {
			log.Warn().Err(err).Str("connectionId", c.id).Msg("Failed to leave previous session")
		}
		sessionID = p.Session
	}

	hello, err := c.join(ctx, sessionID, role)
	if err != nil {
		c.replyErr(err)
		return
	}
	c.reply(hello.Type, hello.Payload)
}
