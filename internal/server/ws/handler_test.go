package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/qshield/internal/auth"
	"github.com/thebtf/qshield/internal/broadcast"
	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/cipher"
	"github.com/thebtf/qshield/internal/ingress"
	"github.com/thebtf/qshield/internal/records"
	"github.com/thebtf/qshield/internal/registry"
	"github.com/thebtf/qshield/internal/session"
	"github.com/thebtf/qshield/internal/simulator"
)

type frame struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

// HandlerSuite runs actor connections against a live stack.
type HandlerSuite struct {
	suite.Suite
	ctx      context.Context
	cancel   context.CancelFunc
	bc       *broadcast.Broadcaster
	sessions *session.Manager
	handler  *Handler
	srv      *httptest.Server
}

func (s *HandlerSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	reg := registry.New()
	s.bc = broadcast.New(reg)
	store := channel.NewStore(s.bc)
	s.sessions = session.NewManager(store, reg, s.bc, session.Options{IdleTimeout: time.Minute})
	svc := ingress.New(ingress.Deps{
		Store:     store,
		Registry:  reg,
		Sessions:  s.sessions,
		Simulator: simulator.NewSeeded(1, 2),
		Cipher:    cipher.New(),
		Records:   records.Embedded(),
	}, ingress.Config{CallTimeout: time.Second})

	tokens, err := auth.NewIssuer("test-secret", time.Minute)
	s.Require().NoError(err)
	s.handler = NewHandler(s.ctx, svc, tokens, Options{SendBuffer: 64, ActionRate: 1000, ActionBurst: 1000})
	s.srv = httptest.NewServer(s.handler)
}

func (s *HandlerSuite) TearDownTest() {
	s.cancel()
	s.srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.sessions.ShutdownAll(ctx)
	s.bc.Close()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) dial(query string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?" + query
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	resp.Body.Close()
	s.T().Cleanup(func() { c.Close() })
	return c
}

func (s *HandlerSuite) send(c *websocket.Conn, typ string, payload any) {
	s.Require().NoError(c.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

// next reads frames until one of type typ arrives.
func (s *HandlerSuite) next(c *websocket.Conn, typ string) frame {
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := c.ReadMessage()
		s.Require().NoError(err, "waiting for %s", typ)
		var f frame
		s.Require().NoError(json.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

// TestConnectedFrame tests the join handshake.
func (s *HandlerSuite) TestConnectedFrame() {
	c := s.dial("session=s1&role=doctor")
	hello := s.next(c, "connected")

	var p ConnectedPayload
	s.Require().NoError(json.Unmarshal(hello.Payload, &p))
	s.Equal("s1", p.Session)
	s.Equal("receiver", string(p.Role))
	s.NotEmpty(p.Token)
	s.True(strings.HasPrefix(p.ConnectionID, "ws_"))
	s.Equal(1, s.handler.Count())
}

// TestRejectsBadQuery tests validation before the upgrade.
func (s *HandlerSuite) TestRejectsBadQuery() {
	resp, err := http.Get(s.srv.URL + "/ws?session=s1&role=admin")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

// TestActionsAndEvents tests that actions fan out as events.
func (s *HandlerSuite) TestActionsAndEvents() {
	patient := s.dial("session=s1&role=patient")
	s.next(patient, "connected")
	doctor := s.dial("session=s1&role=doctor")
	s.next(doctor, "connected")

	s.send(patient, "generate_key", map[string]int{"key_length": 200})
	res := s.next(patient, "generate_key_result")
	var key ingress.KeyResult
	s.Require().NoError(json.Unmarshal(res.Payload, &key))
	s.Equal("success", string(key.Status))

	ev := s.next(doctor, "key_generated")
	s.NotZero(ev.Seq)
	s.next(doctor, "security_status_update")

	s.send(patient, "encrypt_record", map[string]string{"patient_id": "P001"})
	s.next(patient, "encrypt_record_result")
	s.next(doctor, "data_encrypted")

	s.send(doctor, "send_message", map[string]string{"recipient": "patient", "content": "Received"})
	msg := s.next(patient, "secure_message")
	s.Contains(string(msg.Data), "Received")
}

// TestErrors tests error replies.
func (s *HandlerSuite) TestErrors() {
	c := s.dial("session=s1&role=hacker")
	s.next(c, "connected")

	s.send(c, "teleport", nil)
	var body ingress.ErrorBody
	s.Require().NoError(json.Unmarshal(s.next(c, "error").Payload, &body))
	s.Equal("invalid_action", body.Kind)

	s.send(c, "encrypt_record", map[string]string{"patient_id": "P001"})
	s.Require().NoError(json.Unmarshal(s.next(c, "error").Payload, &body))
	s.Equal("no_active_key", body.Kind)

	s.Require().NoError(c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	s.Require().NoError(json.Unmarshal(s.next(c, "error").Payload, &body))
	s.Equal("invalid_action", body.Kind)
}

// TestRejoinMovesRole tests role changes on a live connection.
func (s *HandlerSuite) TestRejoinMovesRole() {
	c := s.dial("session=s1&role=patient")
	s.next(c, "connected")

	s.send(c, "join", map[string]string{"role": "eavesdropper"})
	var p ConnectedPayload
	s.Require().NoError(json.Unmarshal(s.next(c, "connected").Payload, &p))
	s.Equal("eavesdropper", string(p.Role))
}

// TestLeaveClosesConnection tests an explicit leave.
func (s *HandlerSuite) TestLeaveClosesConnection() {
	c := s.dial("session=s1&role=patient")
	s.next(c, "connected")

	s.send(c, "leave", nil)
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	s.Eventually(func() bool { return s.handler.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestRateLimit tests the per-connection action limit.
func (s *HandlerSuite) TestRateLimit() {
	s.handler.opts.ActionRate = 0.001
	s.handler.opts.ActionBurst = 1
	c := s.dial("session=s1&role=patient")
	s.next(c, "connected")

	s.send(c, "teleport", nil)
	s.next(c, "error")
	s.send(c, "teleport", nil)
	var body ingress.ErrorBody
	s.Require().NoError(json.Unmarshal(s.next(c, "error").Payload, &body))
	s.Contains(body.Message, "rate limit")
}
