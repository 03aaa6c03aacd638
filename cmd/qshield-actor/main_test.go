package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		typ     string
		payload string
		wantNil bool
		wantErr bool
	}{
		{name: "blank", line: "   ", wantNil: true},
		{name: "bare type", line: "heartbeat", typ: "heartbeat"},
		{name: "with payload", line: `generate_key {"key_length": 200}`, typ: "generate_key", payload: `{"key_length": 200}`},
		{name: "bad payload", line: "encrypt_record {oops", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, msg)
				return
			}
			require.NotNil(t, msg)
			assert.Equal(t, tt.typ, msg.Type)
			assert.Equal(t, tt.payload, string(msg.Payload))
		})
	}
}

func TestDialURL(t *testing.T) {
	u, err := dialURL("http://localhost:5000/ws", "demo", "doctor")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:5000/ws?role=doctor&session=demo", u)

	u, err = dialURL("wss://example.org/ws", "s 1", "hacker")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.org/ws?role=hacker&session=s+1", u)
}
