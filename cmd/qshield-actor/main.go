// Package main provides a terminal client that joins a qshield session as
// one actor. Frames received from the server are printed to stdout; each
// stdin line is sent as an action.
//
// Input lines have the form "<type> [json payload]", for example:
//
//	generate_key {"key_length": 200}
//	encrypt_record {"patient_id": "P001"}
//	toggle_attack {"active": true, "strategy": "random"}
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type outbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	server := flag.String("url", "ws://127.0.0.1:5000/ws", "WebSocket endpoint")
	session := flag.String("session", "", "Session id (required)")
	role := flag.String("role", "", "Role: patient, doctor or hacker (required)")
	flag.Parse()

	if strings.TrimSpace(*session) == "" || strings.TrimSpace(*role) == "" {
		fmt.Fprintln(os.Stderr, "--session and --role are required")
		os.Exit(1)
	}

	endpoint, err := dialURL(*server, *session, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		if resp != nil {
			fmt.Fprintf(os.Stderr, "unexpected handshake status: %d\n", resp.StatusCode)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					fmt.Fprintln(os.Stderr, err)
				}
				return
			}
			fmt.Fprintln(os.Stdout, string(data))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-done:
			return
		case <-sigCh:
			closeConn(conn, done)
			return
		case line, ok := <-lines:
			if !ok {
				closeConn(conn, done)
				return
			}
			msg, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if msg == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return
			}
		}
	}
}

func dialURL(base, session, role string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("session", strings.TrimSpace(session))
	q.Set("role", strings.TrimSpace(role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseLine turns "<type> [json]" into a frame. Blank lines yield nil.
func parseLine(line string) (*outbound, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	typ, rest, _ := strings.Cut(line, " ")
	msg := &outbound{Type: typ}
	if rest = strings.TrimSpace(rest); rest != "" {
		if !json.Valid([]byte(rest)) {
			return nil, fmt.Errorf("invalid json payload for %s", typ)
		}
		msg.Payload = json.RawMessage(rest)
	}
	return msg, nil
}

func closeConn(conn *websocket.Conn, done <-chan struct{}) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
