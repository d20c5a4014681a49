// Package main is a manual smoke client for a running gabriel server.
//
// It logs in over HTTP, then streams one reply over POST /api/chat and one
// over the /ws gateway, printing the fragments as they arrive.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "gabriel/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		email    = flag.String("email", "", "account email")
		password = flag.String("password", "", "account password")
		text     = flag.String("text", "I have been anxious lately. Can you help me find peace?", "message to send")
		timeout  = flag.Duration("timeout", 90*time.Second, "overall timeout")
		skipWS   = flag.Bool("skip-ws", false, "only exercise POST /api/chat")
	)
	flag.Parse()

	if *email == "" || *password == "" {
		fatalf("-email and -password are required")
	}
	base := strings.TrimRight(*baseURL, "/")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	token := mustLogin(ctx, base, *email, *password)
	turns := []v1.ChatTurn{{Role: "user", Content: *text}}

	n := mustStreamHTTP(ctx, base, token, turns)
	fmt.Printf("\nOK http: %d bytes\n", n)

	if *skipWS {
		return
	}
	n = mustStreamWS(ctx, base, *origin, token, turns)
	fmt.Printf("\nOK ws: %d bytes\n", n)
}

func mustLogin(ctx context.Context, base, email, password string) string {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/auth/login", bytes.NewReader(body))
	if err != nil {
		fatalf("login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("login: status %d: %s", resp.StatusCode, b)
	}

	var out struct {
		Session struct {
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Session.AccessToken == "" {
		fatalf("login: bad response (%v)", err)
	}
	return out.Session.AccessToken
}

func mustStreamHTTP(ctx context.Context, base, token string, turns []v1.ChatTurn) int {
	body, _ := json.Marshal(map[string]any{"messages": turns})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		fatalf("chat request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("chat: status %d: %s", resp.StatusCode, b)
	}

	r := bufio.NewReader(resp.Body)
	buf := make([]byte, 512)
	total := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += n
			_, _ = os.Stdout.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return total
		}
		if err != nil {
			fatalf("chat: read: %v", err)
		}
	}
}

func mustStreamWS(ctx context.Context, base, origin, token string, turns []v1.ChatTurn) int {
	u, err := url.Parse(base)
	if err != nil {
		fatalf("ws url: %v", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	mustWrite(ctx, conn, v1.TypeHello, v1.HelloPayload{Token: token})
	if env := mustRead(ctx, conn); env.Type != v1.TypeHelloAck {
		fatalf("ws: expected hello_ack, got %s: %s", env.Type, env.Payload)
	}

	reqID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	mustWrite(ctx, conn, v1.TypeChatSubmit, v1.ChatSubmitPayload{RequestID: reqID, Messages: turns})

	total := 0
	for {
		env := mustRead(ctx, conn)
		switch env.Type {
		case v1.TypeChatDelta:
			var d v1.ChatDeltaPayload
			_ = json.Unmarshal(env.Payload, &d)
			total += len(d.Text)
			fmt.Print(d.Text)
		case v1.TypeChatDone:
			return total
		case v1.TypeError:
			fatalf("ws: error: %s", env.Payload)
		}
	}
}

func mustWrite(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	p, _ := json.Marshal(payload)
	b, _ := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%d", typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: p,
	})
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("ws write %s: %v", typ, err)
	}
}

func mustRead(ctx context.Context, conn *websocket.Conn) v1.Envelope {
	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("ws read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("ws decode: %v", err)
	}
	return env
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
