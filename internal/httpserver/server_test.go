package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smitshah084/TalkBot-AI/internal/agent"
	"github.com/smitshah084/TalkBot-AI/internal/config"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
)

// echoBackend answers every response request with "you said: <text>".
type echoBackend struct {
	ev   agent.BackendEvents
	last string
}

func (b *echoBackend) AppendUserText(text string) error { b.last = text; return nil }
func (b *echoBackend) RequestResponse() error {
	reply := "you said: " + b.last
	go func() {
		for _, w := range strings.SplitAfter(reply, " ") {
			b.ev.OnTextDelta(w)
		}
		b.ev.OnResponseDone()
	}()
	return nil
}
func (b *echoBackend) UpdateInstructions(string) error { return nil }
func (b *echoBackend) Close() error                    { return nil }

func echoConnector(ctx context.Context, label string, ev agent.BackendEvents) (agent.Backend, error) {
	return &echoBackend{ev: ev}, nil
}

func newTestServer(password string) *Server {
	return New(config.Config{AuthPassword: password}, conversation.Options{Connector: echoConnector}, nil)
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer("")
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer("")
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "talkbot_") {
		t.Fatalf("expected talkbot metrics in output")
	}
}

func TestAuthOK(t *testing.T) {
	if !authOK(nil, "") {
		t.Fatalf("expected true when password empty")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestAuthOK_NegativeCases(t *testing.T) {
	if authOK(nil, "secret") {
		t.Fatalf("expected false without a request")
	}
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if authOK(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	if authOK(r2, "secret") {
		t.Fatalf("expected false with wrong X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer nope")
	if authOK(r3, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
}

func TestChat_Unauthorized(t *testing.T) {
	srv := newTestServer("secret")
	r := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"text":"hi"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestChat_EmptyText(t *testing.T) {
	srv := newTestServer("")
	r := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"text":"  "}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestChat_StreamsOneTurn(t *testing.T) {
	srv := newTestServer("secret")
	r := httptest.NewRequest(http.MethodPost, "/chat?password=secret", strings.NewReader(`{"text":"hello"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got []agent.Payload
	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var p agent.Payload
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		got = append(got, p)
	}
	if len(got) < 2 {
		t.Fatalf("expected deltas and done, got %+v", got)
	}
	last := got[len(got)-1]
	if last.Type != agent.PayloadDone || last.FullResponse != "you said: hello" {
		t.Fatalf("unexpected final event %+v", last)
	}
	for i, p := range got[:len(got)-1] {
		if p.Type != agent.PayloadDelta || p.Seq != i {
			t.Fatalf("unexpected delta %d: %+v", i, p)
		}
	}
}

func dialSocket(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestSocket_InputStreamsResponse(t *testing.T) {
	conn := dialSocket(t, newTestServer(""), "")
	if err := conn.WriteJSON(clientFrame{Type: "input", Text: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		m := readFrame(t, conn)
		if m["type"] == agent.PayloadDone {
			if m["full_response"] != "you said: ping" {
				t.Fatalf("unexpected response %v", m)
			}
			return
		}
		if m["type"] != agent.PayloadDelta {
			t.Fatalf("unexpected frame %v", m)
		}
	}
}

func TestSocket_AudioWithoutSpeechReportsError(t *testing.T) {
	conn := dialSocket(t, newTestServer(""), "")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readFrame(t, conn)
	if m["type"] != "error" || !strings.Contains(m["error"].(string), "speech") {
		t.Fatalf("expected speech error, got %v", m)
	}
}

func TestSocket_HelpDirectiveSendsNotice(t *testing.T) {
	conn := dialSocket(t, newTestServer(""), "")
	if err := conn.WriteJSON(clientFrame{Type: "input", Text: "help"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readFrame(t, conn)
	if m["type"] != "notice" {
		t.Fatalf("expected notice frame, got %v", m)
	}
}

func TestSocket_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(newTestServer("secret").Router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %v", resp)
	}
}

func TestTurnStream_TerminalSurvivesFullBacklog(t *testing.T) {
	stream := newTurnStream("c1", 4)
	for i := 0; i < 10; i++ {
		stream.Consume(agent.Payload{Type: agent.PayloadDelta, Delta: "w", Seq: i})
	}
	stream.Consume(agent.Payload{Type: agent.PayloadDone})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []agent.Payload
	for {
		p, ok := stream.next(ctx)
		if !ok {
			t.Fatalf("stream ended without a terminal payload after %d payloads", len(got))
		}
		got = append(got, p)
		if isTerminal(p) {
			break
		}
	}
	if len(got) != 5 {
		t.Fatalf("got %d payloads, want 4 deltas and done", len(got))
	}
	for i, p := range got[:4] {
		if p.Type != agent.PayloadDelta || p.Seq != i {
			t.Fatalf("payload %d = %+v, want delta seq %d", i, p, i)
		}
	}
	if got[4].Type != agent.PayloadDone {
		t.Fatalf("last payload = %s, want done", got[4].Type)
	}
}

func TestTurnStream_DeltasQueuedBeforeTerminalComeFirst(t *testing.T) {
	stream := newTurnStream("c1", 8)
	stream.Consume(agent.Payload{Type: agent.PayloadDelta, Delta: "a"})
	stream.Consume(agent.Payload{Type: agent.PayloadInterrupted})

	// Take the terminal slot first, the way a racing select could.
	term := <-stream.terminal
	stream.held = &term

	ctx := context.Background()
	if p, _ := stream.next(ctx); p.Type != agent.PayloadDelta {
		t.Fatalf("first = %s, want delta", p.Type)
	}
	if p, _ := stream.next(ctx); p.Type != agent.PayloadInterrupted {
		t.Fatalf("second = %s, want interrupted", p.Type)
	}
}
