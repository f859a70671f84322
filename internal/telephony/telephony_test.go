package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
	"github.com/smitshah084/TalkBot-AI/internal/middleware"
)

type idleBackend struct{}

func (idleBackend) AppendUserText(string) error     { return nil }
func (idleBackend) RequestResponse() error          { return nil }
func (idleBackend) UpdateInstructions(string) error { return nil }
func (idleBackend) Close() error                    { return nil }

func idleConnector(context.Context, string, agent.BackendEvents) (agent.Backend, error) {
	return idleBackend{}, nil
}

type fakeAPI struct {
	mu        sync.Mutex
	call      *twilioApi.CreateCallParams
	recording string
	err       error
}

func (f *fakeAPI) recordingSid() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeAPI) CreateCall(p *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.call = p
	if f.err != nil {
		return nil, f.err
	}
	sid := "CA42"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) CreateCallRecording(callSid string, p *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = callSid
	return &twilioApi.ApiV2010CallRecording{}, f.err
}

type memStore struct {
	mu   sync.Mutex
	keys []string
	body []byte
}

func (m *memStore) Upload(key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	m.body = data
	return nil
}

func newTestHandler(cfg Config) (*Handler, *echo.Echo) {
	h := New(cfg, conversation.Options{Connector: idleConnector}, nil)
	e := echo.New()
	h.Register(e)
	return h, e
}

func signedForm(t *testing.T, token, fullURL string, form url.Values) *http.Request {
	t.Helper()
	u, err := url.Parse(fullURL)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, u.RequestURI(), strings.NewReader(form.Encode()))
	r.Host = u.Host
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{}
	for k := range form {
		params[k] = form.Get(k)
	}
	r.Header.Set("X-Twilio-Signature", middleware.Sign(token, fullURL, params))
	return r
}

func TestVoice_ReturnsStreamTwiML(t *testing.T) {
	_, e := newTestHandler(Config{AuthToken: "tok", Greeting: "Hi there"})
	r := signedForm(t, "tok", "https://bot.example.com/twilio/voice", url.Values{"CallSid": {"CA1"}, "From": {"+1555"}})
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{"<Say>Hi there</Say>", "<Connect>", `<Stream url="wss://bot.example.com/twilio/media-stream"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("TwiML missing %q: %s", want, body)
		}
	}
	if ct := w.Header().Get(echo.HeaderContentType); ct != "application/xml" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestVoice_RejectsUnsigned(t *testing.T) {
	_, e := newTestHandler(Config{AuthToken: "tok"})
	r := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader("CallSid=CA1"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestVoice_StartsRecording(t *testing.T) {
	h, e := newTestHandler(Config{AuthToken: "tok", Record: true})
	api := &fakeAPI{}
	h.api = api
	r := signedForm(t, "tok", "https://bot.example.com/twilio/voice", url.Values{"CallSid": {"CA9"}})
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	deadline := time.Now().Add(time.Second)
	for api.recordingSid() != "CA9" {
		if time.Now().After(deadline) {
			t.Fatalf("recording was not started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuildURL(t *testing.T) {
	e := echo.New()
	cases := []struct {
		name    string
		base    string
		host    string
		headers map[string]string
		want    string
	}{
		{"configured", "https://public.example.com/", "internal:8080", nil, "https://public.example.com/x"},
		{"forwarded", "", "internal:8080", map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "edge.example.com"}, "https://edge.example.com/x"},
		{"localhost", "", "localhost:8080", nil, "http://localhost:8080/x"},
		{"host", "", "bot.example.com", nil, "https://bot.example.com/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &Handler{cfg: Config{BaseURL: tc.base}}
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = tc.host
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			c := e.NewContext(r, httptest.NewRecorder())
			if got := h.buildURL(c, "x"); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestPlaceCall(t *testing.T) {
	h, e := newTestHandler(Config{FromNumber: "+15550000000", BaseURL: "https://bot.example.com"})
	api := &fakeAPI{}
	h.api = api

	r := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(`{"to":"+15551112222"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp callResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Sid != "CA42" {
		t.Fatalf("unexpected response %s (%v)", w.Body.String(), err)
	}
	if *api.call.To != "+15551112222" || *api.call.From != "+15550000000" || *api.call.Url != "https://bot.example.com/twilio/voice" {
		t.Fatalf("unexpected call params to=%s from=%s url=%s", *api.call.To, *api.call.From, *api.call.Url)
	}
}

func TestPlaceCall_Errors(t *testing.T) {
	h, e := newTestHandler(Config{FromNumber: "+15550000000"})

	post := func(body string) int {
		r := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		e.ServeHTTP(w, r)
		return w.Code
	}
	if code := post(`{"to":""}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code := post(`{"to":"+1555"}`); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without credentials, got %d", code)
	}
	h.api = &fakeAPI{err: errors.New("boom")}
	if code := post(`{"to":"+1555"}`); code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", code)
	}
}

func TestArchiveRecording(t *testing.T) {
	var gotPath, gotUser string
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		_, _ = io.WriteString(w, "RIFFdata")
	}))
	defer media.Close()

	store := &memStore{}
	h := New(Config{AccountSID: "AC1", AuthToken: "tok"}, conversation.Options{}, store)
	if err := h.archiveRecording(media.URL+"/Recordings/RE1", "recordings/RE1.wav"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if gotPath != "/Recordings/RE1.wav" || gotUser != "AC1" {
		t.Fatalf("unexpected download path=%q user=%q", gotPath, gotUser)
	}
	if len(store.keys) != 1 || store.keys[0] != "recordings/RE1.wav" || string(store.body) != "RIFFdata" {
		t.Fatalf("unexpected upload %v %q", store.keys, store.body)
	}
}

func TestBridge_ConsumeMapsPayloads(t *testing.T) {
	b := &bridge{streamSid: "MZ1", out: make(chan streamMessage, 4), done: make(chan struct{})}
	b.Consume(agent.Payload{Type: agent.PayloadAudio, Audio: []byte{0xff, 0x7f}})
	b.Consume(agent.Payload{Type: agent.PayloadDelta, Delta: "ignored"})
	b.Consume(agent.Payload{Type: agent.PayloadInterrupted})

	m := <-b.out
	if m.Event != "media" || m.StreamSid != "MZ1" || m.Media.Payload != base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f}) {
		t.Fatalf("unexpected media message %+v", m)
	}
	m = <-b.out
	if m.Event != "clear" || m.StreamSid != "MZ1" {
		t.Fatalf("expected clear, got %+v", m)
	}
	select {
	case m := <-b.out:
		t.Fatalf("unexpected extra message %+v", m)
	default:
	}
}

func TestMediaStream_StopEndsCall(t *testing.T) {
	_, e := newTestHandler(Config{})
	ts := httptest.NewServer(e)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/twilio/media-stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for _, m := range []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1"}}`,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"/w=="}}`,
		`{"event":"stop","streamSid":"MZ1"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the stream")
	}
}
