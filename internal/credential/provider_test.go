package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchToken_NoKey(t *testing.T) {
	p := NewProvider(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.FetchToken(ctx); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected auth failure with missing key, got %v", err)
	}
}

func TestFetchToken_SendsFixedBodyAndReturnsSecret(t *testing.T) {
	var got sessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/transcription_sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer key, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_123","expires_at":1700000000}}`))
	}))
	defer srv.Close()

	p := NewProvider(Config{
		BaseURL:           srv.URL,
		APIKey:            "sk-test",
		TranscribeModel:   "gpt-4o-transcribe",
		VADThreshold:      0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
		NoiseReduction:    "near_field",
	})
	tok, err := p.FetchToken(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tok.Value != "ek_123" {
		t.Fatalf("token value: got %q", tok.Value)
	}
	if tok.ExpiresAt.Unix() != 1700000000 {
		t.Fatalf("expires at: got %v", tok.ExpiresAt)
	}
	if got.InputAudioFormat != "pcm16" {
		t.Fatalf("expected pcm16 input format, got %q", got.InputAudioFormat)
	}
	if got.TurnDetection.Type != "server_vad" || got.TurnDetection.SilenceDurationMs != 500 || got.TurnDetection.PrefixPaddingMs != 300 {
		t.Fatalf("unexpected turn detection: %+v", got.TurnDetection)
	}
	if got.InputAudioNoiseReduction == nil || got.InputAudioNoiseReduction.Type != "near_field" {
		t.Fatalf("expected noise reduction in body")
	}
}

func TestFetchToken_Failures(t *testing.T) {
	cases := []struct {
		name     string
		handler  http.HandlerFunc
		authFail bool
	}{
		{"status_401", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad key"}`))
		}, true},
		{"status_500", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }, true},
		{"empty_secret", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"client_secret":{}}`))
		}, true},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			p := NewProvider(Config{APIKey: "key"})
			p.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.URL.Scheme = "http"
				req.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(req)
			})}
			_, err := p.FetchToken(context.Background())
			if err == nil {
				t.Fatalf("expected error; got nil")
			}
			if errors.Is(err, ErrAuthFailure) != tc.authFail {
				t.Fatalf("auth failure mismatch: err=%v", err)
			}
			var ae *AuthError
			if tc.authFail && tc.name == "status_401" {
				if !errors.As(err, &ae) || ae.StatusCode != 401 || ae.Body == "" {
					t.Fatalf("expected AuthError with status and body, got %v", err)
				}
			}
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
