package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAuthFailure is matched by every error the issuing endpoint rejects.
var ErrAuthFailure = errors.New("credential: auth failure")

// AuthError carries the issuing endpoint's rejection.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential: token request rejected: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailure }

// Token is a short-lived secret used to open a transcription channel.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Config describes the fixed request sent to the issuing endpoint.
type Config struct {
	BaseURL           string
	APIKey            string
	InputAudioFormat  string
	TranscribeModel   string
	VADThreshold      float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	NoiseReduction    string
}

type Provider struct {
	HTTPClient *http.Client
	cfg        Config
}

type transcriptionModel struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type sessionRequest struct {
	InputAudioFormat         string             `json:"input_audio_format"`
	InputAudioTranscription  transcriptionModel `json:"input_audio_transcription"`
	TurnDetection            turnDetection      `json:"turn_detection"`
	InputAudioNoiseReduction *noiseReduction    `json:"input_audio_noise_reduction,omitempty"`
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.InputAudioFormat == "" {
		cfg.InputAudioFormat = "pcm16"
	}
	return &Provider{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		cfg:        cfg,
	}
}

// FetchToken requests a transcription session and returns its ephemeral secret.
// It never retries.
func (p *Provider) FetchToken(ctx context.Context) (Token, error) {
	if p.cfg.APIKey == "" {
		return Token{}, fmt.Errorf("credential: api key missing: %w", ErrAuthFailure)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/realtime/transcription_sessions"

	body := sessionRequest{
		InputAudioFormat:        p.cfg.InputAudioFormat,
		InputAudioTranscription: transcriptionModel{Model: p.cfg.TranscribeModel},
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         p.cfg.VADThreshold,
			PrefixPaddingMs:   p.cfg.PrefixPaddingMs,
			SilenceDurationMs: p.cfg.SilenceDurationMs,
		},
	}
	if p.cfg.NoiseReduction != "" {
		body.InputAudioNoiseReduction = &noiseReduction{Type: p.cfg.NoiseReduction}
	}

	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("credential: request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Token{}, fmt.Errorf("credential: decode token response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Body: "empty client_secret"}
	}
	tok := Token{Value: sr.ClientSecret.Value}
	if sr.ClientSecret.ExpiresAt > 0 {
		tok.ExpiresAt = time.Unix(sr.ClientSecret.ExpiresAt, 0)
	}
	return tok, nil
}
