package transcript

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smitshah084/TalkBot-AI/internal/credential"
	"github.com/smitshah084/TalkBot-AI/internal/duplex"
)

// TokenSource issues the short-lived secret used to open the channel.
type TokenSource interface {
	FetchToken(ctx context.Context) (credential.Token, error)
}

type Config struct {
	// URL is the transcription endpoint, e.g.
	// wss://api.openai.com/v1/realtime?intent=transcription
	URL          string
	Tokens       TokenSource
	ReadyTimeout time.Duration
	// Label prefixes log lines, usually the session id.
	Label  string
	Dialer *websocket.Dialer
}

var readyTypes = []string{"transcription_session.created", "session.created"}

// Client streams audio to the transcription backend and feeds the recognized
// events into an Aggregator.
type Client struct {
	ch    *duplex.Channel
	agg   *Aggregator
	label string

	closeOnce sync.Once
}

type speechEvent struct {
	AudioStartMs int64 `json:"audio_start_ms"`
	AudioEndMs   int64 `json:"audio_end_ms"`
}

type deltaEvent struct {
	Delta string `json:"delta"`
}

type completedEvent struct {
	Transcript string `json:"transcript"`
}

type errorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Dial fetches a token and opens the transcription channel. On any failure
// the aggregator is closed so its readers terminate.
func Dial(ctx context.Context, cfg Config, agg *Aggregator) (*Client, error) {
	c := &Client{agg: agg, label: cfg.Label}
	if c.label == "" {
		c.label = "stt"
	}
	if cfg.Tokens == nil {
		agg.Close()
		return nil, errors.New("transcript: no token source configured")
	}
	tok, err := cfg.Tokens.FetchToken(ctx)
	if err != nil {
		agg.Close()
		return nil, fmt.Errorf("transcript: fetch token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.Value)
	header.Set("OpenAI-Beta", "realtime=v1")

	ch, err := duplex.Dial(ctx, duplex.Options{
		Name:         "stt",
		URL:          cfg.URL,
		Header:       header,
		ReadyTypes:   readyTypes,
		ReadyTimeout: cfg.ReadyTimeout,
		Dialer:       cfg.Dialer,
		Handlers: duplex.Handlers{
			OnOpen:    func(ev duplex.Event) { log.Printf("[%s] transcription session ready (%s)", c.label, ev.Type) },
			OnMessage: c.handle,
			OnError: func(err error) {
				log.Printf("[%s] transcription channel failed: %v", c.label, err)
				agg.Close()
			},
			OnClose: func(err error) {
				log.Printf("[%s] transcription channel closed: %v", c.label, err)
				agg.Close()
			},
		},
	})
	if err != nil {
		agg.Close()
		return nil, fmt.Errorf("transcript: %w", err)
	}
	c.ch = ch
	return c, nil
}

func (c *Client) handle(ev duplex.Event) {
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		var m speechEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		c.agg.Handle(Event{Kind: SpeechStarted, TimestampMs: m.AudioStartMs})
	case "input_audio_buffer.speech_stopped":
		var m speechEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		c.agg.Handle(Event{Kind: SpeechStopped, TimestampMs: m.AudioEndMs})
	case "conversation.item.input_audio_transcription.delta":
		var m deltaEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		c.agg.Handle(Event{Kind: Delta, Text: m.Delta})
	case "conversation.item.input_audio_transcription.completed":
		var m completedEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		c.agg.Handle(Event{Kind: Final, Text: m.Transcript})
	case "error":
		var m errorEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		log.Printf("[%s] transcription error: type=%s code=%s %s", c.label, m.Error.Type, m.Error.Code, m.Error.Message)
	}
}

// AppendAudio sends one chunk of input audio.
func (c *Client) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.ch.Send(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit asks the backend to finalize the buffered audio.
func (c *Client) Commit() error {
	return c.ch.Send(map[string]string{"type": "input_audio_buffer.commit"})
}

func (c *Client) State() duplex.State { return c.ch.State() }

func (c *Client) Aggregator() *Aggregator { return c.agg }

// Close closes the channel and the aggregator.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ch.Close()
		c.agg.Close()
	})
	return nil
}
