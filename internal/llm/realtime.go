package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smitshah084/TalkBot-AI/internal/duplex"
)

type Config struct {
	// URL is the realtime endpoint; the model is added as a query parameter.
	URL          string
	APIKey       string
	Model        string
	Instructions string
	Voice        string
	// Modalities requested for every response, e.g. ["text"] or ["text","audio"].
	Modalities        []string
	InputAudioFormat  string
	OutputAudioFormat string
	ReadyTimeout      time.Duration
	Label             string
	Dialer            *websocket.Dialer
}

// Handlers receive model output. They run on the channel's receive goroutine.
type Handlers struct {
	OnTextDelta    func(text string)
	OnAudioDelta   func(audio []byte)
	OnResponseDone func()
	OnClosed       func(err error)
}

// Client is one realtime conversation with the model.
type Client struct {
	ch         *duplex.Channel
	label      string
	modalities []string
	handlers   Handlers
	closeOnce  sync.Once
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type responseCreate struct {
	Type     string `json:"type"`
	Response struct {
		Modalities []string `json:"modalities"`
	} `json:"response"`
}

type sessionSettings struct {
	Instructions      string   `json:"instructions,omitempty"`
	Modalities        []string `json:"modalities,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
}

type sessionUpdate struct {
	Type    string          `json:"type"`
	Session sessionSettings `json:"session"`
}

type deltaEvent struct {
	Delta string `json:"delta"`
}

type errorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func endpoint(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("llm: bad realtime url %q: %w", base, err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens the realtime channel, waits for session.created and pushes the
// configured session settings.
func Dial(ctx context.Context, cfg Config, h Handlers) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key missing")
	}
	target, err := endpoint(cfg.URL, cfg.Model)
	if err != nil {
		return nil, err
	}
	c := &Client{label: cfg.Label, modalities: cfg.Modalities, handlers: h}
	if c.label == "" {
		c.label = "llm"
	}
	if len(c.modalities) == 0 {
		c.modalities = []string{"text"}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ch, err := duplex.Dial(ctx, duplex.Options{
		Name:         "llm",
		URL:          target,
		Header:       header,
		ReadyTypes:   []string{"session.created"},
		ReadyTimeout: cfg.ReadyTimeout,
		Dialer:       cfg.Dialer,
		Handlers: duplex.Handlers{
			OnMessage: c.handle,
			OnError:   c.closed,
			OnClose:   c.closed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	c.ch = ch

	settings := sessionSettings{
		Instructions:      cfg.Instructions,
		Modalities:        c.modalities,
		Voice:             cfg.Voice,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
	}
	if err := ch.Send(sessionUpdate{Type: "session.update", Session: settings}); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("llm: configure session: %w", err)
	}
	log.Printf("[%s] realtime session ready model=%s modalities=%v", c.label, cfg.Model, c.modalities)
	return c, nil
}

func (c *Client) handle(ev duplex.Event) {
	switch ev.Type {
	case "response.text.delta", "response.audio_transcript.delta":
		var m deltaEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		if c.handlers.OnTextDelta != nil && m.Delta != "" {
			c.handlers.OnTextDelta(m.Delta)
		}
	case "response.audio.delta":
		var m deltaEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		audio, err := base64.StdEncoding.DecodeString(m.Delta)
		if err != nil {
			log.Printf("[%s] dropping undecodable audio delta: %v", c.label, err)
			return
		}
		if c.handlers.OnAudioDelta != nil && len(audio) > 0 {
			c.handlers.OnAudioDelta(audio)
		}
	case "response.done":
		if c.handlers.OnResponseDone != nil {
			c.handlers.OnResponseDone()
		}
	case "error":
		var m errorEvent
		if err := ev.Decode(&m); err != nil {
			log.Printf("[%s] %v", c.label, err)
			return
		}
		log.Printf("[%s] realtime error: type=%s code=%s %s", c.label, m.Error.Type, m.Error.Code, m.Error.Message)
	}
}

func (c *Client) closed(err error) {
	if c.handlers.OnClosed != nil {
		c.handlers.OnClosed(err)
	}
}

// AppendUserText adds a user message to the conversation.
func (c *Client) AppendUserText(text string) error {
	return c.ch.Send(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
}

// RequestResponse asks the model to answer the conversation so far.
func (c *Client) RequestResponse() error {
	req := responseCreate{Type: "response.create"}
	req.Response.Modalities = c.modalities
	return c.ch.Send(req)
}

// UpdateInstructions replaces the system instructions for later responses.
func (c *Client) UpdateInstructions(text string) error {
	return c.ch.Send(sessionUpdate{Type: "session.update", Session: sessionSettings{Instructions: text}})
}

func (c *Client) State() duplex.State { return c.ch.State() }

func (c *Client) Close() error {
	c.closeOnce.Do(func() { _ = c.ch.Close() })
	return nil
}
