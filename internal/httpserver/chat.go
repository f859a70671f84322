package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/smitshah084/TalkBot-AI/internal/agent"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
)

type chatRequest struct {
	Text         string `json:"text" form:"text"`
	Instructions string `json:"instructions,omitempty" form:"instructions"`
}

// chat runs one turn and streams its payloads as server-sent events until
// the response finishes.
func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid request body")
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return c.String(http.StatusBadRequest, "text is required")
	}

	opts := s.template
	opts.Channel = "chat"
	conv := conversation.New(opts)
	defer conv.Close()

	stream := newTurnStream(conv.ID(), 512)
	unsubscribe := conv.Subscribe(stream)
	defer unsubscribe()

	ctx := c.Request().Context()
	if req.Instructions != "" {
		if err := conv.UpdateInstructions(ctx, req.Instructions); err != nil {
			return c.String(http.StatusBadGateway, err.Error())
		}
	}
	if err := conv.Session().SubmitInput(ctx, req.Text); err != nil {
		log.Printf("[%s] chat submit failed: %v", conv.ID(), err)
		return c.String(http.StatusBadGateway, err.Error())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	for {
		p, ok := stream.next(ctx)
		if !ok {
			conv.Interrupt()
			return nil
		}
		if p.Type == agent.PayloadAudio {
			continue
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			return nil
		}
		res.Flush()
		if isTerminal(p) {
			return nil
		}
	}
}

func isTerminal(p agent.Payload) bool {
	switch p.Type {
	case agent.PayloadDone, agent.PayloadInterrupted, agent.PayloadClosed:
		return true
	}
	return false
}

// turnStream buffers one turn's payloads for a slow HTTP writer. Deltas
// beyond the backlog are dropped; the payload that ends the turn has its own
// slot and is always delivered, after the deltas that preceded it.
type turnStream struct {
	id       string
	events   chan agent.Payload
	terminal chan agent.Payload
	held     *agent.Payload
}

func newTurnStream(id string, backlog int) *turnStream {
	return &turnStream{
		id:       id,
		events:   make(chan agent.Payload, backlog),
		terminal: make(chan agent.Payload, 1),
	}
}

func (s *turnStream) Consume(p agent.Payload) {
	ch := s.events
	if isTerminal(p) {
		ch = s.terminal
	}
	select {
	case ch <- p:
	default:
		log.Printf("[%s] chat stream backlog full, dropping %s", s.id, p.Type)
	}
}

// next returns payloads in emission order. ok is false when ctx is done.
func (s *turnStream) next(ctx context.Context) (p agent.Payload, ok bool) {
	select {
	case p = <-s.events:
		return p, true
	default:
	}
	if s.held != nil {
		p, s.held = *s.held, nil
		return p, true
	}
	select {
	case <-ctx.Done():
		return p, false
	case p = <-s.events:
		return p, true
	case t := <-s.terminal:
		select {
		case p = <-s.events:
			s.held = &t
			return p, true
		default:
			return t, true
		}
	}
}
