package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
)

// streamMessage is a Twilio media-stream frame, in either direction.
type streamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
}

type streamStart struct {
	StreamSid  string            `json:"streamSid"`
	CallSid    string            `json:"callSid"`
	AccountSid string            `json:"accountSid"`
	Custom     map[string]string `json:"customParameters,omitempty"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

// bridge relays one Twilio call to a conversation.
type bridge struct {
	conn      *websocket.Conn
	streamSid string

	mu      sync.Mutex
	out     chan streamMessage
	stopped bool
	done    chan struct{}
}

func (b *bridge) send(m streamMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	select {
	case b.out <- m:
	default:
		log.Printf("[%s] media outbound buffer full, dropping %s", b.streamSid, m.Event)
	}
}

func (b *bridge) writeLoop() {
	defer close(b.done)
	for m := range b.out {
		_ = b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := b.conn.WriteJSON(m); err != nil {
			log.Printf("[%s] media write error: %v", b.streamSid, err)
			for range b.out {
			}
			return
		}
	}
}

func (b *bridge) stop() {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.out)
	}
	b.mu.Unlock()
	<-b.done
}

// Consume plays model audio back to the caller and clears Twilio's playback
// buffer when the response is interrupted.
func (b *bridge) Consume(p agent.Payload) {
	switch p.Type {
	case agent.PayloadAudio:
		b.send(streamMessage{
			Event:     "media",
			StreamSid: b.streamSid,
			Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(p.Audio)},
		})
	case agent.PayloadInterrupted:
		b.send(streamMessage{Event: "clear", StreamSid: b.streamSid})
	}
}

func (h *Handler) mediaStream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("media-stream upgrade failed: %v", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	var (
		b       *bridge
		conv    *conversation.Conversation
		lastErr string
	)
	defer func() {
		if conv != nil {
			conv.Close()
		}
		if b != nil {
			b.stop()
		}
	}()

	for {
		var m streamMessage
		if err := conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("media-stream read error: %v", err)
			}
			return nil
		}
		switch m.Event {
		case "connected":
		case "start":
			if conv != nil || m.Start == nil {
				continue
			}
			sid := m.Start.StreamSid
			if sid == "" {
				sid = m.StreamSid
			}
			b = &bridge{conn: conn, streamSid: sid, out: make(chan streamMessage, 512), done: make(chan struct{})}
			go b.writeLoop()

			opts := h.template
			opts.Channel = "twilio"
			opts.OnExit = nil
			conv = conversation.New(opts)
			conv.Subscribe(b)
			log.Printf("[%s] call %s streaming on %s", conv.ID(), m.Start.CallSid, sid)
		case "media":
			if conv == nil || m.Media == nil {
				continue
			}
			if m.Media.Track != "" && m.Media.Track != "inbound" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
			if err != nil {
				log.Printf("[%s] bad media payload: %v", conv.ID(), err)
				continue
			}
			if err := conv.PushAudio(ctx, audio); err != nil {
				// One line per distinct failure; media arrives every 20ms.
				if err.Error() != lastErr {
					log.Printf("[%s] push audio: %v", conv.ID(), err)
				}
				lastErr = err.Error()
			} else {
				lastErr = ""
			}
		case "mark":
		case "stop":
			if conv != nil {
				log.Printf("[%s] stream stopped", conv.ID())
			}
			return nil
		default:
			raw, _ := json.Marshal(m)
			log.Printf("media-stream: ignoring event %s", raw)
		}
	}
}
