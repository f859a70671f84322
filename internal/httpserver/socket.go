package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/smitshah084/TalkBot-AI/internal/agent"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
	"github.com/smitshah084/TalkBot-AI/internal/transcript"
	"github.com/smitshah084/TalkBot-AI/internal/tts"
)

// clientFrame is one text frame from a push-socket client.
type clientFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

type transcriptFrame struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

type noticeFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

const writeWait = 5 * time.Second

// socketWriter serializes frames onto one websocket. Session consumers run on
// the session goroutine, so send never blocks: frames beyond the buffer are
// dropped.
type socketWriter struct {
	id   string
	conn *websocket.Conn
	done chan struct{}

	mu      sync.Mutex
	out     chan any
	stopped bool
}

func newSocketWriter(conn *websocket.Conn) *socketWriter {
	w := &socketWriter{conn: conn, out: make(chan any, 256), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *socketWriter) run() {
	defer close(w.done)
	for v := range w.out {
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := w.conn.WriteJSON(v); err != nil {
			log.Printf("[%s] ws write error: %v", w.id, err)
			for range w.out {
			}
			return
		}
	}
}

func (w *socketWriter) send(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.out <- v:
	default:
		log.Printf("[%s] ws outbound buffer full, dropping frame", w.id)
	}
}

func (w *socketWriter) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.out)
	}
	w.mu.Unlock()
	<-w.done
}

func (s *Server) socket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return nil
	}
	defer conn.Close()

	w := newSocketWriter(conn)
	opts := s.template
	opts.Channel = "ws"
	opts.OnTranscript = func(ev transcript.Event) {
		w.send(transcriptFrame{Type: "transcript", Kind: ev.Kind.String(), Text: ev.Text})
	}
	opts.OnNotice = func(msg string) { w.send(noticeFrame{Type: "notice", Text: msg}) }
	opts.OnExit = func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
	}
	conv := conversation.New(opts)
	w.id = conv.ID()
	unsubscribe := conv.Subscribe(agent.ConsumerFunc(func(p agent.Payload) { w.send(p) }))

	var speaker *tts.Speaker
	if s.synth != nil && c.QueryParam("tts") == "1" {
		speaker = tts.NewSpeaker(s.synth, func(audio []byte) {
			w.send(agent.Payload{Type: agent.PayloadAudio, Audio: audio})
		})
		conv.Subscribe(speaker)
	}
	log.Printf("[%s] push-socket connected from %s", conv.ID(), c.RealIP())

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer func() {
		cancel()
		unsubscribe()
		conv.Close()
		if speaker != nil {
			speaker.Close()
		}
		w.stop()
		log.Printf("[%s] push-socket closed", conv.ID())
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[%s] ws read error: %v", conv.ID(), err)
			}
			return nil
		}
		if mt == websocket.BinaryMessage {
			s.pushAudio(ctx, conv, w, data)
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			w.send(noticeFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		switch strings.ToLower(f.Type) {
		case "input":
			if err := conv.SubmitText(f.Text); err != nil {
				w.send(noticeFrame{Type: "error", Error: err.Error()})
			}
		case "interrupt":
			conv.Interrupt()
		case "instructions":
			if err := conv.UpdateInstructions(ctx, f.Text); err != nil {
				w.send(noticeFrame{Type: "error", Error: err.Error()})
			}
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(f.Audio)
			if err != nil {
				w.send(noticeFrame{Type: "error", Error: "invalid audio encoding"})
				continue
			}
			s.pushAudio(ctx, conv, w, pcm)
		case "commit":
			if err := conv.CommitAudio(); err != nil {
				w.send(noticeFrame{Type: "error", Error: err.Error()})
			}
		default:
			w.send(noticeFrame{Type: "error", Error: "unknown frame type " + f.Type})
		}
	}
}

func (s *Server) pushAudio(ctx context.Context, conv *conversation.Conversation, w *socketWriter, pcm []byte) {
	err := conv.PushAudio(ctx, pcm)
	if err == nil {
		return
	}
	if errors.Is(err, conversation.ErrSpeechDisabled) {
		w.send(noticeFrame{Type: "error", Error: "speech input is not enabled"})
		return
	}
	log.Printf("[%s] push audio: %v", conv.ID(), err)
	w.send(noticeFrame{Type: "error", Error: err.Error()})
}
