package tts

import (
	"context"
	"log"
	"sync"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
)

type utterance struct {
	text string
	gen  uint64
}

// Speaker is a session consumer that speaks finished responses sentence by
// sentence. An interrupt or close drops everything queued and cuts the
// sentence being spoken.
type Speaker struct {
	synth Synthesizer
	out   func(audio []byte)

	mu        sync.Mutex
	gen       uint64
	cancelCur context.CancelFunc

	queue  chan utterance
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSpeaker(synth Synthesizer, out func(audio []byte)) *Speaker {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Speaker{
		synth:  synth,
		out:    out,
		queue:  make(chan utterance, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Speaker) Consume(p agent.Payload) {
	switch p.Type {
	case agent.PayloadDone:
		s.mu.Lock()
		gen := s.gen
		s.mu.Unlock()
		for _, chunk := range chunkReply(p.FullResponse) {
			select {
			case s.queue <- utterance{text: chunk, gen: gen}:
			default:
				log.Printf("tts: queue full, dropping %q", chunk)
			}
		}
	case agent.PayloadInterrupted, agent.PayloadClosed:
		s.Reset()
	}
}

// Reset cancels the current sentence and discards queued ones.
func (s *Speaker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancelCur != nil {
		s.cancelCur()
		s.cancelCur = nil
	}
}

func (s *Speaker) Close() {
	s.cancel()
	<-s.done
}

func (s *Speaker) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case u := <-s.queue:
			s.speak(u)
		}
	}
}

func (s *Speaker) speak(u utterance) {
	s.mu.Lock()
	if u.gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelCur = cancel
	s.mu.Unlock()
	defer cancel()

	pcmCh, errCh := s.synth.Stream(ctx, u.text)
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			if ctx.Err() == nil && len(b) > 0 {
				s.out(b)
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Printf("tts: %v", err)
			}
		}
	}
}
