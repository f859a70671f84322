package audio

import (
	"fmt"
	"sync"
)

// DefaultChunkBytes is 100ms of 16kHz PCM16 mono.
const DefaultChunkBytes = 3200

// maxPendingChunks bounds what a failing sink can leave buffered; older
// audio is discarded first.
const maxPendingChunks = 50

// Sink receives fixed-size audio chunks, usually the transcription client.
type Sink interface {
	AppendAudio(chunk []byte) error
}

type PumpOptions struct {
	ChunkBytes int
	// VAD, when set, watches PCM input for the start of speech.
	VAD *VAD
	// OnSpeech fires on every rising edge reported by VAD.
	OnSpeech func()
}

// Pump regroups pushed audio into chunks for a Sink.
type Pump struct {
	sink     Sink
	chunk    int
	vad      *VAD
	onSpeech func()

	mu  sync.Mutex
	buf []byte
}

func NewPump(sink Sink, opts PumpOptions) *Pump {
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}
	return &Pump{sink: sink, chunk: opts.ChunkBytes, vad: opts.VAD, onSpeech: opts.OnSpeech}
}

// Write buffers p and forwards every complete chunk. A chunk the sink
// rejects stays buffered and is retried by the next Write or Flush.
func (p *Pump) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vad != nil && p.vad.Feed(b) && p.onSpeech != nil {
		p.onSpeech()
	}
	p.buf = append(p.buf, b...)
	if limit := maxPendingChunks * p.chunk; len(p.buf) > limit {
		p.buf = append(p.buf[:0], p.buf[len(p.buf)-limit:]...)
	}
	for len(p.buf) >= p.chunk {
		out := make([]byte, p.chunk)
		copy(out, p.buf[:p.chunk])
		if err := p.sink.AppendAudio(out); err != nil {
			return len(b), fmt.Errorf("audio: forward chunk: %w", err)
		}
		p.buf = p.buf[p.chunk:]
	}
	return len(b), nil
}

// Flush forwards whatever is buffered. On error the bytes are kept.
func (p *Pump) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil
	}
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	if err := p.sink.AppendAudio(out); err != nil {
		return fmt.Errorf("audio: flush: %w", err)
	}
	p.buf = nil
	return nil
}

// Buffered reports how many bytes wait for a full chunk.
func (p *Pump) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
