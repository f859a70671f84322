package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
	"github.com/smitshah084/TalkBot-AI/internal/archive"
	"github.com/smitshah084/TalkBot-AI/internal/audio"
	"github.com/smitshah084/TalkBot-AI/internal/credential"
	"github.com/smitshah084/TalkBot-AI/internal/duplex"
	"github.com/smitshah084/TalkBot-AI/internal/transcript"
)

var ErrSpeechDisabled = errors.New("conversation: speech input not configured")

// pcmSampleRate is the rate of realtime pcm16 audio.
const pcmSampleRate = 24000

const (
	defaultRetryBackoff = 2 * time.Second
	maxRetryBackoff     = 30 * time.Second
)

// Options is the template every conversation is built from. Channel-specific
// hooks are filled in per connection.
type Options struct {
	// Channel names the entry point ("ws", "chat", "twilio", "cli").
	Channel        string
	Connector      agent.Connector
	ConnectTimeout time.Duration

	// STT configures speech input; a nil STT.Tokens disables it.
	STT         transcript.Config
	PollTimeout time.Duration
	ChunkBytes  int
	// VADThreshold is the RMS level for local speech detection on PCM16
	// input; zero disables it.
	VADThreshold    float64
	BargeInOnSpeech bool
	// RetryBackoff is the first wait after a failed transcription dial; it
	// doubles per failure up to 30s. Auth failures are never retried.
	RetryBackoff      time.Duration
	ContinuationGrace time.Duration

	Archive archive.Uploader

	OnTranscript func(transcript.Event)
	OnNotice     func(string)
	OnExit       func()
}

// Conversation is everything one end user talks to: a Session, its
// Dispatcher and, once audio arrives, a transcription channel.
type Conversation struct {
	opts       Options
	session    *agent.Session
	dispatcher *agent.Dispatcher
	started    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	stt    *transcript.Client
	pump   *audio.Pump
	closed bool
	// Last transcription dial failure. A zero retryAt means it is final.
	dialErr error
	retryAt time.Time
	backoff time.Duration

	closeOnce sync.Once
}

func New(opts Options) *Conversation {
	if opts.Channel == "" {
		opts.Channel = "default"
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{opts: opts, started: time.Now(), ctx: ctx, cancel: cancel}
	c.session = agent.NewSession(agent.Options{
		Connector:      opts.Connector,
		ConnectTimeout: opts.ConnectTimeout,
	})
	c.dispatcher = agent.NewDispatcher(c.session, agent.DispatcherOptions{
		ContinuationGrace: opts.ContinuationGrace,
		OnExit:            opts.OnExit,
		OnNotice:          opts.OnNotice,
	})
	log.Printf("[%s] conversation started channel=%s", c.session.ID(), opts.Channel)
	return c
}

func (c *Conversation) ID() string                    { return c.session.ID() }
func (c *Conversation) Session() *agent.Session       { return c.session }
func (c *Conversation) Dispatcher() *agent.Dispatcher { return c.dispatcher }

func (c *Conversation) Subscribe(consumer agent.Consumer) func() {
	return c.session.Subscribe(consumer)
}

// SubmitText feeds typed input, including directives.
func (c *Conversation) SubmitText(text string) error {
	return c.dispatcher.Submit(agent.Input{Text: text, Source: agent.Typed})
}

func (c *Conversation) Interrupt() bool { return c.session.Interrupt() }

func (c *Conversation) UpdateInstructions(ctx context.Context, text string) error {
	return c.session.UpdateInstructions(ctx, text)
}

// PushAudio forwards input audio, opening the transcription channel on first
// use or after it dropped. After a failed open it returns that error without
// dialing until the backoff expires, or for good on an auth failure.
func (c *Conversation) PushAudio(ctx context.Context, pcm []byte) error {
	pump, err := c.speech(ctx)
	if err != nil {
		return err
	}
	_, err = pump.Write(pcm)
	return err
}

// CommitAudio flushes buffered audio and asks the backend to finalize it.
func (c *Conversation) CommitAudio() error {
	c.mu.Lock()
	pump, stt := c.pump, c.stt
	c.mu.Unlock()
	if stt == nil {
		return ErrSpeechDisabled
	}
	if err := pump.Flush(); err != nil {
		return err
	}
	return stt.Commit()
}

func (c *Conversation) speech(ctx context.Context) (*audio.Pump, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, agent.ErrSessionClosed
	}
	if c.stt != nil && c.stt.State() == duplex.Open {
		return c.pump, nil
	}
	if c.opts.STT.Tokens == nil {
		return nil, ErrSpeechDisabled
	}
	if c.dialErr != nil && (c.retryAt.IsZero() || time.Now().Before(c.retryAt)) {
		return nil, c.dialErr
	}
	if c.stt != nil {
		_ = c.stt.Close()
	}

	agg := transcript.NewAggregator(c.opts.PollTimeout)
	agg.OnSpeechBoundary(func(ev transcript.Event) {
		if ev.Kind == transcript.SpeechStarted && c.opts.BargeInOnSpeech {
			c.dispatcher.NotifyActivity()
		}
		c.notifyTranscript(ev)
	})
	cfg := c.opts.STT
	cfg.Label = c.session.ID()
	client, err := transcript.Dial(ctx, cfg, agg)
	if err != nil {
		return nil, c.dialFailed(fmt.Errorf("conversation: open transcription: %w", err))
	}
	c.dialErr, c.retryAt, c.backoff = nil, time.Time{}, 0

	popts := audio.PumpOptions{ChunkBytes: c.opts.ChunkBytes}
	if c.opts.VADThreshold > 0 {
		popts.VAD = audio.NewVAD(c.opts.VADThreshold, 0, pcmSampleRate)
		if c.opts.BargeInOnSpeech {
			popts.OnSpeech = c.dispatcher.NotifyActivity
		}
	}
	c.stt = client
	c.pump = audio.NewPump(client, popts)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for text := range agg.Deltas().All(c.ctx) {
			c.notifyTranscript(transcript.Event{Kind: transcript.Delta, Text: text})
		}
	}()
	go func() {
		defer c.wg.Done()
		for text := range agg.Finals().All(c.ctx) {
			c.notifyTranscript(transcript.Event{Kind: transcript.Final, Text: text})
			if err := c.dispatcher.Submit(agent.Input{Text: text, Source: agent.Speech}); err != nil {
				log.Printf("[%s] dropping utterance: %v", c.session.ID(), err)
			}
		}
	}()
	return c.pump, nil
}

// dialFailed records a transcription dial failure. Callers hold c.mu.
func (c *Conversation) dialFailed(err error) error {
	c.dialErr = err
	if errors.Is(err, credential.ErrAuthFailure) {
		c.retryAt = time.Time{}
		log.Printf("[%s] speech input disabled: %v", c.session.ID(), err)
		return err
	}
	if c.backoff == 0 {
		c.backoff = c.opts.RetryBackoff
	} else {
		c.backoff = min(2*c.backoff, maxRetryBackoff)
	}
	c.retryAt = time.Now().Add(c.backoff)
	log.Printf("[%s] transcription unavailable, retrying in %s: %v", c.session.ID(), c.backoff, err)
	return err
}

func (c *Conversation) notifyTranscript(ev transcript.Event) {
	if c.opts.OnTranscript != nil {
		c.opts.OnTranscript(ev)
	}
}

// Close tears the conversation down and archives its history.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stt := c.stt
		c.mu.Unlock()

		c.cancel()
		c.dispatcher.Close()
		if stt != nil {
			_ = stt.Close()
		}
		c.wg.Wait()
		c.session.Shutdown()
		c.archive()
	})
}

func (c *Conversation) archive() {
	if c.opts.Archive == nil {
		return
	}
	key, err := archive.Save(c.opts.Archive, archive.Transcript{
		SessionID: c.session.ID(),
		Channel:   c.opts.Channel,
		StartedAt: c.started,
		EndedAt:   time.Now(),
		Turns:     c.session.History(),
	})
	if err != nil {
		log.Printf("[%s] archive failed: %v", c.session.ID(), err)
		return
	}
	if key != "" {
		log.Printf("[%s] transcript archived at %s", c.session.ID(), key)
	}
}
