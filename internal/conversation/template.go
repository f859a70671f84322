package conversation

import (
	"github.com/smitshah084/TalkBot-AI/internal/config"
	"github.com/smitshah084/TalkBot-AI/internal/credential"
	"github.com/smitshah084/TalkBot-AI/internal/llm"
	"github.com/smitshah084/TalkBot-AI/internal/transcript"
)

// AudioProfile selects the wire audio format of a channel.
type AudioProfile struct {
	// Format is the realtime API audio format name, "pcm16" or "g711_ulaw".
	Format string
	// SpeakReplies asks the model for audio output in Format.
	SpeakReplies bool
	// ChunkBytes is the input frame size forwarded to transcription.
	ChunkBytes int
	// LocalVAD enables the energy detector; it only understands PCM16.
	LocalVAD bool
}

var (
	// PCMProfile serves browsers and the terminal: 24 kHz PCM16 in, text out.
	PCMProfile = AudioProfile{Format: "pcm16", ChunkBytes: 4800, LocalVAD: true}
	// PhoneProfile serves Twilio media streams: 8 kHz μ-law both ways.
	PhoneProfile = AudioProfile{Format: "g711_ulaw", SpeakReplies: true, ChunkBytes: 800}
)

// Template builds the conversation options shared by every connection of one
// channel kind.
func Template(cfg config.Config, p AudioProfile) Options {
	modalities := []string{"text"}
	output := ""
	if p.SpeakReplies {
		modalities = []string{"text", "audio"}
		output = p.Format
	}
	opts := Options{
		Connector: llm.Connector(llm.Config{
			URL:               cfg.RealtimeURL,
			APIKey:            cfg.OpenAIKey,
			Model:             cfg.RealtimeModel,
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			Modalities:        modalities,
			InputAudioFormat:  p.Format,
			OutputAudioFormat: output,
			ReadyTimeout:      cfg.ConnectTimeout,
		}),
		ConnectTimeout:  cfg.ConnectTimeout,
		ChunkBytes:      p.ChunkBytes,
		BargeInOnSpeech: cfg.BargeInOnSpeech,
	}
	if p.LocalVAD {
		opts.VADThreshold = cfg.LocalVADRMS
	}
	if cfg.OpenAIKey != "" {
		opts.STT = transcript.Config{
			URL: cfg.RealtimeURL + "?intent=transcription",
			Tokens: credential.NewProvider(credential.Config{
				BaseURL:           cfg.OpenAIBaseURL,
				APIKey:            cfg.OpenAIKey,
				InputAudioFormat:  p.Format,
				TranscribeModel:   cfg.TranscribeModel,
				VADThreshold:      cfg.VADThreshold,
				PrefixPaddingMs:   cfg.VADPrefixPadding,
				SilenceDurationMs: cfg.VADSilence,
				NoiseReduction:    cfg.NoiseReduction,
			}),
			ReadyTimeout: cfg.ConnectTimeout,
		}
	}
	return opts
}
