package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string `yaml:"http_address"`
	AuthPassword string `yaml:"auth_password"`
	// PublicBaseURL is how callers reach this server, used for webhook
	// callbacks. Derived from the request when empty.
	PublicBaseURL string `yaml:"public_base_url"`

	OpenAIKey       string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	RealtimeURL     string `yaml:"openai_realtime_url"`
	RealtimeModel   string `yaml:"realtime_model"`
	TranscribeModel string `yaml:"transcribe_model"`
	Instructions    string `yaml:"instructions"`
	Voice           string `yaml:"voice"`

	VADThreshold     float64       `yaml:"vad_threshold"`
	VADPrefixPadding int           `yaml:"vad_prefix_padding_ms"`
	VADSilence       int           `yaml:"vad_silence_duration_ms"`
	NoiseReduction   string        `yaml:"noise_reduction"`
	InputAudioFormat string        `yaml:"input_audio_format"`
	BargeInOnSpeech  bool          `yaml:"barge_in_on_speech"`
	// LocalVADRMS is the energy level at which pushed PCM16 audio counts as
	// speech for barge-in. Zero disables the local detector.
	LocalVADRMS float64 `yaml:"local_vad_rms"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFromNumber string `yaml:"twilio_from_number"`
	TwilioGreeting   string `yaml:"twilio_greeting"`
	TwilioRecord     bool   `yaml:"twilio_record"`

	SupabaseURL            string `yaml:"supabase_url"`
	SupabaseServiceRoleKey string `yaml:"supabase_service_role_key"`
	SupabaseBucket         string `yaml:"supabase_bucket"`

	DeepgramKey   string `yaml:"deepgram_api_key"`
	DeepgramModel string `yaml:"deepgram_model"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddress:      ":8080",
		OpenAIBaseURL:    "https://api.openai.com",
		RealtimeURL:      "wss://api.openai.com/v1/realtime",
		RealtimeModel:    "gpt-4o-mini-realtime-preview-2024-12-17",
		TranscribeModel:  "gpt-4o-transcribe",
		Instructions:     "You are a helpful, concise voice assistant. Answer clearly and briefly.",
		Voice:            "alloy",
		VADThreshold:     0.5,
		VADPrefixPadding: 300,
		VADSilence:       500,
		NoiseReduction:   "near_field",
		InputAudioFormat: "pcm16",
		BargeInOnSpeech:  true,
		LocalVADRMS:      300,
		ConnectTimeout:   10 * time.Second,
		TwilioGreeting:   "Hello! You are connected to the assistant. Go ahead and speak.",
		SupabaseBucket:   "transcripts",
		DeepgramModel:    "aura-2-thalia-en",
	}
}

// Load reads .env, an optional YAML file named by TALKBOT_CONFIG and the
// environment, in that order of increasing precedence.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	cfg := Defaults()
	if path := os.Getenv("TALKBOT_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			log.Printf("config: %v", err)
		}
	}
	applyEnv(&cfg)

	if cfg.OpenAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - realtime sessions will not work")
	}
	if cfg.TwilioAuthToken == "" {
		log.Println("Warning: TWILIO_AUTH_TOKEN not set - Twilio webhooks will be rejected")
	}
	if cfg.SupabaseURL == "" {
		log.Println("Warning: SUPABASE_URL not set - transcripts will not be archived")
	}

	log.Printf("config: HTTP_ADDRESS=%s REALTIME_MODEL=%s", cfg.HTTPAddress, cfg.RealtimeModel)
	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddress, "HTTP_ADDRESS")
	setString(&cfg.AuthPassword, "AUTH_PASSWORD")
	setString(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&cfg.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&cfg.RealtimeURL, "OPENAI_REALTIME_URL")
	setString(&cfg.RealtimeModel, "REALTIME_MODEL")
	setString(&cfg.TranscribeModel, "TRANSCRIBE_MODEL")
	setString(&cfg.Instructions, "INSTRUCTIONS")
	setString(&cfg.Voice, "VOICE")
	setString(&cfg.NoiseReduction, "NOISE_REDUCTION")
	setString(&cfg.InputAudioFormat, "INPUT_AUDIO_FORMAT")
	setString(&cfg.TwilioAccountSID, "TWILIO_ACCOUNT_SID")
	setString(&cfg.TwilioAuthToken, "TWILIO_AUTH_TOKEN")
	setString(&cfg.TwilioFromNumber, "TWILIO_FROM_NUMBER")
	setString(&cfg.TwilioGreeting, "TWILIO_GREETING")
	setString(&cfg.SupabaseURL, "SUPABASE_URL")
	setString(&cfg.SupabaseServiceRoleKey, "SUPABASE_SERVICE_ROLE_KEY")
	setString(&cfg.SupabaseBucket, "SUPABASE_BUCKET")
	setString(&cfg.DeepgramKey, "DEEPGRAM_API_KEY")
	setString(&cfg.DeepgramModel, "DEEPGRAM_MODEL")

	setFloat(&cfg.VADThreshold, "VAD_THRESHOLD")
	setFloat(&cfg.LocalVADRMS, "LOCAL_VAD_RMS")
	setInt(&cfg.VADPrefixPadding, "VAD_PREFIX_PADDING_MS")
	setInt(&cfg.VADSilence, "VAD_SILENCE_DURATION_MS")
	setBool(&cfg.BargeInOnSpeech, "BARGE_IN_ON_SPEECH")
	setBool(&cfg.TwilioRecord, "TWILIO_RECORD")
	if v := os.Getenv("CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ConnectTimeout = d
		} else {
			log.Printf("config: invalid CONNECT_TIMEOUT %q", v)
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s %q: %v", key, v, err)
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: invalid %s %q: %v", key, v, err)
		return
	}
	*dst = b
}

func setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: invalid %s %q: %v", key, v, err)
		return
	}
	*dst = f
}
