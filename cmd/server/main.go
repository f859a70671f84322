package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smitshah084/TalkBot-AI/internal/archive"
	"github.com/smitshah084/TalkBot-AI/internal/config"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
	httpserver "github.com/smitshah084/TalkBot-AI/internal/httpserver"
	"github.com/smitshah084/TalkBot-AI/internal/telephony"
	"github.com/smitshah084/TalkBot-AI/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	var store archive.Uploader
	if cfg.SupabaseURL != "" {
		s, err := archive.NewSupabaseStore(archive.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("archive disabled: %v", err)
		} else {
			store = s
		}
	}

	var synth tts.Synthesizer
	if cfg.DeepgramKey != "" {
		synth = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, "linear16", 24000)
	}

	web := conversation.Template(cfg, conversation.PCMProfile)
	web.Archive = store
	srv := httpserver.New(cfg, web, synth)

	phone := conversation.Template(cfg, conversation.PhoneProfile)
	phone.Archive = store
	telephony.New(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
		Greeting:   cfg.TwilioGreeting,
		BaseURL:    cfg.PublicBaseURL,
		Record:     cfg.TwilioRecord,
	}, phone, store).Register(srv.Router, srv.RequireAuth)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
