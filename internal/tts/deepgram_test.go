package tts

import (
	"context"
	"testing"
	"time"
)

// This is a smoke test for Stream without an API key; it should error quickly
func TestDeepgram_Stream_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "", "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.Stream(ctx, "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
		// ignore
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestChunkReply(t *testing.T) {
	got := chunkReply("Hello there. How are you?\nFine")
	want := []string{"Hello there.", "How are you?", "Fine"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d: want %q got %q", i, want[i], got[i])
		}
	}
	if chunkReply("   ") != nil {
		t.Fatalf("blank reply should have no chunks")
	}
}
