package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
	"github.com/smitshah084/TalkBot-AI/internal/archive"
	"github.com/smitshah084/TalkBot-AI/internal/config"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
	"github.com/smitshah084/TalkBot-AI/internal/transcript"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	flag.StringVar(&cfg.RealtimeModel, "model", cfg.RealtimeModel, "Realtime model")
	flag.StringVar(&cfg.Instructions, "instructions", cfg.Instructions, "System instructions")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Backend connect timeout")
	pcmPath := flag.String("pcm", "", "Raw 24 kHz PCM16 file to send as speech before the prompt")
	noArchive := flag.Bool("no-archive", false, "Do not archive the transcript")
	verbose := flag.Bool("v", false, "Keep log output on stderr")
	flag.Parse()

	if !*verbose {
		log.SetOutput(io.Discard)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36myou>\033[0m ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	out := rl.Stdout()

	opts := conversation.Template(cfg, conversation.PCMProfile)
	opts.Channel = "cli"
	opts.OnNotice = func(msg string) { fmt.Fprintln(out, msg) }
	var exitOnce sync.Once
	exited := make(chan struct{})
	opts.OnExit = func() { exitOnce.Do(func() { close(exited) }) }
	opts.OnTranscript = func(ev transcript.Event) {
		if ev.Kind == transcript.Final {
			fmt.Fprintf(out, "(heard) %s\n", ev.Text)
		}
	}
	if !*noArchive && cfg.SupabaseURL != "" {
		if store, err := archive.NewSupabaseStore(archive.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		}); err == nil {
			opts.Archive = store
		}
	}

	conv := conversation.New(opts)
	defer conv.Close()
	conv.Subscribe(printer{out: out})

	if *pcmPath != "" {
		if err := sendPCM(conv, *pcmPath); err != nil {
			fmt.Fprintf(out, "pcm: %v\n", err)
		}
	}

	fmt.Fprintln(out, "Type a message, \"help\" for commands, Ctrl-C to interrupt a reply.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if conv.Interrupt() || line != "" {
				continue
			}
			return
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := conv.SubmitText(line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		select {
		case <-exited:
			return
		default:
		}
	}
}

// printer writes streamed replies to the terminal.
type printer struct {
	out io.Writer
}

func (p printer) Consume(pl agent.Payload) {
	switch pl.Type {
	case agent.PayloadDelta:
		if pl.Seq == 0 {
			fmt.Fprint(p.out, "\033[33mbot>\033[0m ")
		}
		fmt.Fprint(p.out, pl.Delta)
	case agent.PayloadDone:
		fmt.Fprintln(p.out)
	case agent.PayloadInterrupted:
		fmt.Fprintln(p.out, " [interrupted]")
	case agent.PayloadClosed:
		if pl.Error != "" {
			fmt.Fprintf(p.out, "\n[connection closed: %s]\n", pl.Error)
		}
	}
}

// sendPCM streams a file at real-time pace so server-side turn detection
// sees natural timing, then commits the buffer.
func sendPCM(conv *conversation.Conversation, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	const chunk = 4800 // 100ms at 24 kHz PCM16
	ctx := context.Background()
	for len(data) > 0 {
		n := min(chunk, len(data))
		if err := conv.PushAudio(ctx, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		time.Sleep(100 * time.Millisecond)
	}
	return conv.CommitAudio()
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "talkbot_history")
}
