package llm

import (
	"context"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
)

// Connector adapts Dial to the session's backend contract.
func Connector(cfg Config) agent.Connector {
	return func(ctx context.Context, label string, ev agent.BackendEvents) (agent.Backend, error) {
		c := cfg
		if label != "" {
			c.Label = label
		}
		cl, err := Dial(ctx, c, Handlers{
			OnTextDelta:    ev.OnTextDelta,
			OnAudioDelta:   ev.OnAudioDelta,
			OnResponseDone: ev.OnResponseDone,
			OnClosed:       ev.OnClosed,
		})
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
}
