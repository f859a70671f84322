package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
)

// Uploader stores one object.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// Transcript is the archived record of one conversation.
type Transcript struct {
	SessionID string       `json:"session_id"`
	Channel   string       `json:"channel"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Turns     []agent.Turn `json:"turns"`
}

// Key is the object path the transcript is stored under.
func (t Transcript) Key() string {
	return fmt.Sprintf("%s/%s_%d.json", t.Channel, t.SessionID, t.StartedAt.Unix())
}

// Save uploads t as JSON. Conversations without turns are skipped.
func Save(u Uploader, t Transcript) (string, error) {
	if len(t.Turns) == 0 {
		return "", nil
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encode transcript: %w", err)
	}
	key := t.Key()
	if err := u.Upload(key, "application/json", data); err != nil {
		return "", err
	}
	return key, nil
}
