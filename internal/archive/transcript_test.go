package archive

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/smitshah084/TalkBot-AI/internal/agent"
)

type memUploader struct {
	key, contentType string
	data             []byte
	err              error
}

func (m *memUploader) Upload(key, contentType string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.key, m.contentType, m.data = key, contentType, data
	return nil
}

func TestSave_UploadsJSON(t *testing.T) {
	started := time.Unix(1700000000, 0).UTC()
	tr := Transcript{
		SessionID: "abc",
		Channel:   "ws",
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
		Turns: []agent.Turn{
			{Role: "user", Text: "hi", At: started},
			{Role: "assistant", Text: "hello", Interrupted: true, At: started},
		},
	}
	up := &memUploader{}
	key, err := Save(up, tr)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if key != "ws/abc_1700000000.json" || up.key != key || up.contentType != "application/json" {
		t.Fatalf("unexpected upload %q %q", up.key, up.contentType)
	}
	var back Transcript
	if err := json.Unmarshal(up.data, &back); err != nil {
		t.Fatalf("archived data is not JSON: %v", err)
	}
	if len(back.Turns) != 2 || !back.Turns[1].Interrupted {
		t.Fatalf("turns not preserved: %+v", back.Turns)
	}
}

func TestSave_SkipsEmptyAndReportsErrors(t *testing.T) {
	up := &memUploader{}
	if key, err := Save(up, Transcript{SessionID: "x"}); err != nil || key != "" || up.key != "" {
		t.Fatalf("empty transcript should be skipped")
	}
	up.err = errors.New("boom")
	if _, err := Save(up, Transcript{SessionID: "x", Turns: []agent.Turn{{Role: "user", Text: "a"}}}); err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestNewSupabaseStore_RequiresConfig(t *testing.T) {
	if _, err := NewSupabaseStore(Config{}); err == nil {
		t.Fatalf("expected error without url/key")
	}
}
