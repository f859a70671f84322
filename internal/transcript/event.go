package transcript

import (
	"strings"
	"unicode"
)

// Kind tags a transcript event.
type Kind int

const (
	Delta Kind = iota
	Final
	SpeechStarted
	SpeechStopped
)

func (k Kind) String() string {
	switch k {
	case Delta:
		return "delta"
	case Final:
		return "final"
	case SpeechStarted:
		return "speech_started"
	case SpeechStopped:
		return "speech_stopped"
	}
	return "unknown"
}

// Event is one recognition event, in the order the backend sent it.
// Text is set for Delta and Final, TimestampMs for the speech boundaries.
type Event struct {
	Kind        Kind
	Text        string
	TimestampMs int64
}

// LikelyContinues reports whether the last word of text suggests the speaker
// has not finished the sentence (conjunctions, prepositions, fillers).
func LikelyContinues(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
