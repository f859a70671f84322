package tts

import "strings"

// chunkReply splits a reply into sentence-like chunks so speech can start
// before the whole reply is synthesized. It splits on '.', '?', '!' and line
// breaks, keeping the punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
