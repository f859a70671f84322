package transcript

import "testing"

func TestHelpers_LastWordAndContinuation(t *testing.T) {
	if lastWord("") != "" {
		t.Fatalf("lastWord empty mismatch")
	}
	if lastWord("hi there!") != "there" {
		t.Fatalf("lastWord basic mismatch")
	}
	if !LikelyContinues("we should and") {
		t.Fatalf("expected continuation likely when last word is 'and'")
	}
	if LikelyContinues("complete sentence.") {
		t.Fatalf("did not expect continuation likely")
	}
	if LikelyContinues("123 !!") {
		t.Fatalf("no words means no continuation")
	}
}
