package blocks

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBlocksFollowDocumentOrder(t *testing.T) {
	src := []byte(`# A Study in Voices

First paragraph here.

Second paragraph here.

- item one
- item two

> A quoted line.
`)
	got := NewTransformer(0).Blocks(src)
	want := []string{
		"A Study in Voices",
		"First paragraph here.",
		"Second paragraph here.",
		"item one",
		"item two",
		"A quoted line.",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("blocks = %q, want %q", got, want)
	}
}

func TestBlocksStripInlineMarkup(t *testing.T) {
	src := []byte("Some **bold** and _italic_ text with a [link](https://example.com) and `code`.")
	got := NewTransformer(0).Blocks(src)
	want := []string{"Some bold and italic text with a link and code."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("blocks = %q, want %q", got, want)
	}
}

func TestBlocksJoinWrappedLines(t *testing.T) {
	src := []byte("A paragraph\nwrapped across\nthree lines.")
	got := NewTransformer(0).Blocks(src)
	want := []string{"A paragraph wrapped across three lines."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("blocks = %q, want %q", got, want)
	}
}

func TestBlocksSkipCodeAndEmptyInput(t *testing.T) {
	src := []byte("Before code.\n\n```go\nfunc main() {}\n```\n\nAfter code.\n")
	got := NewTransformer(0).Blocks(src)
	want := []string{"Before code.", "After code."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("blocks = %q, want %q", got, want)
	}

	if got := NewTransformer(0).Blocks(nil); got != nil {
		t.Errorf("blocks of empty input = %q, want none", got)
	}
	if got := NewTransformer(0).Blocks([]byte("  \n\n  ")); got != nil {
		t.Errorf("blocks of whitespace = %q, want none", got)
	}
}

func TestLongParagraphSplitsAtSentences(t *testing.T) {
	sentences := []string{
		"The first sentence sets the scene.",
		"The second sentence carries on!",
		"Does the third one ask a question?",
		"The fourth wraps it up.",
	}
	src := []byte(strings.Join(sentences, " "))
	tr := NewTransformer(40)

	got := tr.Blocks(src)
	if len(got) < 2 {
		t.Fatalf("blocks = %q, want the paragraph split", got)
	}
	for _, b := range got {
		if utf8.RuneCountInString(b) > 40 {
			t.Errorf("block %q longer than 40 runes", b)
		}
	}
	if joined := strings.Join(got, " "); joined != string(src) {
		t.Errorf("reassembled = %q, want original text", joined)
	}
}

func TestOversizedSentenceStaysWhole(t *testing.T) {
	long := "This single sentence rambles on far past any reasonable block limit without ever stopping."
	got := NewTransformer(20).Blocks([]byte(long))
	if len(got) != 1 || got[0] != long {
		t.Errorf("blocks = %q, want the sentence kept whole", got)
	}
}

func TestSplitSentencesBoundaries(t *testing.T) {
	got := splitSentences("Pi is 3.14 roughly. Right? Yes!")
	want := []string{"Pi is 3.14 roughly.", "Right?", "Yes!"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sentences = %q, want %q", got, want)
	}
}
