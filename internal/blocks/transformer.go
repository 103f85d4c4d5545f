package blocks

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// DefaultMaxBlockRunes bounds a block's length when no explicit limit is
// given. Blocks around this size synthesize in a few seconds and stream well.
const DefaultMaxBlockRunes = 500

// Transformer turns markdown into reader-facing text blocks: one block per
// heading, paragraph, top-level list item, or blockquote, with long
// paragraphs split at sentence boundaries. Code blocks and raw HTML are not
// spoken and produce no blocks.
type Transformer struct {
	maxRunes int
	md       goldmark.Markdown
}

// NewTransformer creates a Transformer. maxRunes <= 0 selects
// DefaultMaxBlockRunes.
func NewTransformer(maxRunes int) *Transformer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxBlockRunes
	}
	return &Transformer{maxRunes: maxRunes, md: goldmark.New()}
}

// Blocks parses source and returns the spoken blocks in document order.
func (t *Transformer) Blocks(source []byte) []string {
	doc := t.md.Parser().Parse(gmtext.NewReader(source))

	var out []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindHeading:
			if text := nodeText(n, source); text != "" {
				out = append(out, text)
			}
		case ast.KindParagraph, ast.KindTextBlock, ast.KindBlockquote:
			if text := nodeText(n, source); text != "" {
				out = append(out, t.splitLong(text)...)
			}
		case ast.KindList:
			// One block per top-level item; nested content rides along.
			for li := n.FirstChild(); li != nil; li = li.NextSibling() {
				if text := nodeText(li, source); text != "" {
					out = append(out, t.splitLong(text)...)
				}
			}
		}
	}
	return out
}

// nodeText flattens a block node's inline content to plain text. Markdown
// markup disappears; line breaks and nested structure collapse to single
// spaces.
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

// splitLong breaks text into chunks of at most maxRunes, cutting only at
// sentence boundaries. A single sentence longer than the limit stays whole;
// splitting mid-sentence reads worse than an oversized block.
func (t *Transformer) splitLong(text string) []string {
	if utf8.RuneCountInString(text) <= t.maxRunes {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curRunes := 0
	for _, sentence := range splitSentences(text) {
		n := utf8.RuneCountInString(sentence)
		if curRunes > 0 && curRunes+1+n > t.maxRunes {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curRunes = 0
		}
		if curRunes > 0 {
			cur.WriteByte(' ')
			curRunes++
		}
		cur.WriteString(sentence)
		curRunes += n
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// splitSentences cuts text at sentence boundaries. Trailing text without a
// terminator forms the last sentence.
func splitSentences(text string) []string {
	var out []string
	for {
		idx := findSentenceBoundary(text)
		if idx < 0 {
			if rest := strings.TrimSpace(text); rest != "" {
				out = append(out, rest)
			}
			return out
		}
		if sentence := strings.TrimSpace(text[:idx+1]); sentence != "" {
			out = append(out, sentence)
		}
		text = text[idx+1:]
	}
}

// findSentenceBoundary returns the index of the first '.', '!' or '?' that
// ends a sentence (end of string or followed by whitespace), or -1.
// Abbreviations like "3.14" survive because the terminator must be followed
// by whitespace.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
