package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var _ SentenceTokenizer = (*SentenceChunker)(nil)

// SentenceChunker splits streamed text at a terminator ('.', '!' or '?')
// immediately followed by whitespace. A terminator at the very end of the
// buffer is held until the next token shows what follows it, so "$42.00"
// arriving as "$42." + "00" is never split.
//
// Not safe for concurrent use; each turn owns its chunker.
type SentenceChunker struct {
	buf strings.Builder
	// scanned is the buffer offset already checked for boundaries
	scanned int
}

// NewSentenceChunker 创建分句器
func NewSentenceChunker() *SentenceChunker {
	return &SentenceChunker{}
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Feed implements SentenceTokenizer.
func (c *SentenceChunker) Feed(text string) []string {
	if text == "" {
		return nil
	}
	c.buf.WriteString(text)

	pending := c.buf.String()
	var out []string
	start := 0
	for i := c.scanned; i < len(pending); {
		r, size := utf8.DecodeRuneInString(pending[i:])
		next := i + size
		if isTerminator(r) && next < len(pending) {
			n, _ := utf8.DecodeRuneInString(pending[next:])
			if unicode.IsSpace(n) {
				if s := strings.TrimSpace(pending[start:next]); s != "" {
					out = append(out, s)
				}
				start = next
			}
		}
		i = next
	}

	c.scanned = len(pending)
	if last, _ := utf8.DecodeLastRuneInString(pending); isTerminator(last) {
		// undecided until the next token arrives
		c.scanned--
	}
	if start > 0 {
		rest := pending[start:]
		c.buf.Reset()
		c.buf.WriteString(rest)
		c.scanned -= start
	}
	return out
}

// Flush implements SentenceTokenizer.
func (c *SentenceChunker) Flush() string {
	s := strings.TrimSpace(c.buf.String())
	c.Reset()
	return s
}

// Reset implements SentenceTokenizer.
func (c *SentenceChunker) Reset() {
	c.buf.Reset()
	c.scanned = 0
}

// Pending reports the buffered text that has not formed a sentence yet.
func (c *SentenceChunker) Pending() string {
	return c.buf.String()
}
