// Package tokenizer turns a stream of model tokens into speakable units.
package tokenizer

// SentenceTokenizer 流式分句接口
type SentenceTokenizer interface {
	// Feed appends text and returns every sentence completed by it.
	Feed(text string) []string

	// Flush returns the trimmed remainder and empties the buffer. An
	// all-whitespace remainder yields "".
	Flush() string

	// Reset discards buffered text.
	Reset()
}
