// Package chunker splits outbound reply text into transport-safe,
// human-paced pieces. Split enforces the hard transport ceiling; SplitPaced
// additionally groups text into short message-sized chunks so a long reply
// reads as a sequence of human messages instead of one wall of text.
package chunker

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultHardCeiling is the per-chunk character limit: the WhatsApp
	// transport limit with a safety margin.
	DefaultHardCeiling = 4000

	// DefaultIdealChunk is the pacing-mode target chunk length.
	DefaultIdealChunk = 200

	// DefaultBeforeSplit forces a pacing chunk to close even mid-sentence
	// once it grows past this, bounding chunk growth when no punctuation
	// shows up for a long stretch.
	DefaultBeforeSplit = 350
)

// Chunker holds the split thresholds. The zero value is not usable; use New.
type Chunker struct {
	hardCeiling int
	idealChunk  int
	beforeSplit int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithHardCeiling overrides the hard per-chunk ceiling.
func WithHardCeiling(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.hardCeiling = n
		}
	}
}

// WithIdealChunk overrides the pacing-mode target length.
func WithIdealChunk(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.idealChunk = n
		}
	}
}

// WithBeforeSplit overrides the forced-close threshold.
func WithBeforeSplit(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.beforeSplit = n
		}
	}
}

// New creates a Chunker with the defaults, adjusted by options. The
// before-split threshold is clamped between the ideal and the ceiling.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		hardCeiling: DefaultHardCeiling,
		idealChunk:  DefaultIdealChunk,
		beforeSplit: DefaultBeforeSplit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.beforeSplit <= c.idealChunk {
		c.beforeSplit = c.idealChunk * 3 / 2
	}
	if c.beforeSplit >= c.hardCeiling {
		c.beforeSplit = c.hardCeiling / 2
	}
	return c
}

// Split breaks text into chunks no longer than the hard ceiling. Break
// points are tried in priority order — paragraph break, line break,
// sentence terminator, whitespace, hard cut — and each is only accepted at
// or after half the ceiling so chunks never get pathologically short.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > c.hardCeiling {
		cut := c.breakPoint(text, c.hardCeiling)
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// breakPoint finds where to cut a chunk out of text given the limit. Each
// strategy must land at or after 50% of the limit, otherwise the next one
// is tried.
func (c *Chunker) breakPoint(text string, limit int) int {
	window := text[:limit]
	floor := limit / 2

	for _, sep := range []string{"\n\n", "\n", ". "} {
		if idx := strings.LastIndex(window, sep); idx >= floor {
			return idx + len(sep)
		}
	}
	if idx := strings.LastIndexAny(window, " \t"); idx >= floor {
		return idx + 1
	}

	// Hard cut. Back up so the cut never lands inside a multi-byte rune,
	// which would leave both pieces invalid UTF-8.
	cut := limit
	for cut > floor && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

// SplitPaced groups text into short chunks aligned to sentence boundaries
// for human-paced delivery. No chunk ever exceeds the hard ceiling: a
// paragraph that would overflow is re-split through Split. Empty or
// whitespace-only input yields nil.
func (c *Chunker) SplitPaced(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		chunks = append(chunks, c.paceParagraph(paragraph)...)
	}
	return chunks
}

// paceParagraph accumulates sentences into chunks near the ideal length,
// force-closing past the before-split threshold.
func (c *Chunker) paceParagraph(paragraph string) []string {
	var (
		chunks  []string
		current strings.Builder
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if chunk == "" {
			return
		}
		if len(chunk) > c.hardCeiling {
			chunks = append(chunks, c.Split(chunk)...)
			return
		}
		chunks = append(chunks, chunk)
	}

	for _, sentence := range splitSentences(paragraph) {
		// A single overlong sentence is itself split on whitespace.
		if len(sentence) > c.beforeSplit {
			flush()
			chunks = append(chunks, c.splitLongSentence(sentence)...)
			continue
		}

		// Close the running chunk if the sentence would push it past the
		// ideal.
		if current.Len() > 0 && current.Len()+1+len(sentence) > c.idealChunk {
			flush()
		}

		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)

		if current.Len() > c.beforeSplit {
			flush()
		}
	}
	flush()
	return chunks
}

// splitLongSentence cuts a sentence with no usable punctuation into
// whitespace-bounded pieces under the before-split threshold.
func (c *Chunker) splitLongSentence(sentence string) []string {
	var (
		chunks  []string
		current strings.Builder
	)
	for _, word := range strings.Fields(sentence) {
		// A single word past the ceiling gets hard-cut.
		if len(word) > c.hardCeiling {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, c.Split(word)...)
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(word) > c.beforeSplit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// splitSentences breaks a paragraph into sentences, keeping terminators
// attached. Line breaks inside the paragraph also terminate sentences.
func splitSentences(paragraph string) []string {
	var sentences []string
	for _, line := range strings.Split(paragraph, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		start := 0
		for i := 0; i < len(line); i++ {
			if !isTerminator(line[i]) {
				continue
			}
			// Swallow runs of terminators ("?!", "...").
			for i+1 < len(line) && isTerminator(line[i+1]) {
				i++
			}
			if i+1 < len(line) && line[i+1] != ' ' {
				continue
			}
			sentence := strings.TrimSpace(line[start : i+1])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
		if rest := strings.TrimSpace(line[start:]); rest != "" {
			sentences = append(sentences, rest)
		}
	}
	return sentences
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}
