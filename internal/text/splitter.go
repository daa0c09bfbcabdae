// Package text provides text splitting and sanitization for the TTS
// pipeline.
//
// Splitting partitions a long input into backend-sized chunks along natural
// speech boundaries: sentences first, then words, then individual characters
// as a last resort for unbroken runs such as URLs.
package text

import (
	"fmt"
	"strings"

	"github.com/speechkit/tts-gateway/internal/core"
)

// Splitting limits.
const (
	// DefaultMaxLength is the default per-request text ceiling.
	DefaultMaxLength = 4096
	// DefaultChunkLength is the default per-chunk ceiling used when
	// splitting long text for the upstream backend.
	DefaultChunkLength = 1000
	// WordTolerance allows a chunk to exceed the limit by a few characters
	// so trailing punctuation is not stranded alone in the next chunk.
	WordTolerance = 3
)

// Sentence terminators, including full-width forms for CJK locales.
var sentenceTerminators = map[rune]struct{}{
	'.': {}, '!': {}, '?': {},
	'。': {}, '！': {}, '？': {},
}

// SplitOptions configures Split.
type SplitOptions struct {
	// MaxLength is the per-chunk character ceiling. Must be positive.
	MaxLength int
	// PreserveWords keeps chunk boundaries out of words and sentences
	// where possible. When false, the text is cut at exact offsets.
	PreserveWords bool
}

// DefaultSplitOptions returns the options used when the caller supplies none.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{
		MaxLength:     DefaultChunkLength,
		PreserveWords: true,
	}
}

// Split partitions text into ordered chunks no longer than opts.MaxLength
// characters (plus WordTolerance when preserving words). Splitting is pure
// and deterministic. Whitespace-only input yields zero chunks.
func Split(input string, opts SplitOptions) ([]core.TextChunk, error) {
	if opts.MaxLength <= 0 {
		return nil, fmt.Errorf("%w: got %d", core.ErrInvalidMaxLength, opts.MaxLength)
	}

	if strings.TrimSpace(input) == "" {
		return nil, nil
	}

	runes := []rune(input)
	if len(runes) <= opts.MaxLength {
		return []core.TextChunk{{Index: 0, Text: input}}, nil
	}

	var parts []string
	if opts.PreserveWords {
		parts = splitPreservingWords(input, opts.MaxLength)
	} else {
		parts = splitAtOffsets(runes, opts.MaxLength)
	}

	chunks := make([]core.TextChunk, 0, len(parts))

	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}

		chunks = append(chunks, core.TextChunk{Index: len(chunks), Text: part})
	}

	return chunks, nil
}

// splitPreservingWords groups whole sentences into chunks, falling back to
// word and character boundaries for oversized sentences.
func splitPreservingWords(input string, maxLength int) []string {
	var (
		chunks        []string
		currentWords  []string
		currentLength int
	)

	flush := func() {
		if len(currentWords) > 0 {
			chunks = append(chunks, strings.Join(currentWords, " "))
			currentWords = nil
			currentLength = 0
		}
	}

	for _, sentence := range splitSentences(input) {
		sentenceLength := len([]rune(sentence))

		separator := 0
		if len(currentWords) > 0 {
			separator = 1
		}

		if currentLength+separator+sentenceLength <= maxLength {
			currentWords = append(currentWords, sentence)
			currentLength += separator + sentenceLength

			continue
		}

		flush()

		if sentenceLength > maxLength {
			chunks = append(chunks, splitLongSegment(sentence, maxLength)...)

			continue
		}

		currentWords = []string{sentence}
		currentLength = sentenceLength
	}

	flush()

	return chunks
}

// splitSentences scans for sentence terminators and returns the trimmed
// sentences in order. Consecutive terminators ("?!", "...") stay attached
// to the sentence they end.
func splitSentences(input string) []string {
	var (
		sentences []string
		buffer    []rune
	)

	runes := []rune(input)
	length := len(runes)

	for i := 0; i < length; i++ {
		buffer = append(buffer, runes[i])

		if _, terminal := sentenceTerminators[runes[i]]; !terminal {
			continue
		}

		for i+1 < length {
			if _, more := sentenceTerminators[runes[i+1]]; !more {
				break
			}

			i++
			buffer = append(buffer, runes[i])
		}

		sentence := strings.TrimSpace(string(buffer))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}

		buffer = buffer[:0]
	}

	remainder := strings.TrimSpace(string(buffer))
	if remainder != "" {
		sentences = append(sentences, remainder)
	}

	return sentences
}

// splitLongSegment splits a single over-long sentence on whitespace,
// accumulating words up to the limit. A word is only cut mid-way when it
// alone exceeds maxLength. Pure punctuation tokens within WordTolerance may
// overflow a chunk rather than start a new one.
func splitLongSegment(segment string, maxLength int) []string {
	words := strings.Fields(segment)
	if len(words) == 0 {
		return splitAtOffsets([]rune(segment), maxLength)
	}

	var (
		parts         []string
		currentWords  []string
		currentLength int
	)

	flush := func() {
		if len(currentWords) > 0 {
			parts = append(parts, strings.Join(currentWords, " "))
			currentWords = nil
			currentLength = 0
		}
	}

	for _, word := range words {
		wordLength := len([]rune(word))

		if wordLength > maxLength {
			flush()

			parts = append(parts, splitAtOffsets([]rune(word), maxLength)...)

			continue
		}

		separator := 0
		if len(currentWords) > 0 {
			separator = 1
		}

		candidate := currentLength + separator + wordLength
		withinLimit := candidate <= maxLength
		withinTolerance := candidate <= maxLength+WordTolerance &&
			isPunctuationToken(word)

		if withinLimit || withinTolerance {
			currentWords = append(currentWords, word)
			currentLength = candidate

			continue
		}

		flush()

		currentWords = []string{word}
		currentLength = wordLength
	}

	flush()

	return parts
}

// splitAtOffsets cuts runes at exact offsets. Last resort for tokens longer
// than the limit, where no natural boundary exists.
func splitAtOffsets(runes []rune, maxLength int) []string {
	parts := make([]string, 0, (len(runes)+maxLength-1)/maxLength)

	for start := 0; start < len(runes); start += maxLength {
		end := start + maxLength
		if end > len(runes) {
			end = len(runes)
		}

		part := string(runes[start:end])
		if strings.TrimSpace(part) != "" {
			parts = append(parts, part)
		}
	}

	return parts
}

func isPunctuationToken(word string) bool {
	for _, r := range word {
		if !strings.ContainsRune(".,!?;:…。！？", r) {
			return false
		}
	}

	return word != ""
}
