// Package core defines the data model and interfaces shared by the
// tts-gateway pipeline components.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Input validation errors surfaced directly to callers.
var (
	// ErrEmptyText indicates that the input text is empty or whitespace-only.
	ErrEmptyText = errors.New("input text cannot be empty")
	// ErrInvalidMaxLength indicates a non-positive max chunk length.
	ErrInvalidMaxLength = errors.New("max_length must be a positive integer")
	// ErrUnsupportedVoice indicates an unknown voice identifier.
	ErrUnsupportedVoice = errors.New("unsupported voice")
	// ErrUnsupportedFormat indicates an unknown audio format identifier.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Voice identifies one of the upstream backend voices.
type Voice string

// Voices exposed by the upstream backend.
const (
	VoiceAlloy   Voice = "alloy"
	VoiceAsh     Voice = "ash"
	VoiceBallad  Voice = "ballad"
	VoiceCoral   Voice = "coral"
	VoiceEcho    Voice = "echo"
	VoiceFable   Voice = "fable"
	VoiceNova    Voice = "nova"
	VoiceOnyx    Voice = "onyx"
	VoiceSage    Voice = "sage"
	VoiceShimmer Voice = "shimmer"
	VoiceVerse   Voice = "verse"
)

// AllVoices lists every voice the gateway accepts, in catalog order.
func AllVoices() []Voice {
	return []Voice{
		VoiceAlloy, VoiceAsh, VoiceBallad, VoiceCoral, VoiceEcho,
		VoiceFable, VoiceNova, VoiceOnyx, VoiceSage, VoiceShimmer,
		VoiceVerse,
	}
}

// ParseVoice validates a voice identifier.
func ParseVoice(name string) (Voice, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	for _, voice := range AllVoices() {
		if string(voice) == normalized {
			return voice, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedVoice, name)
}

// AudioFormat identifies an audio container format.
type AudioFormat string

// Formats the gateway accepts.
const (
	FormatMP3  AudioFormat = "mp3"
	FormatOpus AudioFormat = "opus"
	FormatAAC  AudioFormat = "aac"
	FormatFLAC AudioFormat = "flac"
	FormatWAV  AudioFormat = "wav"
	FormatPCM  AudioFormat = "pcm"
)

// AllFormats lists every format the gateway accepts.
func AllFormats() []AudioFormat {
	return []AudioFormat{
		FormatMP3, FormatOpus, FormatAAC, FormatFLAC, FormatWAV, FormatPCM,
	}
}

// ParseFormat validates an audio format identifier.
func ParseFormat(name string) (AudioFormat, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	for _, format := range AllFormats() {
		if string(format) == normalized {
			return format, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// ContentType returns the MIME type for the format.
func (f AudioFormat) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatOpus:
		return "audio/opus"
	case FormatAAC:
		return "audio/aac"
	case FormatFLAC:
		return "audio/flac"
	case FormatWAV:
		return "audio/wav"
	case FormatPCM:
		return "audio/pcm"
	default:
		return "application/octet-stream"
	}
}

// FormatFromContentType maps a MIME type back to an audio format. Unknown
// content types default to MP3, which is what the upstream backend sends
// when it does not declare a type.
func FormatFromContentType(contentType string) AudioFormat {
	switch {
	case strings.Contains(contentType, "audio/mpeg"), strings.Contains(contentType, "audio/mp3"):
		return FormatMP3
	case strings.Contains(contentType, "audio/wav"), strings.Contains(contentType, "audio/x-wav"):
		return FormatWAV
	case strings.Contains(contentType, "audio/opus"):
		return FormatOpus
	case strings.Contains(contentType, "audio/aac"):
		return FormatAAC
	case strings.Contains(contentType, "audio/flac"):
		return FormatFLAC
	case strings.Contains(contentType, "audio/pcm"):
		return FormatPCM
	default:
		return FormatMP3
	}
}

// CombineTier identifies which merge strategy produced a combined buffer.
type CombineTier string

// Combine tiers, ordered best to worst.
const (
	// TierNone means no combining happened (single chunk returned as-is).
	TierNone CombineTier = "none"
	// TierReencode is the full decode/re-encode merge.
	TierReencode CombineTier = "reencode"
	// TierContainer is header-aware PCM payload concatenation.
	TierContainer CombineTier = "container"
	// TierRaw is byte-wise concatenation with no format awareness.
	TierRaw CombineTier = "raw"
)

// TextChunk is one bounded-length slice of the input text. Index defines
// the output ordering and is zero-based.
type TextChunk struct {
	Index int
	Text  string
}

// SynthesisResult holds the outcome of synthesizing one chunk. Exactly one
// result exists per chunk before combination proceeds; Err is set when the
// chunk failed.
type SynthesisResult struct {
	ChunkIndex int
	Audio      []byte
	Format     AudioFormat
	Err        error
}

// CombinedAudio is the final merged artifact returned to the caller.
type CombinedAudio struct {
	Bytes            []byte
	Format           AudioFormat
	RequestedFormat  AudioFormat
	ChunksCombined   int
	ChunksTotal      int
	SourceTextLength int
	Tier             CombineTier
	Warnings         []string
}

// Size returns the byte size of the combined buffer.
func (c *CombinedAudio) Size() int {
	return len(c.Bytes)
}
