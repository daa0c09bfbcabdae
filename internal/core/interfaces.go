package core

import "context"

// SpeechRequest carries the parameters for synthesizing one text chunk.
type SpeechRequest struct {
	Text         string
	Voice        Voice
	Format       AudioFormat
	Instructions string
}

// Synthesizer is the capability boundary to the upstream TTS backend. One
// call covers one chunk; calls are independent and may fail independently.
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, AudioFormat, error)
}

// ObjectStore defines the interface for interacting with a key-value blob
// store that holds combined audio artifacts for asynchronous jobs.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}
