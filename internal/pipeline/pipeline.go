// Package pipeline orchestrates end-to-end combined speech generation:
// split the input text, synthesize every chunk through the backend with a
// bounded worker pool, and merge the results into one audio artifact.
//
// The pipeline is stateless across requests; every chunk list, result list,
// and combined buffer is request-scoped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/speechkit/tts-gateway/internal/audio"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/speechkit/tts-gateway/internal/text"
)

// FailurePolicy controls how the pipeline reacts when some chunks fail
// synthesis while others succeed.
type FailurePolicy string

// Failure policies.
const (
	// PolicyAuto fails loudly for small chunk counts and degrades
	// gracefully for large ones.
	PolicyAuto FailurePolicy = "auto"
	// PolicyStrict fails the whole request on any chunk failure.
	PolicyStrict FailurePolicy = "strict"
	// PolicyLenient combines the surviving chunks and reports the
	// shortfall via metadata.
	PolicyLenient FailurePolicy = "lenient"
)

// Defaults.
const (
	// autoStrictThreshold is the chunk count at or below which PolicyAuto
	// behaves strictly: losing 1 of 2 chunks loses half the document.
	autoStrictThreshold = 2

	defaultWorkers      = 4
	maxWorkers          = 32
	defaultChunkRetries = 1
)

// ErrAllChunksFailed indicates no chunk survived synthesis.
var ErrAllChunksFailed = errors.New("synthesis failed for every chunk")

// ChunkError records one chunk's synthesis failure.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// SynthesisError aggregates chunk failures when the failure policy aborts
// the request.
type SynthesisError struct {
	Failed int
	Total  int
	Errors []*ChunkError
}

func (e *SynthesisError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, chunkErr := range e.Errors {
		parts = append(parts, chunkErr.Error())
	}

	return fmt.Sprintf(
		"synthesis failed for %d of %d chunks: %s",
		e.Failed, e.Total, strings.Join(parts, "; "),
	)
}

// Config holds the pipeline settings.
type Config struct {
	// MaxChunkLength is the per-chunk ceiling used when a request does
	// not carry its own.
	MaxChunkLength int
	// PreserveWords keeps chunk boundaries on natural speech boundaries.
	PreserveWords bool
	// Workers caps concurrent backend calls per request.
	Workers int
	// ChunkRetries is the number of extra synthesis attempts per chunk.
	ChunkRetries int
	// FailurePolicy selects the partial-failure behavior.
	FailurePolicy FailurePolicy
	// FFmpegPath enables post-combine format conversion when set.
	FFmpegPath string
}

func (c Config) withDefaults() Config {
	if c.MaxChunkLength <= 0 {
		c.MaxChunkLength = text.DefaultChunkLength
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.Workers > maxWorkers {
		c.Workers = maxWorkers
	}

	if c.ChunkRetries < 0 {
		c.ChunkRetries = defaultChunkRetries
	}

	if c.FailurePolicy == "" {
		c.FailurePolicy = PolicyAuto
	}

	return c
}

// Request is one combined-speech generation request.
type Request struct {
	Text         string
	Voice        string
	Format       string
	Instructions string
	// MaxLength overrides the configured per-chunk ceiling when positive.
	MaxLength int
	// PreserveWords overrides the configured word preservation when set.
	PreserveWords *bool
}

// Pipeline wires the splitter, the backend synthesizer, and the combiner.
type Pipeline struct {
	synth    core.Synthesizer
	combiner *audio.Combiner
	caps     audio.Capabilities
	cfg      Config
	log      *logger.Logger
}

// New creates a pipeline.
func New(
	synth core.Synthesizer,
	combiner *audio.Combiner,
	caps audio.Capabilities,
	cfg Config,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		synth:    synth,
		combiner: combiner,
		caps:     caps,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Generate runs one request end to end and returns the combined audio with
// its metadata. No partial output is returned for a cancelled context.
func (p *Pipeline) Generate(
	ctx context.Context,
	req Request,
) (*core.CombinedAudio, error) {
	voice, format, err := p.resolveIdentifiers(req)
	if err != nil {
		return nil, err
	}

	sanitized, err := text.Sanitize(req.Text)
	if err != nil {
		return nil, err
	}

	if sanitized == "" {
		return nil, core.ErrEmptyText
	}

	chunks, err := p.split(sanitized, req)
	if err != nil {
		return nil, err
	}

	if len(chunks) == 0 {
		return nil, core.ErrEmptyText
	}

	synthFormat, coercionWarning := p.resolveSynthesisFormat(format, len(chunks))

	results := p.synthesizeAll(ctx, chunks, voice, synthFormat, req.Instructions)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("generation cancelled: %w", ctx.Err())
	}

	buffers, shortfallWarnings, err := p.applyFailurePolicy(results)
	if err != nil {
		return nil, err
	}

	delivered := deliveredFormat(results, synthFormat)

	combined, err := p.combiner.Combine(ctx, buffers, delivered)
	if err != nil {
		return nil, fmt.Errorf("combination failed: %w", err)
	}

	// The coercion warning already covers a deliberate downgrade; only
	// chase the originally requested container when none was issued.
	target := format
	if coercionWarning != "" {
		target = synthFormat
	}

	outputBytes, outputFormat, conversionWarning := p.matchRequestedFormat(
		ctx, combined.Bytes, delivered, target,
	)

	warnings := combined.Warnings
	warnings = append(warnings, shortfallWarnings...)

	if coercionWarning != "" {
		warnings = append(warnings, coercionWarning)
	}

	if conversionWarning != "" {
		warnings = append(warnings, conversionWarning)
	}

	return &core.CombinedAudio{
		Bytes:            outputBytes,
		Format:           outputFormat,
		RequestedFormat:  format,
		ChunksCombined:   combined.ChunksCombined,
		ChunksTotal:      len(chunks),
		SourceTextLength: len([]rune(sanitized)),
		Tier:             combined.Tier,
		Warnings:         warnings,
	}, nil
}

func (p *Pipeline) resolveIdentifiers(
	req Request,
) (core.Voice, core.AudioFormat, error) {
	voiceName := req.Voice
	if voiceName == "" {
		voiceName = string(core.VoiceAlloy)
	}

	voice, err := core.ParseVoice(voiceName)
	if err != nil {
		return "", "", err
	}

	formatName := req.Format
	if formatName == "" {
		formatName = string(core.FormatMP3)
	}

	format, err := core.ParseFormat(formatName)
	if err != nil {
		return "", "", err
	}

	return voice, format, nil
}

func (p *Pipeline) split(sanitized string, req Request) ([]core.TextChunk, error) {
	opts := text.SplitOptions{
		MaxLength:     p.cfg.MaxChunkLength,
		PreserveWords: p.cfg.PreserveWords,
	}

	if req.MaxLength > 0 {
		opts.MaxLength = req.MaxLength
	}

	if req.PreserveWords != nil {
		opts.PreserveWords = *req.PreserveWords
	}

	chunks, err := text.Split(sanitized, opts)
	if err != nil {
		return nil, fmt.Errorf("splitting failed: %w", err)
	}

	return chunks, nil
}

// resolveSynthesisFormat picks the container to synthesize in. Without
// conversion tooling the backend can only deliver mp3 and wav, so
// compressed-format requests are coerced to wav with a warning, as are
// multi-chunk mp3 requests (raw-concatenated mp3 frames glitch at chunk
// boundaries, while WAV combines losslessly through the container tier).
func (p *Pipeline) resolveSynthesisFormat(
	requested core.AudioFormat,
	chunkCount int,
) (core.AudioFormat, string) {
	if p.caps.FFmpegAvailable {
		return requested, ""
	}

	if requested != core.FormatMP3 && requested != core.FormatWAV {
		return core.FormatWAV, fmt.Sprintf(
			"requested %s was delivered as wav: format conversion "+
				"requires ffmpeg, which is unavailable", requested,
		)
	}

	if requested == core.FormatMP3 && chunkCount > 1 {
		return core.FormatWAV,
			"requested mp3 was delivered as wav: seamless mp3 combination " +
				"requires ffmpeg, which is unavailable"
	}

	return requested, ""
}

// deliveredFormat reports the container the backend actually returned,
// falling back to the synthesis format when no chunk succeeded.
func deliveredFormat(
	results []core.SynthesisResult,
	fallback core.AudioFormat,
) core.AudioFormat {
	for _, result := range results {
		if result.Err == nil && result.Format != "" {
			return result.Format
		}
	}

	return fallback
}

// matchRequestedFormat converts the combined buffer into the requested
// container when the backend delivered a different one. When conversion is
// unavailable or fails, the delivered container is kept and labeled truthfully
// alongside a warning.
func (p *Pipeline) matchRequestedFormat(
	ctx context.Context,
	combinedBytes []byte,
	delivered core.AudioFormat,
	requested core.AudioFormat,
) ([]byte, core.AudioFormat, string) {
	if delivered == requested {
		return combinedBytes, delivered, ""
	}

	if p.caps.FFmpegAvailable {
		converted, err := audio.ConvertFormat(
			ctx, p.cfg.FFmpegPath, combinedBytes, delivered, requested, "",
		)
		if err == nil {
			return converted, requested, ""
		}

		p.log.Error("Conversion from %s to %s failed: %v", delivered, requested, err)
	}

	return combinedBytes, delivered, fmt.Sprintf(
		"requested %s was delivered as %s: format conversion is unavailable",
		requested, delivered,
	)
}

// synthesizeAll fans chunks out to the backend under a bounded worker
// pool. Results are written into an index-addressed slice, so assembly
// order never depends on completion order. A failing chunk does not abort
// its in-flight siblings.
func (p *Pipeline) synthesizeAll(
	ctx context.Context,
	chunks []core.TextChunk,
	voice core.Voice,
	format core.AudioFormat,
	instructions string,
) []core.SynthesisResult {
	results := make([]core.SynthesisResult, len(chunks))

	var waitGroup sync.WaitGroup

	workerPool := make(chan struct{}, p.cfg.Workers)

	for _, chunk := range chunks {
		waitGroup.Add(1)

		go func(chunk core.TextChunk) {
			defer waitGroup.Done()

			workerPool <- struct{}{}

			defer func() { <-workerPool }()

			audioBytes, actualFormat, err := p.synthesizeChunk(ctx, core.SpeechRequest{
				Text:         chunk.Text,
				Voice:        voice,
				Format:       format,
				Instructions: instructions,
			})

			results[chunk.Index] = core.SynthesisResult{
				ChunkIndex: chunk.Index,
				Audio:      audioBytes,
				Format:     actualFormat,
				Err:        err,
			}

			if err != nil {
				p.log.Error(
					"Chunk %d/%d synthesis failed: %v",
					chunk.Index+1, len(chunks), err,
				)

				return
			}

			p.log.Info(
				"Synthesized chunk %d/%d (%d bytes)",
				chunk.Index+1, len(chunks), len(audioBytes),
			)
		}(chunk)
	}

	waitGroup.Wait()
	close(workerPool)

	return results
}

func (p *Pipeline) synthesizeChunk(
	ctx context.Context,
	req core.SpeechRequest,
) ([]byte, core.AudioFormat, error) {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.ChunkRetries; attempt++ {
		audioBytes, actualFormat, err := p.synth.Synthesize(ctx, req)
		if err == nil {
			return audioBytes, actualFormat, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return nil, "", lastErr
}

// applyFailurePolicy inspects the full, ordered result set and either
// aborts the request or returns the surviving buffers in chunk order plus
// shortfall warnings.
func (p *Pipeline) applyFailurePolicy(
	results []core.SynthesisResult,
) ([][]byte, []string, error) {
	var chunkErrors []*ChunkError

	buffers := make([][]byte, 0, len(results))

	for _, result := range results {
		if result.Err != nil {
			chunkErrors = append(chunkErrors, &ChunkError{
				Index: result.ChunkIndex,
				Err:   result.Err,
			})

			continue
		}

		buffers = append(buffers, result.Audio)
	}

	if len(chunkErrors) == 0 {
		return buffers, nil, nil
	}

	if len(buffers) == 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrAllChunksFailed, &SynthesisError{
			Failed: len(chunkErrors),
			Total:  len(results),
			Errors: chunkErrors,
		})
	}

	policy := p.cfg.FailurePolicy
	if policy == PolicyAuto {
		if len(results) <= autoStrictThreshold {
			policy = PolicyStrict
		} else {
			policy = PolicyLenient
		}
	}

	if policy == PolicyStrict {
		return nil, nil, &SynthesisError{
			Failed: len(chunkErrors),
			Total:  len(results),
			Errors: chunkErrors,
		}
	}

	warning := fmt.Sprintf(
		"%d of %d chunks failed synthesis and were omitted from the output",
		len(chunkErrors), len(results),
	)

	p.log.Warn("Generate: %s", warning)

	return buffers, []string{warning}, nil
}
