// Package audio merges independently-synthesized audio chunks into one
// playable buffer.
//
// Three strategies exist, tried in fixed priority order: a full
// decode/re-encode merge through ffmpeg, header-aware concatenation for WAV
// containers, and raw byte concatenation as a last resort. The tier that
// produced the output is always recorded so callers can surface a quality
// signal when a degraded path was used.
package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/speechkit/tts-gateway/internal/core"
)

// Combination errors.
var (
	// ErrNoChunks indicates an empty input list.
	ErrNoChunks = errors.New("no audio chunks to combine")
	// ErrNoValidChunks indicates every chunk buffer was empty.
	ErrNoValidChunks = errors.New("no valid audio chunks to combine")
	// ErrCombineFailed indicates every applicable strategy failed.
	ErrCombineFailed = errors.New("all combine strategies failed")
)

// CombineStrategy is one tier of the merge fallback ladder.
type CombineStrategy interface {
	// Tier identifies the strategy in result metadata.
	Tier() core.CombineTier
	// Available reports whether the strategy's tooling is present.
	Available() bool
	// CanCombine reports whether the strategy handles the given format.
	CanCombine(format core.AudioFormat) bool
	// Combine merges the ordered chunk buffers into one buffer.
	Combine(ctx context.Context, chunks [][]byte, format core.AudioFormat) ([]byte, error)
}

// Result is the outcome of one combination.
type Result struct {
	Bytes          []byte
	Tier           core.CombineTier
	ChunksCombined int
	Warnings       []string
}

// Options configures a Combiner.
type Options struct {
	// FFmpegPath is the resolved ffmpeg binary path; empty disables the
	// re-encode tier.
	FFmpegPath string
	// Strict fails the whole combination on any empty chunk or tier
	// failure instead of degrading.
	Strict bool
}

// Combiner dispatches chunk lists to the best available strategy.
type Combiner struct {
	strategies []CombineStrategy
	strict     bool
	log        *logger.Logger
}

// NewCombiner creates a combiner with the full strategy ladder. Pass the
// output of DetectFFmpeg as Options.FFmpegPath to enable the re-encode tier.
func NewCombiner(opts Options, log *logger.Logger) *Combiner {
	return &Combiner{
		strategies: []CombineStrategy{
			&reencodeStrategy{ffmpegPath: opts.FFmpegPath},
			&containerStrategy{},
			&rawStrategy{},
		},
		strict: opts.Strict,
		log:    log,
	}
}

// NewCombinerWithStrategies creates a combiner with an explicit ladder.
// Primarily for tests that need to force a particular tier.
func NewCombinerWithStrategies(
	strategies []CombineStrategy,
	strict bool,
	log *logger.Logger,
) *Combiner {
	return &Combiner{
		strategies: strategies,
		strict:     strict,
		log:        log,
	}
}

// Combine merges the ordered chunk buffers into a single buffer of the
// target format. A single valid chunk is returned unchanged. Empty chunk
// buffers are dropped with a warning unless strict mode is set.
func (c *Combiner) Combine(
	ctx context.Context,
	chunks [][]byte,
	format core.AudioFormat,
) (*Result, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	valid, warnings, filterErr := c.filterChunks(chunks)
	if filterErr != nil {
		return nil, filterErr
	}

	if len(valid) == 1 {
		return &Result{
			Bytes:          valid[0],
			Tier:           core.TierNone,
			ChunksCombined: 1,
			Warnings:       warnings,
		}, nil
	}

	return c.runStrategies(ctx, valid, format, warnings)
}

// filterChunks drops empty buffers, warning per drop, or fails in strict
// mode. Partial audio is more useful than none for long-form content.
func (c *Combiner) filterChunks(chunks [][]byte) ([][]byte, []string, error) {
	valid := make([][]byte, 0, len(chunks))

	var warnings []string

	for i, chunk := range chunks {
		if len(chunk) > 0 {
			valid = append(valid, chunk)

			continue
		}

		if c.strict {
			return nil, nil, fmt.Errorf("chunk %d is empty: %w", i, ErrNoValidChunks)
		}

		warning := fmt.Sprintf("chunk %d was empty and has been skipped", i)
		warnings = append(warnings, warning)
		c.log.Warn("Combine: %s", warning)
	}

	if len(valid) == 0 {
		return nil, nil, ErrNoValidChunks
	}

	return valid, warnings, nil
}

func (c *Combiner) runStrategies(
	ctx context.Context,
	chunks [][]byte,
	format core.AudioFormat,
	warnings []string,
) (*Result, error) {
	var lastErr error

	for _, strategy := range c.strategies {
		if !strategy.Available() || !strategy.CanCombine(format) {
			continue
		}

		combined, err := strategy.Combine(ctx, chunks, format)
		if err != nil {
			if c.strict {
				return nil, fmt.Errorf(
					"%s combine failed: %w", strategy.Tier(), err,
				)
			}

			c.log.Warn(
				"Combine: %s strategy failed for %s, trying next tier: %v",
				strategy.Tier(), format, err,
			)

			lastErr = err

			continue
		}

		tier := strategy.Tier()
		if tier != core.TierReencode {
			warnings = append(warnings, degradedWarning(tier, format))
		}

		return &Result{
			Bytes:          combined,
			Tier:           tier,
			ChunksCombined: len(chunks),
			Warnings:       warnings,
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrCombineFailed, lastErr)
	}

	return nil, fmt.Errorf("%w: no strategy supports format %q", ErrCombineFailed, format)
}

func degradedWarning(tier core.CombineTier, format core.AudioFormat) string {
	switch tier {
	case core.TierContainer:
		return "combined by container-aware concatenation without re-encoding; " +
			"all chunks shared identical PCM parameters"
	case core.TierRaw:
		return fmt.Sprintf(
			"combined by raw byte concatenation; %s playback may contain "+
				"artifacts at chunk boundaries", format,
		)
	default:
		return ""
	}
}

// containerStrategy concatenates WAV payloads after stripping per-chunk
// headers. Only valid when all chunks share identical PCM parameters; it
// refuses mismatched chunks so the ladder can fall further.
type containerStrategy struct{}

func (s *containerStrategy) Tier() core.CombineTier { return core.TierContainer }

func (s *containerStrategy) Available() bool { return true }

func (s *containerStrategy) CanCombine(format core.AudioFormat) bool {
	return format == core.FormatWAV
}

func (s *containerStrategy) Combine(
	_ context.Context,
	chunks [][]byte,
	_ core.AudioFormat,
) ([]byte, error) {
	return concatWAVChunks(chunks)
}

// rawStrategy appends chunk buffers byte-wise. Not guaranteed to produce
// seamless output for compressed formats; it exists so the request still
// returns something rather than failing outright.
type rawStrategy struct{}

func (s *rawStrategy) Tier() core.CombineTier { return core.TierRaw }

func (s *rawStrategy) Available() bool { return true }

func (s *rawStrategy) CanCombine(core.AudioFormat) bool { return true }

func (s *rawStrategy) Combine(
	_ context.Context,
	chunks [][]byte,
	_ core.AudioFormat,
) ([]byte, error) {
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}

	combined := make([]byte, 0, total)
	for _, chunk := range chunks {
		combined = append(combined, chunk...)
	}

	return combined, nil
}
