package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/speechkit/tts-gateway/internal/core"
)

// ffmpeg invocation limits.
const (
	ffmpegTimeout   = 60 * time.Second
	filePermissions = 0o600

	// Speed bounds match the upstream API contract.
	MinSpeed = 0.25
	MaxSpeed = 4.0

	// atempo only accepts 0.5-2.0; outside that range filters are chained.
	atempoMin = 0.5
	atempoMax = 2.0
)

// ffmpeg errors.
var (
	// ErrFFmpegUnavailable indicates the ffmpeg binary was not found.
	ErrFFmpegUnavailable = errors.New("ffmpeg is not available")
	// ErrInvalidSpeed indicates a speed outside the supported range.
	ErrInvalidSpeed = errors.New("speed must be between 0.25 and 4.0")
)

// DetectFFmpeg resolves the ffmpeg binary path, or returns "" when it is
// not installed. Pass the result to NewCombiner to enable the re-encode
// tier.
func DetectFFmpeg() string {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return ""
	}

	return path
}

// Capabilities reports which optional audio features the deployment
// supports, based on ffmpeg availability.
type Capabilities struct {
	FFmpegAvailable  bool            `json:"ffmpeg_available"`
	Features         map[string]bool `json:"features"`
	SupportedFormats []string        `json:"supported_formats"`
}

// DetectCapabilities probes the system and reports feature availability.
func DetectCapabilities() Capabilities {
	available := DetectFFmpeg() != ""

	formats := []string{string(core.FormatMP3), string(core.FormatWAV)}
	if available {
		formats = append(formats,
			string(core.FormatOpus), string(core.FormatAAC),
			string(core.FormatFLAC), string(core.FormatPCM),
		)
	}

	return Capabilities{
		FFmpegAvailable: available,
		Features: map[string]bool{
			"speed_adjustment":  available,
			"format_conversion": available,
			"seamless_combine":  available,
			"basic_formats":     true,
		},
		SupportedFormats: formats,
	}
}

// reencodeStrategy decodes every chunk and re-encodes once to the target
// format via ffmpeg's concat demuxer. The only tier that guarantees
// seamless playback for compressed containers.
type reencodeStrategy struct {
	ffmpegPath string
}

func (s *reencodeStrategy) Tier() core.CombineTier { return core.TierReencode }

func (s *reencodeStrategy) Available() bool { return s.ffmpegPath != "" }

func (s *reencodeStrategy) CanCombine(format core.AudioFormat) bool {
	// Headerless PCM carries no parameters for the demuxer to read.
	return format != core.FormatPCM
}

func (s *reencodeStrategy) Combine(
	ctx context.Context,
	chunks [][]byte,
	format core.AudioFormat,
) ([]byte, error) {
	workDir, err := os.MkdirTemp("", "tts-combine-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	listPath, err := writeChunkFiles(workDir, chunks, format)
	if err != nil {
		return nil, err
	}

	outputPath := filepath.Join(workDir, "combined."+string(format))

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-vn",
		"-acodec", codecFor(format),
		"-y",
		"-loglevel", "error",
		outputPath,
	}

	runCtx, cancel := context.WithTimeout(ctx, ffmpegTimeout)
	defer cancel()

	// #nosec G204 -- ffmpegPath is resolved via exec.LookPath, args are fixed
	cmd := exec.CommandContext(runCtx, s.ffmpegPath, args...)

	output, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return nil, fmt.Errorf(
			"ffmpeg concat failed: %w - output: %s", runErr, string(output),
		)
	}

	combined, readErr := os.ReadFile(outputPath)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read combined audio: %w", readErr)
	}

	return combined, nil
}

// writeChunkFiles materializes chunk buffers for the concat demuxer and
// returns the path of the list file referencing them in order.
func writeChunkFiles(
	workDir string,
	chunks [][]byte,
	format core.AudioFormat,
) (string, error) {
	var list strings.Builder

	for i, chunk := range chunks {
		chunkPath := filepath.Join(
			workDir, fmt.Sprintf("chunk_%04d.%s", i, format),
		)

		writeErr := os.WriteFile(chunkPath, chunk, filePermissions)
		if writeErr != nil {
			return "", fmt.Errorf("failed to write chunk %d: %w", i, writeErr)
		}

		list.WriteString("file '" + chunkPath + "'\n")
	}

	listPath := filepath.Join(workDir, "chunks.txt")

	writeErr := os.WriteFile(listPath, []byte(list.String()), filePermissions)
	if writeErr != nil {
		return "", fmt.Errorf("failed to write concat list: %w", writeErr)
	}

	return listPath, nil
}

func codecFor(format core.AudioFormat) string {
	switch format {
	case core.FormatMP3:
		return "libmp3lame"
	case core.FormatWAV:
		return "pcm_s16le"
	case core.FormatFLAC:
		return "flac"
	case core.FormatAAC:
		return "aac"
	case core.FormatOpus:
		return "libopus"
	default:
		return "copy"
	}
}

// AdjustSpeed changes playback speed through ffmpeg's atempo filter,
// chaining filters when the multiplier falls outside atempo's native
// 0.5-2.0 range. Speed 1.0 returns the input unchanged.
func AdjustSpeed(
	ctx context.Context,
	ffmpegPath string,
	audioData []byte,
	speed float64,
	format core.AudioFormat,
) ([]byte, error) {
	if speed < MinSpeed || speed > MaxSpeed {
		return nil, fmt.Errorf("%w: got %.2f", ErrInvalidSpeed, speed)
	}

	if speed == 1.0 {
		return audioData, nil
	}

	if ffmpegPath == "" {
		return nil, ErrFFmpegUnavailable
	}

	return runFilter(ctx, ffmpegPath, audioData, format, format,
		"-filter:a", buildAtempoChain(speed))
}

// ConvertFormat transcodes audio from one container format to another.
// Best-effort: requires ffmpeg.
func ConvertFormat(
	ctx context.Context,
	ffmpegPath string,
	audioData []byte,
	inputFormat core.AudioFormat,
	outputFormat core.AudioFormat,
	bitrate string,
) ([]byte, error) {
	if ffmpegPath == "" {
		return nil, ErrFFmpegUnavailable
	}

	if inputFormat == outputFormat {
		return audioData, nil
	}

	var extra []string
	if bitrate != "" {
		extra = append(extra, "-b:a", bitrate)
	}

	return runFilter(ctx, ffmpegPath, audioData, inputFormat, outputFormat, extra...)
}

func runFilter(
	ctx context.Context,
	ffmpegPath string,
	audioData []byte,
	inputFormat core.AudioFormat,
	outputFormat core.AudioFormat,
	filterArgs ...string,
) ([]byte, error) {
	workDir, err := os.MkdirTemp("", "tts-filter-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	inputPath := filepath.Join(workDir, "input."+string(inputFormat))
	outputPath := filepath.Join(workDir, "output."+string(outputFormat))

	writeErr := os.WriteFile(inputPath, audioData, filePermissions)
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write input audio: %w", writeErr)
	}

	args := []string{"-i", inputPath}
	args = append(args, filterArgs...)
	args = append(args, "-y", "-loglevel", "error", outputPath)

	runCtx, cancel := context.WithTimeout(ctx, ffmpegTimeout)
	defer cancel()

	// #nosec G204 -- ffmpegPath is resolved via exec.LookPath, args are fixed
	cmd := exec.CommandContext(runCtx, ffmpegPath, args...)

	output, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return nil, fmt.Errorf(
			"ffmpeg processing failed: %w - output: %s", runErr, string(output),
		)
	}

	processed, readErr := os.ReadFile(outputPath)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read processed audio: %w", readErr)
	}

	return processed, nil
}

// buildAtempoChain composes atempo filters to reach speeds outside the
// filter's native range.
func buildAtempoChain(speed float64) string {
	if speed >= atempoMin && speed <= atempoMax {
		return "atempo=" + formatSpeed(speed)
	}

	var filters []string

	remaining := speed

	for remaining > atempoMax {
		filters = append(filters, "atempo=2.0")
		remaining /= atempoMax
	}

	for remaining < atempoMin {
		filters = append(filters, "atempo=0.5")
		remaining /= atempoMin
	}

	if remaining != 1.0 {
		filters = append(filters, "atempo="+formatSpeed(remaining))
	}

	return strings.Join(filters, ",")
}

func formatSpeed(speed float64) string {
	return strconv.FormatFloat(speed, 'f', -1, 64)
}
