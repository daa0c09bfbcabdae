// Package audio_test tests the chunk combination fallback ladder.
package audio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/book-expert/logger"
	"github.com/speechkit/tts-gateway/internal/audio"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStrategyBroken = errors.New("strategy broken")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// makeWAV builds a canonical 44-byte PCM WAV buffer around the payload.
func makeWAV(t *testing.T, sampleRate, channels, bitDepth int, pcm []byte) []byte {
	t.Helper()

	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * blockAlign

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	writeLE32(buf, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeLE32(buf, 16)
	writeLE16(buf, 1)
	writeLE16(buf, uint16(channels))
	writeLE32(buf, uint32(sampleRate))
	writeLE32(buf, uint32(byteRate))
	writeLE16(buf, uint16(blockAlign))
	writeLE16(buf, uint16(bitDepth))
	buf.WriteString("data")
	writeLE32(buf, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

func writeLE32(buf *bytes.Buffer, v uint32) {
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], v)
	buf.Write(scratch[:])
}

func writeLE16(buf *bytes.Buffer, v uint16) {
	var scratch [2]byte

	binary.LittleEndian.PutUint16(scratch[:], v)
	buf.Write(scratch[:])
}

// newLenientCombiner builds a combiner without ffmpeg so tests exercise the
// container and raw tiers deterministically.
func newLenientCombiner(t *testing.T) *audio.Combiner {
	t.Helper()

	return audio.NewCombiner(audio.Options{FFmpegPath: "", Strict: false}, newTestLogger(t))
}

func TestCombineEmptyListFails(t *testing.T) {
	t.Parallel()

	combiner := newLenientCombiner(t)

	_, err := combiner.Combine(context.Background(), nil, core.FormatWAV)
	require.ErrorIs(t, err, audio.ErrNoChunks)
}

func TestCombineAllEmptyChunksFails(t *testing.T) {
	t.Parallel()

	combiner := newLenientCombiner(t)

	_, err := combiner.Combine(context.Background(), [][]byte{{}, {}}, core.FormatWAV)
	require.ErrorIs(t, err, audio.ErrNoValidChunks)
}

func TestCombineSingleChunkIsIdentity(t *testing.T) {
	t.Parallel()

	combiner := newLenientCombiner(t)
	chunk := []byte{0x01, 0x02, 0x03}

	result, err := combiner.Combine(context.Background(), [][]byte{chunk}, core.FormatMP3)
	require.NoError(t, err)

	assert.Equal(t, chunk, result.Bytes)
	assert.Equal(t, core.TierNone, result.Tier)
	assert.Equal(t, 1, result.ChunksCombined)
	assert.Empty(t, result.Warnings)
}

func TestCombineWAVContainerTier(t *testing.T) {
	t.Parallel()

	combiner := newLenientCombiner(t)

	pcmA := bytes.Repeat([]byte{0x11, 0x22}, 200)
	pcmB := bytes.Repeat([]byte{0x33, 0x44}, 300)
	chunks := [][]byte{
		makeWAV(t, 24000, 1, 16, pcmA),
		makeWAV(t, 24000, 1, 16, pcmB),
	}

	result, err := combiner.Combine(context.Background(), chunks, core.FormatWAV)
	require.NoError(t, err)

	assert.Equal(t, core.TierContainer, result.Tier)
	assert.Equal(t, 2, result.ChunksCombined)
	require.Len(t, result.Bytes, 44+len(pcmA)+len(pcmB))

	// One header, then the payloads back to back.
	assert.Equal(t, []byte("RIFF"), result.Bytes[:4])
	assert.Equal(t, pcmA, result.Bytes[44:44+len(pcmA)])
	assert.Equal(t, pcmB, result.Bytes[44+len(pcmA):])

	declaredDataLen := binary.LittleEndian.Uint32(result.Bytes[40:44])
	assert.Equal(t, uint32(len(pcmA)+len(pcmB)), declaredDataLen)
}

func TestCombineSkipsEmptyChunkWithWarning(t *testing.T) {
	t.Parallel()

	combiner := newLenientCombiner(t)

	pcm := bytes.Repeat([]byte{0x55}, 100)
	chunks := [][]byte{
		makeWAV(t, 24000, 1, 16, pcm),
		{},
		makeWAV(t, 24000, 1, 16, pcm),
	}

	result, err := combiner.Combine(context.Background(), chunks, core.FormatWAV)
	require.NoError(t, err)

	assert.Equal(t, 2, result.ChunksCombined)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "chunk 1 was empty")
}

func TestCombineStrictFailsOnEmptyChunk(t *testing.T) {
	t.Parallel()

	combiner := audio.NewCombiner(
		audio.Options{FFmpegPath: "", Strict: true},
		newTestLogger(t),
	)

	chunks := [][]byte{makeWAV(t, 24000, 1, 16, []byte{0x01, 0x02}), {}}

	_, err := combiner.Combine(context.Background(), chunks, core.FormatWAV)
	require.ErrorIs(t, err, audio.ErrNoValidChunks)
}

func TestCombineWAVParamMismatchFallsToRaw(t *testing.T) {
	t.Parallel()

	combiner := newLenientCombiner(t)

	chunkA := makeWAV(t, 24000, 1, 16, bytes.Repeat([]byte{0x01}, 50))
	chunkB := makeWAV(t, 44100, 2, 16, bytes.Repeat([]byte{0x02}, 50))

	result, err := combiner.Combine(
		context.Background(), [][]byte{chunkA, chunkB}, core.FormatWAV,
	)
	require.NoError(t, err)

	assert.Equal(t, core.TierRaw, result.Tier)
	assert.Equal(t, append(append([]byte{}, chunkA...), chunkB...), result.Bytes)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[len(result.Warnings)-1], "raw byte concatenation")
}

func TestCombineWAVParamMismatchStrictFails(t *testing.T) {
	t.Parallel()

	combiner := audio.NewCombiner(
		audio.Options{FFmpegPath: "", Strict: true},
		newTestLogger(t),
	)

	chunkA := makeWAV(t, 24000, 1, 16, bytes.Repeat([]byte{0x01}, 50))
	chunkB := makeWAV(t, 44100, 1, 16, bytes.Repeat([]byte{0x02}, 50))

	_, err := combiner.Combine(
		context.Background(), [][]byte{chunkA, chunkB}, core.FormatWAV,
	)
	require.ErrorIs(t, err, audio.ErrWAVParamsMismatch)
}

func TestCombineMP3FallsToRawWithoutFFmpeg(t *testing.T) {
	t.Parallel()

	combiner := newLenientCombiner(t)

	chunkA := []byte{0xFF, 0xFB, 0x01}
	chunkB := []byte{0xFF, 0xFB, 0x02}

	result, err := combiner.Combine(
		context.Background(), [][]byte{chunkA, chunkB}, core.FormatMP3,
	)
	require.NoError(t, err)

	assert.Equal(t, core.TierRaw, result.Tier)
	assert.Equal(t, []byte{0xFF, 0xFB, 0x01, 0xFF, 0xFB, 0x02}, result.Bytes)
	require.NotEmpty(t, result.Warnings)
}

// failingStrategy always claims a tier and always fails, to drive the
// ladder downward in tests.
type failingStrategy struct {
	tier core.CombineTier
}

func (s *failingStrategy) Tier() core.CombineTier           { return s.tier }
func (s *failingStrategy) Available() bool                  { return true }
func (s *failingStrategy) CanCombine(core.AudioFormat) bool { return true }

func (s *failingStrategy) Combine(
	context.Context, [][]byte, core.AudioFormat,
) ([]byte, error) {
	return nil, errStrategyBroken
}

// recordingStrategy succeeds and records that it ran.
type recordingStrategy struct {
	tier   core.CombineTier
	called bool
}

func (s *recordingStrategy) Tier() core.CombineTier           { return s.tier }
func (s *recordingStrategy) Available() bool                  { return true }
func (s *recordingStrategy) CanCombine(core.AudioFormat) bool { return true }

func (s *recordingStrategy) Combine(
	_ context.Context, chunks [][]byte, _ core.AudioFormat,
) ([]byte, error) {
	s.called = true

	var out []byte
	for _, chunk := range chunks {
		out = append(out, chunk...)
	}

	return out, nil
}

func TestCombineLadderFallsThroughFailingTier(t *testing.T) {
	t.Parallel()

	fallback := &recordingStrategy{tier: core.TierRaw, called: false}
	combiner := audio.NewCombinerWithStrategies(
		[]audio.CombineStrategy{
			&failingStrategy{tier: core.TierReencode},
			fallback,
		},
		false,
		newTestLogger(t),
	)

	result, err := combiner.Combine(
		context.Background(), [][]byte{{0x01}, {0x02}}, core.FormatMP3,
	)
	require.NoError(t, err)

	assert.True(t, fallback.called)
	assert.Equal(t, core.TierRaw, result.Tier)
}

func TestCombineLadderStrictStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	fallback := &recordingStrategy{tier: core.TierRaw, called: false}
	combiner := audio.NewCombinerWithStrategies(
		[]audio.CombineStrategy{
			&failingStrategy{tier: core.TierReencode},
			fallback,
		},
		true,
		newTestLogger(t),
	)

	_, err := combiner.Combine(
		context.Background(), [][]byte{{0x01}, {0x02}}, core.FormatMP3,
	)
	require.ErrorIs(t, err, errStrategyBroken)
	assert.False(t, fallback.called)
}

func TestCombineNoApplicableStrategyFails(t *testing.T) {
	t.Parallel()

	combiner := audio.NewCombinerWithStrategies(
		[]audio.CombineStrategy{}, false, newTestLogger(t),
	)

	_, err := combiner.Combine(
		context.Background(), [][]byte{{0x01}, {0x02}}, core.FormatMP3,
	)
	require.ErrorIs(t, err, audio.ErrCombineFailed)
}
