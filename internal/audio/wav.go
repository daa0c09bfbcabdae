package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
)

// Canonical PCM WAV header layout.
const (
	wavHeaderSize    = 44
	wavFmtChunkSize  = 16
	wavPCMFormatCode = 1
	riffSizeOffset   = 8
)

// WAV parsing errors.
var (
	// ErrNotWAV indicates the buffer does not carry a valid RIFF/WAVE header.
	ErrNotWAV = errors.New("buffer is not a valid WAV file")
	// ErrWAVParamsMismatch indicates chunks disagree on sample rate,
	// channel count, or bit depth and cannot be concatenated payload-wise.
	ErrWAVParamsMismatch = errors.New("wav chunks have mismatched audio parameters")
)

// wavParams are the audio parameters shared by every chunk of a
// payload-concatenable WAV sequence.
type wavParams struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (p wavParams) String() string {
	return fmt.Sprintf("%d Hz, %d ch, %d bit", p.SampleRate, p.Channels, p.BitDepth)
}

// wavChunk is one decoded WAV buffer: its parameters and raw PCM payload
// with the container stripped.
type wavChunk struct {
	params wavParams
	pcm    []byte
}

// decodeWAVChunk parses a WAV buffer and extracts its PCM payload.
func decodeWAVChunk(data []byte) (*wavChunk, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))

	decoder.ReadInfo()

	if !decoder.IsValidFile() {
		return nil, ErrNotWAV
	}

	fwdErr := decoder.FwdToPCM()
	if fwdErr != nil {
		return nil, fmt.Errorf("failed to locate PCM data: %w", fwdErr)
	}

	pcm := make([]byte, decoder.PCMLen())

	_, readErr := io.ReadFull(decoder.PCMChunk, pcm)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read PCM payload: %w", readErr)
	}

	return &wavChunk{
		params: wavParams{
			SampleRate: int(decoder.SampleRate),
			Channels:   int(decoder.NumChans),
			BitDepth:   int(decoder.BitDepth),
		},
		pcm: pcm,
	}, nil
}

// concatWAVChunks strips the container from every chunk, verifies all
// chunks share identical audio parameters, and rewrites a single header
// whose declared data length covers the summed payloads.
func concatWAVChunks(chunks [][]byte) ([]byte, error) {
	decoded := make([]*wavChunk, 0, len(chunks))

	totalPCM := 0

	for i, chunk := range chunks {
		wavData, err := decodeWAVChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}

		if i > 0 && wavData.params != decoded[0].params {
			return nil, fmt.Errorf(
				"%w: chunk 0 is %s, chunk %d is %s",
				ErrWAVParamsMismatch, decoded[0].params, i, wavData.params,
			)
		}

		decoded = append(decoded, wavData)
		totalPCM += len(wavData.pcm)
	}

	output := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+totalPCM))

	writeWAVHeader(output, decoded[0].params, totalPCM)

	for _, wavData := range decoded {
		output.Write(wavData.pcm)
	}

	return output.Bytes(), nil
}

// writeWAVHeader writes a canonical 44-byte PCM WAV header.
func writeWAVHeader(output *bytes.Buffer, params wavParams, dataLen int) {
	blockAlign := params.Channels * params.BitDepth / 8
	byteRate := params.SampleRate * blockAlign

	output.WriteString("RIFF")
	writeUint32(output, uint32(wavHeaderSize-riffSizeOffset+dataLen))
	output.WriteString("WAVE")

	output.WriteString("fmt ")
	writeUint32(output, wavFmtChunkSize)
	writeUint16(output, wavPCMFormatCode)
	writeUint16(output, uint16(params.Channels))
	writeUint32(output, uint32(params.SampleRate))
	writeUint32(output, uint32(byteRate))
	writeUint16(output, uint16(blockAlign))
	writeUint16(output, uint16(params.BitDepth))

	output.WriteString("data")
	writeUint32(output, uint32(dataLen))
}

func writeUint32(output *bytes.Buffer, value uint32) {
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], value)
	output.Write(scratch[:])
}

func writeUint16(output *bytes.Buffer, value uint16) {
	var scratch [2]byte

	binary.LittleEndian.PutUint16(scratch[:], value)
	output.Write(scratch[:])
}
