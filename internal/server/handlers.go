package server

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/speechkit/tts-gateway/internal/audio"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/speechkit/tts-gateway/internal/pipeline"
	"github.com/speechkit/tts-gateway/internal/text"
)

// generateRequest is the JSON body shared by the generation endpoints.
type generateRequest struct {
	Input         string  `json:"input"`
	Voice         string  `json:"voice"`
	Format        string  `json:"response_format"`
	Instructions  string  `json:"instructions"`
	Speed         float64 `json:"speed"`
	MaxLength     int     `json:"max_length"`
	PreserveWords *bool   `json:"preserve_words"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type validateResponse struct {
	Valid           bool  `json:"valid"`
	Length          int   `json:"length"`
	MaxLength       int   `json:"max_length"`
	SuggestedChunks int   `json:"suggested_chunks,omitempty"`
	ChunkLengths    []int `json:"chunk_lengths,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleGenerate performs single-shot synthesis. Over-length input is
// rejected with the chunk count the combined endpoint would use, so
// callers can switch endpoints instead of guessing.
func (s *Server) handleGenerate(c *fiber.Ctx) error {
	req, err := s.parseGenerateRequest(c)
	if err != nil {
		return err
	}

	sanitized, length, err := s.sanitizedLength(c, req.Input)
	if err != nil {
		return err
	}

	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = text.DefaultMaxLength
	}

	if length > maxLength {
		chunks, splitErr := text.Split(sanitized, text.SplitOptions{
			MaxLength:     maxLength,
			PreserveWords: true,
		})
		if splitErr != nil {
			return s.respondError(c, fiber.StatusBadRequest, splitErr)
		}

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf(
				"input is %d characters, limit is %d; use /api/generate-combined",
				length, maxLength,
			),
			"length":           length,
			"max_length":       maxLength,
			"suggested_chunks": len(chunks),
		})
	}

	// The input fits the ceiling, so synthesize it as one chunk.
	req.MaxLength = maxLength

	return s.generate(c, req)
}

// handleGenerateCombined runs the full split-synthesize-combine pipeline.
func (s *Server) handleGenerateCombined(c *fiber.Ctx) error {
	req, err := s.parseGenerateRequest(c)
	if err != nil {
		return err
	}

	return s.generate(c, req)
}

func (s *Server) generate(c *fiber.Ctx, req *generateRequest) error {
	combined, err := s.pipeline.Generate(c.UserContext(), pipeline.Request{
		Text:          req.Input,
		Voice:         req.Voice,
		Format:        req.Format,
		Instructions:  req.Instructions,
		MaxLength:     req.MaxLength,
		PreserveWords: req.PreserveWords,
	})
	if err != nil {
		return s.respondError(c, statusForError(err), err)
	}

	audioBytes, err := s.adjustSpeed(c, combined.Bytes, combined.Format, req.Speed)
	if err != nil {
		return s.respondError(c, fiber.StatusBadRequest, err)
	}

	c.Set(fiber.HeaderContentType, combined.Format.ContentType())
	c.Set("X-Chunks-Combined", strconv.Itoa(combined.ChunksCombined))
	c.Set("X-Chunks-Total", strconv.Itoa(combined.ChunksTotal))
	c.Set("X-Audio-Size", strconv.Itoa(len(audioBytes)))
	c.Set("X-Combine-Tier", string(combined.Tier))
	c.Set("X-Original-Text-Length", strconv.Itoa(combined.SourceTextLength))

	return c.Send(audioBytes)
}

// handleValidate reports whether the input fits one chunk and, if not,
// the chunking the splitter would produce.
func (s *Server) handleValidate(c *fiber.Ctx) error {
	req, err := s.parseGenerateRequest(c)
	if err != nil {
		return err
	}

	sanitized, length, err := s.sanitizedLength(c, req.Input)
	if err != nil {
		return err
	}

	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = text.DefaultMaxLength
	}

	resp := validateResponse{
		Valid:           length <= maxLength,
		Length:          length,
		MaxLength:       maxLength,
		SuggestedChunks: 0,
		ChunkLengths:    nil,
	}

	if !resp.Valid {
		chunks, splitErr := text.Split(sanitized, text.SplitOptions{
			MaxLength:     maxLength,
			PreserveWords: true,
		})
		if splitErr != nil {
			return s.respondError(c, fiber.StatusBadRequest, splitErr)
		}

		resp.SuggestedChunks = len(chunks)
		resp.ChunkLengths = make([]int, 0, len(chunks))

		for _, chunk := range chunks {
			resp.ChunkLengths = append(resp.ChunkLengths, len([]rune(chunk.Text)))
		}
	}

	return c.JSON(resp)
}

func (s *Server) handleVoices(c *fiber.Ctx) error {
	voices := core.AllVoices()

	names := make([]string, 0, len(voices))
	for _, voice := range voices {
		names = append(names, string(voice))
	}

	return c.JSON(fiber.Map{"voices": names, "count": len(names)})
}

func (s *Server) handleFormats(c *fiber.Ctx) error {
	formats := make([]fiber.Map, 0, len(core.AllFormats()))

	for _, format := range core.AllFormats() {
		formats = append(formats, fiber.Map{
			"id":           string(format),
			"content_type": format.ContentType(),
		})
	}

	return c.JSON(fiber.Map{"formats": formats, "count": len(formats)})
}

func (s *Server) handleCapabilities(c *fiber.Ctx) error {
	return c.JSON(s.caps)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service":          "tts-gateway",
		"status":           "running",
		"ffmpeg_available": s.caps.FFmpegAvailable,
		"max_chunk_length": s.maxChunkLength,
	})
}

func (s *Server) parseGenerateRequest(c *fiber.Ctx) (*generateRequest, error) {
	var req generateRequest

	err := c.BodyParser(&req)
	if err != nil {
		return nil, s.respondError(
			c, fiber.StatusBadRequest,
			fmt.Errorf("invalid request body: %w", err),
		)
	}

	return &req, nil
}

func (s *Server) sanitizedLength(c *fiber.Ctx, input string) (string, int, error) {
	sanitized, err := text.Sanitize(input)
	if err != nil {
		return "", 0, s.respondError(c, fiber.StatusBadRequest, err)
	}

	if sanitized == "" {
		return "", 0, s.respondError(c, fiber.StatusBadRequest, core.ErrEmptyText)
	}

	return sanitized, len([]rune(sanitized)), nil
}

// adjustSpeed applies playback speed adjustment when requested. Without
// ffmpeg the audio is returned unchanged rather than failing the request.
func (s *Server) adjustSpeed(
	c *fiber.Ctx,
	audioBytes []byte,
	format core.AudioFormat,
	speed float64,
) ([]byte, error) {
	if speed == 0 || speed == 1.0 {
		return audioBytes, nil
	}

	if speed < audio.MinSpeed || speed > audio.MaxSpeed {
		return nil, fmt.Errorf(
			"%w: %.2f not in [%.2f, %.2f]",
			audio.ErrInvalidSpeed, speed, audio.MinSpeed, audio.MaxSpeed,
		)
	}

	if !s.caps.FFmpegAvailable {
		s.log.Warn("Speed adjustment requested but ffmpeg is unavailable, returning unadjusted audio")

		return audioBytes, nil
	}

	adjusted, err := audio.AdjustSpeed(c.UserContext(), s.ffmpegPath, audioBytes, speed, format)
	if err != nil {
		s.log.Error("Speed adjustment failed: %v", err)

		if errors.Is(err, audio.ErrInvalidSpeed) {
			return nil, err
		}

		// Degrade to the unadjusted audio on tooling failure.
		return audioBytes, nil
	}

	return adjusted, nil
}

func (s *Server) respondError(c *fiber.Ctx, status int, err error) error {
	s.log.Error("Request failed (%d): %v", status, err)

	return c.Status(status).JSON(errorResponse{Error: err.Error()})
}
