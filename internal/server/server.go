// Package server provides the HTTP and WebSocket surface of the gateway.
package server

import (
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/speechkit/tts-gateway/internal/audio"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/speechkit/tts-gateway/internal/pipeline"
)

// Server wires the speech pipeline to its HTTP routes.
type Server struct {
	app            *fiber.App
	pipeline       *pipeline.Pipeline
	synth          core.Synthesizer
	caps           audio.Capabilities
	ffmpegPath     string
	maxChunkLength int
	log            *logger.Logger
}

// Options configures a Server.
type Options struct {
	Pipeline    *pipeline.Pipeline
	Synthesizer core.Synthesizer
	// Capabilities is the ffmpeg-dependent feature report served by
	// /api/capabilities and consulted for speed adjustment.
	Capabilities audio.Capabilities
	FFmpegPath   string
	// MaxChunkLength is the per-chunk ceiling reported by /api/status and
	// used for websocket chunk streaming.
	MaxChunkLength int
	Logger         *logger.Logger
}

// New creates a Server and registers all routes.
func New(opts Options) *Server {
	srv := &Server{
		app:            nil,
		pipeline:       opts.Pipeline,
		synth:          opts.Synthesizer,
		caps:           opts.Capabilities,
		ffmpegPath:     opts.FFmpegPath,
		maxChunkLength: opts.MaxChunkLength,
		log:            opts.Logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "tts-gateway",
		DisableStartupMessage: true,
		// Long documents produce large combined payloads.
		BodyLimit: 10 * 1024 * 1024,
	})

	app.Use(cors.New())

	app.Get("/health", srv.handleHealth)

	api := app.Group("/api")
	api.Post("/generate", srv.handleGenerate)
	api.Post("/generate-combined", srv.handleGenerateCombined)
	api.Post("/validate", srv.handleValidate)
	api.Get("/voices", srv.handleVoices)
	api.Get("/formats", srv.handleFormats)
	api.Get("/capabilities", srv.handleCapabilities)
	api.Get("/status", srv.handleStatus)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}

		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/stream", websocket.New(srv.handleStream))

	srv.app = app

	return srv
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP traffic on the given address until Shutdown.
func (s *Server) Listen(address string) error {
	s.log.Info("HTTP server listening on %s", address)

	err := s.app.Listen(address)
	if err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	if err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}

	return nil
}

// statusForError maps pipeline failures to HTTP status codes: caller
// mistakes become 400, upstream synthesis failures 502, and combination
// failures 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrEmptyText),
		errors.Is(err, core.ErrInvalidMaxLength),
		errors.Is(err, core.ErrUnsupportedVoice),
		errors.Is(err, core.ErrUnsupportedFormat):
		return fiber.StatusBadRequest
	case isSynthesisFailure(err):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func isSynthesisFailure(err error) bool {
	var synthErr *pipeline.SynthesisError

	return errors.Is(err, pipeline.ErrAllChunksFailed) || errors.As(err, &synthErr)
}
