// main package for the tts-gateway
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/speechkit/tts-gateway/internal/audio"
	"github.com/speechkit/tts-gateway/internal/config"
	"github.com/speechkit/tts-gateway/internal/objectstore"
	"github.com/speechkit/tts-gateway/internal/pipeline"
	"github.com/speechkit/tts-gateway/internal/server"
	"github.com/speechkit/tts-gateway/internal/synth"
	"github.com/speechkit/tts-gateway/internal/worker"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-gateway.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runGateway(ctx, cfg, finalLog)
}

func runGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ffmpegPath := cfg.Combine.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = audio.DetectFFmpeg()
	}

	caps := audio.DetectCapabilities()

	client := synth.NewClient(synth.Config{
		BaseURL:                cfg.Backend.URL,
		Timeout:                cfg.Backend.Timeout(),
		MaxRetries:             cfg.Backend.MaxRetries,
		VerifySSL:              cfg.Backend.VerifySSL,
		UseDefaultInstructions: cfg.Backend.UseDefaultInstructions,
	}, log)

	combiner := audio.NewCombiner(audio.Options{
		FFmpegPath: ffmpegPath,
		Strict:     cfg.Combine.Strict,
	}, log)

	speechPipeline := pipeline.New(client, combiner, caps, pipeline.Config{
		MaxChunkLength: cfg.Pipeline.MaxChunkLength,
		PreserveWords:  cfg.Pipeline.PreserveWords,
		Workers:        cfg.Pipeline.Workers,
		ChunkRetries:   cfg.Pipeline.ChunkRetries,
		FailurePolicy:  pipeline.FailurePolicy(cfg.Pipeline.FailurePolicy),
		FFmpegPath:     ffmpegPath,
	}, log)

	if cfg.NATS.Enabled {
		err := startWorker(ctx, cfg, speechPipeline, log)
		if err != nil {
			return err
		}
	}

	srv := server.New(server.Options{
		Pipeline:       speechPipeline,
		Synthesizer:    client,
		Capabilities:   caps,
		FFmpegPath:     ffmpegPath,
		MaxChunkLength: cfg.Pipeline.MaxChunkLength,
		Logger:         log,
	})

	go func() {
		<-ctx.Done()

		shutdownErr := srv.Shutdown()
		if shutdownErr != nil {
			log.Error("Server shutdown failed: %v", shutdownErr)
		}
	}()

	log.System(
		"TTS-Gateway initialized. Backend: %s, ffmpeg: %t, listening on %s",
		cfg.Backend.URL, caps.FFmpegAvailable, cfg.Server.Address(),
	)

	return srv.Listen(cfg.Server.Address())
}

// startWorker connects to NATS and runs the async job worker alongside the
// HTTP server.
func startWorker(
	ctx context.Context,
	cfg *config.Config,
	speechPipeline *pipeline.Pipeline,
	log *logger.Logger,
) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection, cfg.NATS.JobsSubject, store, speechPipeline, log,
	)
	if err != nil {
		return fmt.Errorf("failed to create NATS worker: %w", err)
	}

	go func() {
		runErr := natsWorker.Run(ctx)
		if runErr != nil {
			log.Error("NATS worker stopped: %v", runErr)
		}

		natsConnection.Close()
	}()

	log.Info("NATS worker listening for jobs on subject: %s", cfg.NATS.JobsSubject)

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
