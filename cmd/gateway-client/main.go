// Command gateway-client is a small CLI for the tts-gateway HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Flag descriptions.
const (
	flagURLDesc          = "Base URL of the tts-gateway"
	flagTextDesc         = "Text to convert to speech"
	flagFileDesc         = "Read the input text from a file"
	flagOutputDesc       = "Output audio file path"
	flagVoiceDesc        = "Voice identifier"
	flagFormatDesc       = "Audio format (mp3, wav, opus, aac, flac, pcm)"
	flagInstructionsDesc = "Voice style instructions"
	flagSpeedDesc        = "Playback speed (0.25-4.0, requires ffmpeg on the gateway)"
	flagHealthDesc       = "Check gateway health and exit"
)

// Defaults.
const (
	defaultURL     = "http://localhost:8080"
	defaultOutput  = "output.mp3"
	defaultVoice   = "alloy"
	defaultFormat  = "mp3"
	requestTimeout = 10 * time.Minute
	healthTimeout  = 10 * time.Second
)

var errNoInput = errors.New("either -text or -file must be provided")

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	url          string
	text         string
	file         string
	output       string
	voice        string
	format       string
	instructions string
	speed        float64
	health       bool
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	if flags.health {
		return checkHealth(flags.url)
	}

	input, err := resolveInput(flags)
	if err != nil {
		return err
	}

	return generate(flags, input)
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.url, "url", defaultURL, flagURLDesc)
	flag.StringVar(&flags.text, "text", "", flagTextDesc)
	flag.StringVar(&flags.file, "file", "", flagFileDesc)
	flag.StringVar(&flags.output, "output", defaultOutput, flagOutputDesc)
	flag.StringVar(&flags.voice, "voice", defaultVoice, flagVoiceDesc)
	flag.StringVar(&flags.format, "format", defaultFormat, flagFormatDesc)
	flag.StringVar(&flags.instructions, "instructions", "", flagInstructionsDesc)
	flag.Float64Var(&flags.speed, "speed", 1.0, flagSpeedDesc)
	flag.BoolVar(&flags.health, "health", false, flagHealthDesc)
	flag.Parse()

	return flags
}

func resolveInput(flags appFlags) (string, error) {
	if flags.text != "" {
		return flags.text, nil
	}

	if flags.file == "" {
		flag.Usage()

		return "", errNoInput
	}

	data, err := os.ReadFile(flags.file)
	if err != nil {
		return "", fmt.Errorf("failed to read input file: %w", err)
	}

	return string(data), nil
}

func checkHealth(baseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway is not reachable: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway is not healthy: status %d", resp.StatusCode)
	}

	fmt.Println("Gateway is healthy")

	return nil
}

func generate(flags appFlags, input string) error {
	body, err := json.Marshal(map[string]any{
		"input":           input,
		"voice":           flags.voice,
		"response_format": flags.format,
		"instructions":    flags.instructions,
		"speed":           flags.speed,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		flags.url+"/api/generate-combined",
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, payload)
	}

	err = os.WriteFile(flags.output, payload, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}

	fmt.Printf(
		"Generated %s (%d bytes, %s chunks combined, tier %s)\n",
		flags.output, len(payload),
		resp.Header.Get("X-Chunks-Combined"),
		resp.Header.Get("X-Combine-Tier"),
	)

	return nil
}
