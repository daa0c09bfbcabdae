// Package synth implements the HTTP client for the upstream TTS backend.
//
// The backend is chunk-granular: one request carries one bounded text
// chunk and returns raw audio bytes. The wire protocol is multipart form
// data shaped to look like a browser session; the rest of the gateway only
// sees the core.Synthesizer interface.
package synth

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/speechkit/tts-gateway/internal/core"
)

// Backend endpoint path.
const apiGenerate = "/api/generate"

// Retry behavior.
const (
	defaultTimeout    = 90 * time.Second
	defaultMaxRetries = 3
	backoffBase       = time.Second
	backoffMax        = 60 * time.Second
)

// Header values. The backend keys its response container on the request
// headers: minimal headers yield MP3, browser-like headers yield WAV.
const (
	userAgentMinimal = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	userAgentBrowser = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
	acceptAudio = "audio/wav, audio/mpeg, audio/*;q=0.9, */*;q=0.8"
)

// defaultInstructions is the voice-direction prompt sent when the caller
// supplies none; it measurably improves output consistency.
const defaultInstructions = "Affect/personality: Natural and clear\n\n" +
	"Tone: Friendly and professional, creating a pleasant listening " +
	"experience.\n\n" +
	"Pronunciation: Clear, articulate, and steady, ensuring each word is " +
	"easily understood while maintaining a natural, conversational flow.\n\n" +
	"Pause: Brief, purposeful pauses between sentences to allow time for " +
	"the listener to process the information.\n\n" +
	"Emotion: Warm and engaging, conveying the intended message effectively."

// Static errors.
var (
	// ErrEmptyAudio indicates the backend returned a success status with
	// no payload.
	ErrEmptyAudio = errors.New("received empty audio data from backend")
	// ErrRetriesExhausted indicates all retry attempts failed.
	ErrRetriesExhausted = errors.New("backend request retries exhausted")
)

// BackendError is a typed failure from the upstream service.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is worth another attempt.
// Client-side rejections are permanent.
func (e *BackendError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound:
		return false
	default:
		return true
	}
}

// Config holds the client settings.
type Config struct {
	BaseURL string
	// Timeout applies to each individual HTTP attempt.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// VerifySSL disables certificate verification when false, for
	// deployments behind intercepting proxies.
	VerifySSL bool
	// UseDefaultInstructions sends the stock voice-direction prompt when
	// the request carries none.
	UseDefaultInstructions bool
}

// Client is a connection-pooled backend client, safe for concurrent use by
// many in-flight chunk calls.
type Client struct {
	httpClient             *http.Client
	baseURL                string
	maxRetries             int
	useDefaultInstructions bool
	log                    *logger.Logger
}

// NewClient creates a backend client from the given configuration.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	transport := http.DefaultTransport
	if !cfg.VerifySSL {
		transport = &http.Transport{
			// #nosec G402 -- explicit opt-out for proxied deployments
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL:                cfg.BaseURL,
		maxRetries:             maxRetries,
		useDefaultInstructions: cfg.UseDefaultInstructions,
		log:                    log,
	}
}

// Synthesize sends one chunk to the backend and returns the raw audio
// bytes with the format the backend actually delivered. Failed attempts
// are retried with exponential backoff; permanent rejections are not.
func (c *Client) Synthesize(
	ctx context.Context,
	req core.SpeechRequest,
) ([]byte, core.AudioFormat, error) {
	if req.Text == "" {
		return nil, "", core.ErrEmptyText
	}

	wireFormat := wireFormatFor(req.Format)

	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			c.log.Info(
				"Retrying backend request after %s (attempt %d/%d)",
				delay, attempt+1, c.maxRetries+1,
			)

			select {
			case <-ctx.Done():
				return nil, "", fmt.Errorf("synthesis cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		audio, format, err := c.attempt(ctx, req, wireFormat)
		if err == nil {
			return audio, format, nil
		}

		var backendErr *BackendError
		if errors.As(err, &backendErr) && !backendErr.Retryable() {
			return nil, "", err
		}

		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("synthesis cancelled: %w", ctx.Err())
		}

		lastErr = err
	}

	return nil, "", fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func (c *Client) attempt(
	ctx context.Context,
	req core.SpeechRequest,
	wireFormat core.AudioFormat,
) ([]byte, core.AudioFormat, error) {
	body, contentType, err := c.buildForm(req, wireFormat)
	if err != nil {
		return nil, "", err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+apiGenerate, body,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	setFormatHeaders(httpReq, wireFormat)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf(
			"failed to reach backend at %s: %w", c.baseURL, err,
		)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, "", &BackendError{
			StatusCode: resp.StatusCode,
			Message:    string(message),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audio) == 0 {
		return nil, "", ErrEmptyAudio
	}

	actual := core.FormatFromContentType(resp.Header.Get("Content-Type"))

	return audio, actual, nil
}

// buildForm writes the multipart payload the backend expects. Every
// request carries a fresh generation ID.
func (c *Client) buildForm(
	req core.SpeechRequest,
	wireFormat core.AudioFormat,
) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	fields := map[string]string{
		"input":           req.Text,
		"voice":           string(req.Voice),
		"generation":      uuid.NewString(),
		"response_format": string(wireFormat),
	}

	if req.Instructions != "" {
		fields["prompt"] = req.Instructions
	} else if c.useDefaultInstructions {
		fields["prompt"] = defaultInstructions
	}

	for name, value := range fields {
		writeErr := form.WriteField(name, value)
		if writeErr != nil {
			return nil, "", fmt.Errorf(
				"failed to write form field %q: %w", name, writeErr,
			)
		}
	}

	closeErr := form.Close()
	if closeErr != nil {
		return nil, "", fmt.Errorf("failed to finalize form: %w", closeErr)
	}

	return body, form.FormDataContentType(), nil
}

// wireFormatFor maps the requested format onto the two containers the
// backend emits natively. MP3 passes through; everything else is delivered
// as WAV and converted downstream when needed.
func wireFormatFor(format core.AudioFormat) core.AudioFormat {
	if format == core.FormatMP3 {
		return core.FormatMP3
	}

	return core.FormatWAV
}

// setFormatHeaders shapes the request headers the backend keys its
// response container on.
func setFormatHeaders(req *http.Request, wireFormat core.AudioFormat) {
	if wireFormat == core.FormatMP3 {
		req.Header.Set("User-Agent", userAgentMinimal)

		return
	}

	req.Header.Set("User-Agent", userAgentBrowser)
	req.Header.Set("Accept", acceptAudio)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}

// backoffDelay computes exponential backoff with jitter, capped at
// backoffMax.
func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << attempt

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1)) // #nosec G404 -- jitter only

	if delay+jitter > backoffMax {
		return backoffMax
	}

	return delay + jitter
}
