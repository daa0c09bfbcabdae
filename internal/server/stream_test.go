// WebSocket streaming tests run against a live listener because the
// upgrade handshake cannot be exercised through app.Test.
package server_test

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const streamReadTimeout = 5 * time.Second

// streamFrame mirrors the server-to-client frame shape.
type streamFrame struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Audio   string `json:"audio"`
	Format  string `json:"format"`
	Message string `json:"message"`
}

// gatedSynthesizer serves the first chunk immediately and blocks every
// later call until the request context is cancelled.
type gatedSynthesizer struct {
	mu        sync.Mutex
	calls     int
	cancelled bool
}

func (g *gatedSynthesizer) Synthesize(
	ctx context.Context,
	req core.SpeechRequest,
) ([]byte, core.AudioFormat, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()

	if first {
		return []byte("<" + req.Text + ">"), req.Format, nil
	}

	<-ctx.Done()

	g.mu.Lock()
	g.cancelled = true
	g.mu.Unlock()

	return nil, "", ctx.Err()
}

func (g *gatedSynthesizer) wasCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.cancelled
}

// startStreamServer serves the gateway on a loopback listener and returns
// the websocket URL for /ws/stream.
func startStreamServer(t *testing.T, synth core.Synthesizer) string {
	t.Helper()

	srv := newTestServerWith(t, synth)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.App().Listener(listener) }()

	t.Cleanup(func() { _ = srv.Shutdown() })

	return "ws://" + listener.Addr().String() + "/ws/stream"
}

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	if resp != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(streamReadTimeout)))

	return conn
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	t.Parallel()

	url := startStreamServer(t, &echoSynthesizer{})
	conn := dialStream(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":            "start",
		"input":           "The first sentence is here. The second sentence is here. The third sentence is here.",
		"voice":           "alloy",
		"response_format": "wav",
		"max_length":      40,
	}))

	var chunks []streamFrame

	sawComplete := false
	for !sawComplete {
		var frame streamFrame

		require.NoError(t, conn.ReadJSON(&frame))

		switch frame.Type {
		case "progress":
			assert.Equal(t, 3, frame.Total)
		case "chunk":
			chunks = append(chunks, frame)
		case "complete":
			sawComplete = true
		default:
			t.Fatalf("unexpected frame type %q", frame.Type)
		}
	}

	require.Len(t, chunks, 3)

	order := []string{"first", "second", "third"}
	for i, frame := range chunks {
		assert.Equal(t, i, frame.Index)
		assert.Equal(t, "wav", frame.Format)

		decoded, err := base64.StdEncoding.DecodeString(frame.Audio)
		require.NoError(t, err)
		assert.Contains(t, string(decoded), order[i])
	}
}

func TestStreamRejectsNonStartFirstFrame(t *testing.T) {
	t.Parallel()

	url := startStreamServer(t, &echoSynthesizer{})
	conn := dialStream(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "chunk"}))

	var frame streamFrame

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Message, "start")
}

func TestStreamCancelStopsSynthesis(t *testing.T) {
	t.Parallel()

	synth := &gatedSynthesizer{}
	url := startStreamServer(t, synth)
	conn := dialStream(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":            "start",
		"input":           "The first sentence is here. The second sentence is here. The third sentence is here.",
		"response_format": "wav",
		"max_length":      40,
	}))

	// Wait for the first chunk, then abort while the second is in flight.
	cancelled := false

	sawComplete := false
	for {
		var frame streamFrame

		if readErr := conn.ReadJSON(&frame); readErr != nil {
			break
		}

		switch frame.Type {
		case "chunk":
			if !cancelled {
				require.NoError(t, conn.WriteJSON(map[string]any{"type": "cancel"}))

				cancelled = true
			}
		case "complete":
			sawComplete = true
		}
	}

	assert.False(t, sawComplete, "stream completed despite cancellation")
	assert.True(t, synth.wasCancelled(), "in-flight synthesis was not cancelled")
}
