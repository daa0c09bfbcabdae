// Package worker_test tests the NATS job worker for the gateway.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/speechkit/tts-gateway/internal/audio"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/speechkit/tts-gateway/internal/pipeline"
	"github.com/speechkit/tts-gateway/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMockDownload = errors.New("mock download error")
	errMockUpload   = errors.New("mock upload error")
)

// mockObjectStore is a mock implementation of the ObjectStore interface.
type mockObjectStore struct {
	downloadShouldFail bool
	uploadShouldFail   bool
	storedText         string
	uploadedKey        string
	uploadedData       []byte
}

func (m *mockObjectStore) Download(_ context.Context, _ string) ([]byte, error) {
	if m.downloadShouldFail {
		return nil, errMockDownload
	}

	return []byte(m.storedText), nil
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte) error {
	if m.uploadShouldFail {
		return errMockUpload
	}

	m.uploadedKey = key
	m.uploadedData = data

	return nil
}

// echoSynthesizer returns the chunk text as its audio payload.
type echoSynthesizer struct{}

func (s *echoSynthesizer) Synthesize(
	_ context.Context,
	req core.SpeechRequest,
) ([]byte, core.AudioFormat, error) {
	return []byte("<" + req.Text + ">"), req.Format, nil
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func setupTest(t *testing.T, store *mockObjectStore) (*nats.Conn, context.CancelFunc) {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	combiner := audio.NewCombiner(
		audio.Options{FFmpegPath: "", Strict: false}, testLogger,
	)
	caps := audio.Capabilities{
		FFmpegAvailable:  false,
		Features:         map[string]bool{"basic_formats": true},
		SupportedFormats: []string{"mp3", "wav"},
	}

	speechPipeline := pipeline.New(
		&echoSynthesizer{}, combiner, caps,
		pipeline.Config{
			MaxChunkLength: 100,
			PreserveWords:  true,
			Workers:        4,
			ChunkRetries:   0,
			FailurePolicy:  pipeline.PolicyAuto,
		},
		testLogger,
	)

	natsConnection := createTestNatsClient(t)

	workerInstance, err := worker.NewNatsWorker(
		natsConnection, "test.speech.jobs", store, speechPipeline, testLogger,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = workerInstance.Run(ctx)
	}()

	// Give the subscription a moment to register.
	require.NoError(t, natsConnection.Flush())

	return natsConnection, cancel
}

func requestReply(
	t *testing.T,
	natsConnection *nats.Conn,
	job *worker.SynthesisJobEvent,
) *worker.SynthesisCompletedEvent {
	t.Helper()

	jobData, err := json.Marshal(job)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request("test.speech.jobs", jobData, 10*time.Second)
	require.NoError(t, err, "request should receive a reply")

	var reply worker.SynthesisCompletedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	return &reply
}

func TestWorkerProcessesInlineTextJob(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{}
	natsConnection, cancel := setupTest(t, store)
	defer cancel()

	jobID := uuid.NewString()
	reply := requestReply(t, natsConnection, &worker.SynthesisJobEvent{
		JobID:  jobID,
		Text:   "A short sentence for the worker.",
		Voice:  "alloy",
		Format: "wav",
	})

	assert.Equal(t, jobID, reply.JobID)
	assert.Empty(t, reply.Error)
	require.NotEmpty(t, reply.AudioKey)
	assert.True(t, strings.HasSuffix(reply.AudioKey, ".wav"))
	assert.Equal(t, 1, reply.ChunksCombined)
	assert.Equal(t, 1, reply.ChunksTotal)
	assert.Equal(t, "none", reply.CombineTier)

	assert.Equal(t, reply.AudioKey, store.uploadedKey)
	assert.Equal(t, []byte("<A short sentence for the worker.>"), store.uploadedData)
}

func TestWorkerResolvesTextFromObjectStore(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{storedText: "Stored text for synthesis."}
	natsConnection, cancel := setupTest(t, store)
	defer cancel()

	reply := requestReply(t, natsConnection, &worker.SynthesisJobEvent{
		JobID:   uuid.NewString(),
		TextKey: "text-object-key",
		Format:  "wav",
	})

	assert.Empty(t, reply.Error)
	assert.Equal(t, []byte("<Stored text for synthesis.>"), store.uploadedData)
}

func TestWorkerReportsDownloadFailure(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{downloadShouldFail: true}
	natsConnection, cancel := setupTest(t, store)
	defer cancel()

	reply := requestReply(t, natsConnection, &worker.SynthesisJobEvent{
		JobID:   uuid.NewString(),
		TextKey: "missing-key",
	})

	assert.Empty(t, reply.AudioKey)
	assert.Contains(t, reply.Error, "mock download error")
}

func TestWorkerReportsUploadFailure(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{uploadShouldFail: true}
	natsConnection, cancel := setupTest(t, store)
	defer cancel()

	reply := requestReply(t, natsConnection, &worker.SynthesisJobEvent{
		JobID: uuid.NewString(),
		Text:  "Some text.",
	})

	assert.Empty(t, reply.AudioKey)
	assert.Contains(t, reply.Error, "failed to upload audio")
}

func TestWorkerRejectsJobWithoutText(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{}
	natsConnection, cancel := setupTest(t, store)
	defer cancel()

	reply := requestReply(t, natsConnection, &worker.SynthesisJobEvent{
		JobID: uuid.NewString(),
	})

	assert.Empty(t, reply.AudioKey)
	assert.Contains(t, reply.Error, "neither text nor text_key")
}
