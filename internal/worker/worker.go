// Package worker provides a NATS worker that processes combined speech
// generation jobs asynchronously.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/speechkit/tts-gateway/internal/pipeline"
)

// handleMessageTimeout bounds one job end to end, including every backend
// round trip for a long document.
const handleMessageTimeout = 5 * time.Minute

// ErrNoJobText indicates that a job carried neither inline text nor a text key.
var ErrNoJobText = errors.New("job carries neither text nor text_key")

// SynthesisJobEvent is the wire payload for one asynchronous generation job.
// Text may be carried inline for small jobs, or via TextKey pointing into the
// object store for large ones.
type SynthesisJobEvent struct {
	JobID         string `json:"job_id"`
	Text          string `json:"text,omitempty"`
	TextKey       string `json:"text_key,omitempty"`
	Voice         string `json:"voice,omitempty"`
	Format        string `json:"format,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
	MaxLength     int    `json:"max_length,omitempty"`
	PreserveWords *bool  `json:"preserve_words,omitempty"`
}

// SynthesisCompletedEvent is the reply payload published when a job finishes.
// On failure AudioKey is empty and Error carries the reason.
type SynthesisCompletedEvent struct {
	JobID            string   `json:"job_id"`
	AudioKey         string   `json:"audio_key,omitempty"`
	Format           string   `json:"format,omitempty"`
	ChunksCombined   int      `json:"chunks_combined"`
	ChunksTotal      int      `json:"chunks_total"`
	CombineTier      string   `json:"combine_tier,omitempty"`
	SourceTextLength int      `json:"source_text_length"`
	Warnings         []string `json:"warnings,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// NatsWorker listens for generation jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	pipeline       *pipeline.Pipeline
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	speechPipeline *pipeline.Pipeline,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		pipeline:       speechPipeline,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	job, err := w.parseJob(msg)
	if err != nil {
		w.log.Error("Failed to parse job event: %v", err)

		return
	}

	reply := w.processJob(ctx, job)

	err = w.publishReply(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish reply for job %s: %v", job.JobID, err)
	}
}

// processJob resolves the job text, runs the pipeline, and stores the
// combined audio. It always returns a reply event, carrying the error on
// failure so the requester is never left waiting.
func (w *NatsWorker) processJob(
	ctx context.Context,
	job *SynthesisJobEvent,
) *SynthesisCompletedEvent {
	reply := &SynthesisCompletedEvent{JobID: job.JobID}

	jobText, err := w.resolveJobText(ctx, job)
	if err != nil {
		w.log.Error("Failed to resolve text for job %s: %v", job.JobID, err)

		reply.Error = err.Error()

		return reply
	}

	combined, err := w.pipeline.Generate(ctx, pipeline.Request{
		Text:          jobText,
		Voice:         job.Voice,
		Format:        job.Format,
		Instructions:  job.Instructions,
		MaxLength:     job.MaxLength,
		PreserveWords: job.PreserveWords,
	})
	if err != nil {
		w.log.Error("Generation failed for job %s: %v", job.JobID, err)

		reply.Error = err.Error()

		return reply
	}

	audioKey := uuid.NewString() + "." + string(combined.Format)

	err = w.store.Upload(ctx, audioKey, combined.Bytes)
	if err != nil {
		w.log.Error("Failed to upload audio for job %s: %v", job.JobID, err)

		reply.Error = fmt.Sprintf("failed to upload audio: %v", err)

		return reply
	}

	reply.AudioKey = audioKey
	reply.Format = string(combined.Format)
	reply.ChunksCombined = combined.ChunksCombined
	reply.ChunksTotal = combined.ChunksTotal
	reply.CombineTier = string(combined.Tier)
	reply.SourceTextLength = combined.SourceTextLength
	reply.Warnings = combined.Warnings

	w.log.Info(
		"Completed job %s: %d bytes, %d/%d chunks, tier %s",
		job.JobID, combined.Size(), combined.ChunksCombined,
		combined.ChunksTotal, combined.Tier,
	)

	return reply
}

func (w *NatsWorker) resolveJobText(
	ctx context.Context,
	job *SynthesisJobEvent,
) (string, error) {
	if job.Text != "" {
		return job.Text, nil
	}

	if job.TextKey == "" {
		return "", ErrNoJobText
	}

	textData, err := w.store.Download(ctx, job.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text for key '%s': %w", job.TextKey, err)
	}

	return string(textData), nil
}

// publishReply marshals and responds with the SynthesisCompletedEvent.
func (w *NatsWorker) publishReply(msg *nats.Msg, reply *SynthesisCompletedEvent) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseJob(msg *nats.Msg) (*SynthesisJobEvent, error) {
	var job SynthesisJobEvent

	err := json.Unmarshal(msg.Data, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job event: %w", err)
	}

	return &job, nil
}
