// Package config_test tests the configuration loading for the tts-gateway.
package config_test

import (
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/speechkit/tts-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[server]
host = "127.0.0.1"
port = 9090

[backend]
url = "https://www.openai.fm"
timeout_seconds = 120
max_retries = 5
verify_ssl = true
use_default_instructions = true

[pipeline]
max_chunk_length = 2000
preserve_words = true
workers = 8
chunk_retries = 2
failure_policy = "lenient"

[combine]
ffmpeg_path = "/usr/bin/ffmpeg"
strict = false

[nats]
enabled = true
url = "nats://127.0.0.1:4222"
jobs_subject = "speech.jobs"
audio_object_store_bucket = "AUDIO_FILES"

[paths]
base_logs_dir = "/var/log/tts-gateway"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address())
	assert.Equal(t, "https://www.openai.fm", cfg.Backend.URL)
	assert.Equal(t, 120, cfg.Backend.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Backend.MaxRetries)
	assert.True(t, cfg.Backend.VerifySSL)
	assert.True(t, cfg.Backend.UseDefaultInstructions)
	assert.Equal(t, 2000, cfg.Pipeline.MaxChunkLength)
	assert.True(t, cfg.Pipeline.PreserveWords)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 2, cfg.Pipeline.ChunkRetries)
	assert.Equal(t, "lenient", cfg.Pipeline.FailurePolicy)
	assert.Equal(t, "/usr/bin/ffmpeg", cfg.Combine.FFmpegPath)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "speech.jobs", cfg.NATS.JobsSubject)
	assert.Equal(t, "AUDIO_FILES", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, "/var/log/tts-gateway", cfg.Paths.BaseLogsDir)

	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	valid := config.Config{
		Server:  config.ServerConfig{Host: "0.0.0.0", Port: 8080},
		Backend: config.BackendConfig{URL: "https://www.openai.fm"},
		Pipeline: config.PipelineConfig{
			MaxChunkLength: 1000,
			FailurePolicy:  "auto",
		},
	}

	testCases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "port out of range",
			mutate:  func(c *config.Config) { c.Server.Port = 70000 },
			wantErr: config.ErrInvalidPort,
		},
		{
			name:    "missing backend url",
			mutate:  func(c *config.Config) { c.Backend.URL = "" },
			wantErr: config.ErrMissingBackendURL,
		},
		{
			name:    "bad failure policy",
			mutate:  func(c *config.Config) { c.Pipeline.FailurePolicy = "sometimes" },
			wantErr: config.ErrInvalidFailurePolicy,
		},
		{
			name:    "negative chunk length",
			mutate:  func(c *config.Config) { c.Pipeline.MaxChunkLength = -1 },
			wantErr: config.ErrInvalidMaxChunkLength,
		},
		{
			name: "nats enabled without url",
			mutate: func(c *config.Config) {
				c.NATS.Enabled = true
				c.NATS.JobsSubject = "speech.jobs"
				c.NATS.AudioObjectStoreBucket = "AUDIO"
			},
			wantErr: config.ErrMissingNATSURL,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid
			testCase.mutate(&cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, testCase.wantErr)
		})
	}
}
