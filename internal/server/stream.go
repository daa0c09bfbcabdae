package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/websocket/v2"
	"github.com/speechkit/tts-gateway/internal/core"
	"github.com/speechkit/tts-gateway/internal/text"
)

// errExpectedStart indicates the first client frame was not a start message.
var errExpectedStart = errors.New("expected a start message")

// Stream message types.
const (
	streamMsgStart    = "start"
	streamMsgCancel   = "cancel"
	streamMsgChunk    = "chunk"
	streamMsgProgress = "progress"
	streamMsgComplete = "complete"
	streamMsgError    = "error"
)

// streamRequest is the client's start message.
type streamRequest struct {
	Type          string `json:"type"`
	Input         string `json:"input"`
	Voice         string `json:"voice"`
	Format        string `json:"response_format"`
	Instructions  string `json:"instructions"`
	MaxLength     int    `json:"max_length"`
	PreserveWords *bool  `json:"preserve_words"`
}

// streamMessage is every server-to-client frame. Audio travels base64
// encoded so the whole protocol stays JSON.
type streamMessage struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Total   int    `json:"total,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Format  string `json:"format,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleStream synthesizes chunks one at a time and streams each to the
// client as soon as it is ready. Chunks are delivered strictly in text
// order. The client can abort with a cancel message or by closing the
// connection.
func (s *Server) handleStream(conn *websocket.Conn) {
	defer func() {
		closeErr := conn.Close()
		if closeErr != nil {
			s.log.Warn("Stream close failed: %v", closeErr)
		}
	}()

	req, err := s.readStartMessage(conn)
	if err != nil {
		s.writeStreamError(conn, err.Error())

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Read pump: any cancel message or read failure stops synthesis.
	go func() {
		defer cancel()

		for {
			_, payload, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}

			var msg streamMessage

			if json.Unmarshal(payload, &msg) == nil && msg.Type == streamMsgCancel {
				return
			}
		}
	}()

	s.streamChunks(ctx, conn, req)
}

func (s *Server) readStartMessage(conn *websocket.Conn) (*streamRequest, error) {
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read start message: %w", err)
	}

	var req streamRequest

	err = json.Unmarshal(payload, &req)
	if err != nil || req.Type != streamMsgStart {
		return nil, errExpectedStart
	}

	return &req, nil
}

func (s *Server) streamChunks(
	ctx context.Context,
	conn *websocket.Conn,
	req *streamRequest,
) {
	sanitized, err := text.Sanitize(req.Input)
	if err != nil || sanitized == "" {
		s.writeStreamError(conn, core.ErrEmptyText.Error())

		return
	}

	voice, format, err := s.resolveStreamIdentifiers(req)
	if err != nil {
		s.writeStreamError(conn, err.Error())

		return
	}

	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = s.maxChunkLength
	}

	preserveWords := true
	if req.PreserveWords != nil {
		preserveWords = *req.PreserveWords
	}

	chunks, err := text.Split(sanitized, text.SplitOptions{
		MaxLength:     maxLength,
		PreserveWords: preserveWords,
	})
	if err != nil {
		s.writeStreamError(conn, err.Error())

		return
	}

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			s.log.Info("Stream cancelled after %d/%d chunks", chunk.Index, len(chunks))

			return
		}

		if !s.writeJSON(conn, streamMessage{
			Type:  streamMsgProgress,
			Index: chunk.Index,
			Total: len(chunks),
		}) {
			return
		}

		audioBytes, actualFormat, synthErr := s.synth.Synthesize(ctx, core.SpeechRequest{
			Text:         chunk.Text,
			Voice:        voice,
			Format:       format,
			Instructions: req.Instructions,
		})
		if synthErr != nil {
			s.writeStreamError(conn, synthErr.Error())

			return
		}

		if !s.writeJSON(conn, streamMessage{
			Type:   streamMsgChunk,
			Index:  chunk.Index,
			Total:  len(chunks),
			Audio:  base64.StdEncoding.EncodeToString(audioBytes),
			Format: string(actualFormat),
		}) {
			return
		}
	}

	s.writeJSON(conn, streamMessage{Type: streamMsgComplete, Total: len(chunks)})
}

func (s *Server) resolveStreamIdentifiers(
	req *streamRequest,
) (core.Voice, core.AudioFormat, error) {
	voiceName := req.Voice
	if voiceName == "" {
		voiceName = string(core.VoiceAlloy)
	}

	voice, err := core.ParseVoice(voiceName)
	if err != nil {
		return "", "", err
	}

	formatName := req.Format
	if formatName == "" {
		formatName = string(core.FormatMP3)
	}

	format, err := core.ParseFormat(formatName)
	if err != nil {
		return "", "", err
	}

	return voice, format, nil
}

func (s *Server) writeStreamError(conn *websocket.Conn, message string) {
	s.writeJSON(conn, streamMessage{Type: streamMsgError, Message: message})
}

func (s *Server) writeJSON(conn *websocket.Conn, msg streamMessage) bool {
	err := conn.WriteJSON(msg)
	if err != nil {
		s.log.Warn("Stream write failed: %v", err)

		return false
	}

	return true
}
