package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/provider"
)

// StreamSink receives text deltas as the model streams its response. The
// Orchestrator is transport-agnostic: an SSE writer, a test recorder, or
// any other sink can implement this.
type StreamSink interface {
	WriteDelta(text string) error
}

// streamChunk is the OpenAI-compatible delta payload carried in each SSE
// "data: " line emitted by provider.Stream.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// streamOutcome records what happened to one model stream.
type streamOutcome struct {
	text         strings.Builder
	disconnected bool
	finishReason string
	err          error
}

// runStream adapts the teacher's disconnect-aware streaming loop
// (handler/stream.go's streamWithDisconnectDetection) to a StreamSink
// instead of an http.ResponseWriter: on ctx cancellation or a sink write
// error it stops forwarding chunks and reports a disconnect, so the
// caller can persist a partial, was_answered=false turn (§5) instead of
// billing for output the client never received.
func runStream(ctx context.Context, stream provider.Stream, sink StreamSink, logger zerolog.Logger) streamOutcome {
	var out streamOutcome

	for {
		select {
		case <-ctx.Done():
			out.disconnected = true
			return out
		default:
		}

		chunk, err := stream.Next()
		if err != nil {
			if err == io.EOF {
				out.finishReason = "stop"
			} else {
				out.err = err
				logger.Error().Err(err).Msg("model stream read error")
			}
			return out
		}

		delta, done := extractDelta(chunk)
		if delta != "" {
			if writeErr := sink.WriteDelta(delta); writeErr != nil {
				out.disconnected = true
				logger.Warn().Err(writeErr).Msg("stream sink write failed — client disconnect detected")
				return out
			}
			out.text.WriteString(delta)
		}
		if done {
			out.finishReason = "stop"
			return out
		}
	}
}

// extractDelta parses one SSE "data: " frame for its content delta.
// Non-JSON or [DONE] frames are not an error — keep-alive padding and
// sentinel lines are expected, not malformed input.
func extractDelta(raw []byte) (string, bool) {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(s, "data:"))
	if payload == "[DONE]" {
		return "", true
	}
	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	done := chunk.Choices[0].FinishReason != ""
	return chunk.Choices[0].Delta.Content, done
}
