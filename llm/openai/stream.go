package openai

import (
	"encoding/json"
	"fmt"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/sse"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Stream is the llm.Stream returned by Client.Stream. It also reports the
// retry history of the request that opened it.
type Stream struct {
	llm.Stream
	decoder *sse.Decoder
	usage   *llm.Usage
	retry   transport.RetryState
}

// Retry returns the retry history of the opening request.
func (s *Stream) Retry() transport.RetryState {
	return s.retry
}

// Usage returns the token usage reported by the provider, if any.
func (s *Stream) Usage() *llm.Usage {
	if s.decoder != nil {
		return s.decoder.Usage()
	}
	return s.usage
}

// completionStream yields a whole completion as one increment.
type completionStream struct {
	content string
	text    string
	done    bool
}

func (s *completionStream) Next() bool {
	if s.done {
		s.text = ""
		return false
	}
	s.done = true
	s.text = s.content
	return true
}

func (s *completionStream) Text() string { return s.text }

func (s *completionStream) Err() error { return nil }

func (s *completionStream) Close() error {
	s.done = true
	return nil
}

// parseChunk decodes one chat.completion.chunk payload.
func parseChunk(payload []byte) (sse.Frame, error) {
	if !gjson.ValidBytes(payload) {
		return sse.Frame{}, sse.ErrMalformedFrame
	}
	if e := gjson.GetBytes(payload, "error"); e.Exists() {
		// error frames are classified by the generic parser
		return sse.ChatDelta(payload)
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return sse.Frame{}, fmt.Errorf("%w: %v", sse.ErrMalformedFrame, err)
	}

	frame := sse.Frame{Model: chunk.Model}
	if len(chunk.Choices) > 0 {
		frame.Text = chunk.Choices[0].Delta.Content
	}
	if chunk.Usage != nil {
		frame.Usage = &llm.Usage{
			InputTokens:  int64(chunk.Usage.PromptTokens),
			OutputTokens: int64(chunk.Usage.CompletionTokens),
		}
	}
	return frame, nil
}
