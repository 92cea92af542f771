// Package sse decodes server-sent event streams of chat completion chunks
// into text increments.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// ErrMalformedFrame is returned by a FrameParser for a payload it cannot read.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the decoded content of one data line.
type Frame struct {
	Text  string
	Usage *llm.Usage
	Model string
}

// FrameParser decodes one data payload. It returns ErrMalformedFrame (possibly
// wrapped) for unreadable payloads and an *llm.Error for vendor error frames.
type FrameParser func(payload []byte) (Frame, error)

// ChatDelta parses an OpenAI-compatible chat.completion.chunk payload.
func ChatDelta(payload []byte) (Frame, error) {
	if !gjson.ValidBytes(payload) {
		return Frame{}, ErrMalformedFrame
	}
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsObject() {
		return Frame{}, ErrMalformedFrame
	}
	if e := parsed.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		err := llm.NewProviderError(msg, nil)
		err.Code = e.Get("code").String()
		return Frame{}, err
	}

	f := Frame{
		Text:  parsed.Get("choices.0.delta.content").String(),
		Model: parsed.Get("model").String(),
	}
	if u := parsed.Get("usage"); u.Exists() && u.IsObject() {
		f.Usage = &llm.Usage{
			InputTokens:  u.Get("prompt_tokens").Int(),
			OutputTokens: u.Get("completion_tokens").Int(),
		}
	}
	return f, nil
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithParser replaces the frame parser. The default is ChatDelta.
func WithParser(p FrameParser) Option {
	return func(d *Decoder) {
		d.parse = p
	}
}

// WithStrict makes malformed frames terminate the stream with a provider
// error instead of being skipped.
func WithStrict() Option {
	return func(d *Decoder) {
		d.strict = true
	}
}

// WithLogger sets the logger used to report skipped frames.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Decoder) {
		d.logger = logger.With().Str("component", "sse").Logger()
	}
}

// Decoder implements llm.Stream over an SSE body. Each non-empty content
// delta becomes one increment. The stream ends at end of input; a [DONE]
// marker is ignored. Cancellation of ctx is observed at every Next. Close may
// be called from another goroutine while Next is blocked reading the body.
type Decoder struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	parse  FrameParser
	strict bool
	logger zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	text    string
	err     error
	done    bool
	usage   *llm.Usage
	skipped int
}

var _ llm.Stream = (*Decoder)(nil)

// NewDecoder creates a Decoder reading body. body is closed when the stream
// ends or Close is called.
func NewDecoder(ctx context.Context, body io.ReadCloser, opts ...Option) *Decoder {
	d := &Decoder{
		ctx:    ctx,
		body:   body,
		reader: bufio.NewReader(body),
		parse:  ChatDelta,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Next advances to the next text increment.
func (d *Decoder) Next() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.text = ""
	if d.done {
		return false
	}

	for {
		if d.closed.Load() {
			d.done = true
			return false
		}
		if cerr := llm.FromContext(d.ctx, "stream aborted"); cerr != nil {
			d.finish(cerr)
			return false
		}

		line, readErr := d.reader.ReadBytes('\n')
		if len(line) > 0 {
			text, ok, err := d.handleLine(line)
			if err != nil {
				d.finish(err)
				return false
			}
			if ok {
				// A read error after an unterminated last frame is
				// reported again by the next ReadBytes.
				d.text = text
				return true
			}
		}

		if readErr != nil {
			if d.closed.Load() {
				d.done = true
				return false
			}
			if errors.Is(readErr, io.EOF) {
				d.finish(nil)
				return false
			}
			if cerr := llm.FromContext(d.ctx, "stream aborted"); cerr != nil {
				d.finish(cerr)
				return false
			}
			d.finish(llm.NewNetworkError("stream interrupted", readErr))
			return false
		}
	}
}

// handleLine returns the increment carried by line, if any.
func (d *Decoder) handleLine(line []byte) (string, bool, error) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", false, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 || string(payload) == doneMarker {
		return "", false, nil
	}

	frame, err := d.parse(payload)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			if d.strict {
				return "", false, llm.NewProviderError("malformed stream frame", err)
			}
			d.skipped++
			d.logger.Warn().Int("bytes", len(payload)).Msg("Skipping malformed stream frame")
			return "", false, nil
		}
		return "", false, err
	}
	if frame.Usage != nil {
		d.usage = frame.Usage
	}
	if frame.Text == "" {
		return "", false, nil
	}
	return frame.Text, true, nil
}

func (d *Decoder) finish(err error) {
	d.done = true
	d.err = err
	_ = d.closeBody()
}

func (d *Decoder) closeBody() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.body.Close()
	})
	return d.closeErr
}

// Text returns the current increment.
func (d *Decoder) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// Err returns the error that ended the stream, or nil on clean completion.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Usage returns the token usage reported by the stream, if any.
func (d *Decoder) Usage() *llm.Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usage
}

// Skipped returns how many malformed frames were dropped.
func (d *Decoder) Skipped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skipped
}

// Close stops the stream and releases the body. It does not wait for a
// concurrent Next; the blocked read fails once the body is closed and Next
// returns false without an error.
func (d *Decoder) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.closeBody()
}
