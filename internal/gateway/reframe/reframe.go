// Package reframe turns backend stream events into OpenAI chat completion
// chunks.
package reframe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/metrics"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	ThinkingOpen  = "<thinking>"
	ThinkingClose = "</thinking>"
)

var (
	doneLine   = []byte("data: [DONE]\n\n")
	dataPrefix = []byte("data: ")
	frameEnd   = []byte("\n\n")
)

// Options identifies the stream and selects reasoning output.
type Options struct {
	ID               string
	Model            string
	Created          int64
	IncludeReasoning bool
	ShowReasoning    bool
}

// Frame is one SSE event: a chunk, or the terminating sentinel.
type Frame struct {
	Chunk *openai.ChatCompletionStreamResponse
	Done  bool
}

// Encode renders the frame in SSE wire form.
func (f Frame) Encode() ([]byte, error) {
	if f.Done {
		return doneLine, nil
	}
	raw, err := json.Marshal(f.Chunk)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	raw = StripVendorFields(raw)
	out := make([]byte, 0, len(dataPrefix)+len(raw)+len(frameEnd))
	out = append(out, dataPrefix...)
	out = append(out, raw...)
	return append(out, frameEnd...), nil
}

// StripVendorFields removes the Azure content filter results and the empty
// system fingerprint that go-openai always serializes on chunks and
// completions. OpenAI itself does not send them.
func StripVendorFields(raw []byte) []byte {
	for i := int(gjson.GetBytes(raw, "choices.#").Int()) - 1; i >= 0; i-- {
		raw = deleteKey(raw, fmt.Sprintf("choices.%d.content_filter_results", i))
	}
	if fp := gjson.GetBytes(raw, "system_fingerprint"); fp.Exists() && fp.String() == "" {
		raw = deleteKey(raw, "system_fingerprint")
	}
	return raw
}

func deleteKey(raw []byte, path string) []byte {
	if !gjson.GetBytes(raw, path).Exists() {
		return raw
	}
	out, err := sjson.DeleteBytes(raw, path)
	if err != nil {
		return raw
	}
	return out
}

// Reframer pulls events from src only as frames are requested.
//
// The first frame carries the assistant role. Each run of reasoning deltas
// is wrapped in <thinking> tags inside ordinary content, so reasoning that
// resumes after answer text opens a new span. The stream ends with a finish frame and
// the sentinel, or on failure with an inline error frame and the sentinel.
type Reframer struct {
	src  providers.EventSource
	opts Options

	queue       []Frame
	started     bool
	inThinking  bool
	sawToolCall bool
	terminal    bool
	failure     error

	closeOnce sync.Once
}

func New(src providers.EventSource, opts Options) *Reframer {
	return &Reframer{src: src, opts: opts}
}

// Next returns the next frame, or io.EOF after the sentinel. A cancelled
// context closes the source and is returned as is.
func (r *Reframer) Next(ctx context.Context) (Frame, error) {
	for {
		if !r.terminal {
			if err := ctx.Err(); err != nil {
				r.abort()
				return Frame{}, err
			}
		}
		if len(r.queue) > 0 {
			f := r.queue[0]
			r.queue = r.queue[1:]
			return f, nil
		}
		if r.terminal {
			return Frame{}, io.EOF
		}

		ev, err := r.src.Next(ctx)
		switch {
		case err == nil:
			r.handle(ev)
		case ctx.Err() != nil:
			r.abort()
			return Frame{}, ctx.Err()
		case errors.Is(err, io.EOF):
			r.finish(nil)
		default:
			r.fail(err)
		}
	}
}

// Err returns the failure reported inline, if the stream ended on one.
func (r *Reframer) Err() error {
	return r.failure
}

// Close stops the stream and aborts the upstream call.
func (r *Reframer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.src.Close()
	})
	return err
}

func (r *Reframer) abort() {
	r.terminal = true
	r.queue = nil
	r.Close()
}

func (r *Reframer) handle(ev providers.StreamEvent) {
	r.start()

	switch ev.Kind {
	case providers.EventReasoningDelta:
		if !r.opts.IncludeReasoning || !r.opts.ShowReasoning || ev.Text == "" {
			return
		}
		if !r.inThinking {
			r.inThinking = true
			r.push("reasoning", openai.ChatCompletionStreamChoiceDelta{Content: ThinkingOpen})
		}
		r.push("reasoning", openai.ChatCompletionStreamChoiceDelta{Content: ev.Text})

	case providers.EventAnswerDelta:
		r.closeThinking()
		if ev.Text == "" {
			return
		}
		r.push("content", openai.ChatCompletionStreamChoiceDelta{Content: ev.Text})

	case providers.EventToolCallDelta:
		r.closeThinking()
		tc := ev.ToolCall
		if tc == nil {
			return
		}
		index := tc.Index
		r.sawToolCall = true
		r.push("tool_call", openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
			Index: &index,
			ID:    tc.ID,
			Type:  openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		}}})

	case providers.EventFinished:
		r.finish(ev.Usage)

	case providers.EventTransportError:
		upstream := &providers.UpstreamError{StatusCode: ev.Status, Body: ev.Body}
		r.failure = upstream
		r.terminate("[UpstreamError] " + upstream.Message())
	}
}

func (r *Reframer) start() {
	if r.started {
		return
	}
	r.started = true
	r.push("role", openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant})
}

func (r *Reframer) closeThinking() {
	if !r.inThinking {
		return
	}
	r.inThinking = false
	r.push("reasoning", openai.ChatCompletionStreamChoiceDelta{Content: ThinkingClose})
}

func (r *Reframer) finish(usage *providers.Usage) {
	r.start()
	r.closeThinking()

	reason := openai.FinishReasonStop
	if r.sawToolCall {
		reason = openai.FinishReasonToolCalls
	}
	chunk := r.chunk(openai.ChatCompletionStreamChoiceDelta{}, reason)
	if usage != nil {
		chunk.Usage = &openai.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	r.queue = append(r.queue, Frame{Chunk: chunk})
	metrics.RecordStreamFrame("finish")
	r.done()
}

func (r *Reframer) fail(err error) {
	r.failure = err
	var transformErr *providers.StreamTransformError
	if errors.As(err, &transformErr) {
		r.start()
		r.terminate("[StreamTransformError] " + transformErr.Error())
		return
	}
	r.start()
	r.terminate("[UpstreamError] " + err.Error())
}

// terminate emits an inline error and ends the stream without a finish frame.
func (r *Reframer) terminate(message string) {
	r.push("error", openai.ChatCompletionStreamChoiceDelta{Content: message})
	r.done()
}

func (r *Reframer) done() {
	r.queue = append(r.queue, Frame{Done: true})
	metrics.RecordStreamFrame("done")
	r.terminal = true
	r.Close()
}

func (r *Reframer) push(kind string, delta openai.ChatCompletionStreamChoiceDelta) {
	r.queue = append(r.queue, Frame{Chunk: r.chunk(delta, "")})
	metrics.RecordStreamFrame(kind)
}

func (r *Reframer) chunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) *openai.ChatCompletionStreamResponse {
	return &openai.ChatCompletionStreamResponse{
		ID:      r.opts.ID,
		Object:  "chat.completion.chunk",
		Created: r.opts.Created,
		Model:   r.opts.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}
