package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/telemetry"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

const readChunkSize = 32 * 1024

// eventDecoder extracts complete top-level JSON objects from a byte stream.
// It handles both SSE ("data: {...}") and JSON array ("[{...},{...}]")
// framing: everything outside a balanced object is framing and skipped.
// Bytes of an unfinished object are kept until the rest arrives.
type eventDecoder struct {
	buf      []byte
	pos      int
	start    int
	depth    int
	inString bool
	escaped  bool
}

func (d *eventDecoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// next returns the next complete unit, or nil when more input is needed.
func (d *eventDecoder) next() ([]byte, error) {
	for ; d.pos < len(d.buf); d.pos++ {
		c := d.buf[d.pos]
		if d.depth == 0 {
			if c == '{' {
				d.start = d.pos
				d.depth = 1
			}
			continue
		}
		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			}
			continue
		}
		switch c {
		case '"':
			d.inString = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth > 0 {
				continue
			}
			unit := append([]byte(nil), d.buf[d.start:d.pos+1]...)
			d.buf = d.buf[d.pos+1:]
			d.pos, d.start = 0, 0
			if !json.Valid(unit) {
				return nil, &StreamTransformError{Message: fmt.Sprintf("malformed upstream unit: %.200s", unit)}
			}
			return unit, nil
		}
	}

	if d.depth == 0 {
		d.buf = d.buf[:0]
		d.pos = 0
	} else if d.start > 0 {
		d.buf = d.buf[d.start:]
		d.pos -= d.start
		d.start = 0
	}
	return nil, nil
}

// partial reports whether an unfinished unit is buffered.
func (d *eventDecoder) partial() bool {
	return d.depth > 0
}

// responseDecoder turns backend responses into events. It numbers tool
// calls across the whole stream and remembers the last finish reason and
// usage seen.
type responseDecoder struct {
	toolIndex    int
	finishReason string
	usage        *Usage
	newID        func() string
}

func newResponseDecoder() *responseDecoder {
	return &responseDecoder{newID: func() string { return "call_" + uuid.NewString() }}
}

// decode handles one unit. Units are either wrapped as {"response":{...}}
// or bare generateContent responses.
func (r *responseDecoder) decode(unit gjson.Result) []StreamEvent {
	if e := unit.Get("error"); e.Exists() {
		return []StreamEvent{{
			Kind:   EventTransportError,
			Status: int(e.Get("code").Int()),
			Body:   unit.Raw,
		}}
	}

	resp := unit
	if inner := unit.Get("response"); inner.Exists() {
		resp = inner
	}

	var events []StreamEvent
	candidate := resp.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			events = append(events, StreamEvent{
				Kind: EventToolCallDelta,
				ToolCall: &ToolCallDelta{
					Index:     r.toolIndex,
					ID:        r.newID(),
					Name:      fc.Get("name").String(),
					Arguments: args,
				},
			})
			r.toolIndex++
		case part.Get("thought").Bool():
			if text := part.Get("text").String(); text != "" {
				events = append(events, StreamEvent{Kind: EventReasoningDelta, Text: text})
			}
		case part.Get("text").Exists():
			if text := part.Get("text").String(); text != "" {
				events = append(events, StreamEvent{Kind: EventAnswerDelta, Text: text})
			}
		}
		return true
	})

	if fr := candidate.Get("finishReason").String(); fr != "" {
		r.finishReason = fr
	}
	if um := resp.Get("usageMetadata"); um.Exists() {
		thoughts := int(um.Get("thoughtsTokenCount").Int())
		r.usage = &Usage{
			PromptTokens:     int(um.Get("promptTokenCount").Int()),
			CompletionTokens: int(um.Get("candidatesTokenCount").Int()) + thoughts,
			TotalTokens:      int(um.Get("totalTokenCount").Int()),
			ReasoningTokens:  thoughts,
		}
	}
	return events
}

// EventStream is the lazy event sequence of a streaming backend call.
// Reads happen only when the consumer asks for the next event. Close
// aborts the upstream request.
type EventStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	dec     eventDecoder
	resp    *responseDecoder
	readBuf []byte
	pending []StreamEvent
	eof     bool
	done    bool

	// span, when set, is ended by Close.
	span      trace.Span
	closeOnce sync.Once
}

// NewEventStream wraps a streaming response body. cancel aborts the request
// that produced body and may be nil.
func NewEventStream(body io.ReadCloser, cancel context.CancelFunc) *EventStream {
	if cancel == nil {
		cancel = func() {}
	}
	return &EventStream{
		body:    body,
		cancel:  cancel,
		resp:    newResponseDecoder(),
		readBuf: make([]byte, readChunkSize),
	}
}

// Next returns the next event. After a finished or transport-error event
// it returns io.EOF.
func (s *EventStream) Next(ctx context.Context) (StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return StreamEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			s.done = true
			s.Close()
			return StreamEvent{}, err
		}

		unit, err := s.dec.next()
		if err != nil {
			s.done = true
			s.recordError(err)
			return StreamEvent{}, err
		}
		if unit != nil {
			events := s.resp.decode(gjson.ParseBytes(unit))
			for _, ev := range events {
				if ev.Kind == EventTransportError {
					s.done = true
				}
			}
			s.pending = append(s.pending, events...)
			continue
		}

		if s.eof {
			s.done = true
			if s.dec.partial() {
				err := &StreamTransformError{Message: "upstream stream ended inside a unit"}
				s.recordError(err)
				return StreamEvent{}, err
			}
			if s.span != nil && s.resp.usage != nil {
				telemetry.AddTokenAttributes(s.span, s.resp.usage.PromptTokens, s.resp.usage.CompletionTokens)
			}
			return StreamEvent{Kind: EventFinished, FinishReason: s.resp.finishReason, Usage: s.resp.usage}, nil
		}

		n, rerr := s.body.Read(s.readBuf)
		if n > 0 {
			s.dec.feed(s.readBuf[:n])
		}
		if errors.Is(rerr, io.EOF) {
			s.eof = true
		} else if rerr != nil {
			s.done = true
			if ctxErr := ctx.Err(); ctxErr != nil {
				return StreamEvent{}, ctxErr
			}
			err := fmt.Errorf("read upstream stream: %w", rerr)
			s.recordError(err)
			return StreamEvent{}, err
		}
	}
}

// Close aborts the upstream call and releases the body. Safe to call more
// than once.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
		if s.span != nil {
			s.span.End()
		}
	})
	return err
}

func (s *EventStream) recordError(err error) {
	if s.span != nil {
		telemetry.AddErrorAttribute(s.span, err)
	}
}
