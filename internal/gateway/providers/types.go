package providers

import (
	"context"
	"encoding/json"
	"strings"
)

// PartKind discriminates the content parts of a message.
type PartKind int

const (
	PartText PartKind = iota
	PartImage
	PartAudio
	PartVideo
	PartDocument
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartImage:
		return "image"
	case PartAudio:
		return "audio"
	case PartVideo:
		return "video"
	case PartDocument:
		return "document"
	default:
		return "unknown"
	}
}

// MediaRef points at binary content. Exactly one of URL or Data is set; URL
// may be a data: URI or an http(s) URL, Data is already base64 encoded.
type MediaRef struct {
	URL      string
	Data     string
	MimeType string
	Filename string
}

// Part is one element of a message's content. Text is set for PartText,
// Media for every other kind.
type Part struct {
	Kind  PartKind
	Text  string
	Media MediaRef
}

// TextPart is a convenience constructor.
func TextPart(s string) Part {
	return Part{Kind: PartText, Text: s}
}

// ToolCall is a function call made by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one non-system turn of the conversation.
type Message struct {
	Role       string // user, assistant or tool
	Parts      []Part
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			s += p.Text
		}
	}
	return s
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolChoice mirrors the OpenAI tool_choice field. Mode is one of auto,
// none, required or function; Function names the forced function.
type ToolChoice struct {
	Mode     string
	Function string
}

// ResponseFormat mirrors response_format.
type ResponseFormat struct {
	Type   string
	Schema json.RawMessage
}

// ReasoningEffort selects a thinking budget.
type ReasoningEffort string

const (
	EffortNone   ReasoningEffort = "none"
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// ParseReasoningEffort accepts the four effort names, case-insensitively.
func ParseReasoningEffort(s string) (ReasoningEffort, bool) {
	switch e := ReasoningEffort(strings.ToLower(strings.TrimSpace(s))); e {
	case EffortNone, EffortLow, EffortMedium, EffortHigh:
		return e, true
	}
	return "", false
}

// GenerationOptions carries the sampling and tooling knobs of a request.
type GenerationOptions struct {
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	Stop             []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int64
	ResponseFormat   *ResponseFormat
	ReasoningEffort  ReasoningEffort
	Tools            []Tool
	ToolChoice       *ToolChoice

	// IncludeReasoning asks the backend for thought parts at all.
	IncludeReasoning bool
	// ShowReasoning surfaces received thought parts to the caller.
	ShowReasoning bool
}

// ChatRequest is a translated chat request. SystemPrompt is the single
// merged system instruction; Messages never contain system turns.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Options      GenerationOptions
}

// EventKind discriminates StreamEvent.
type EventKind int

const (
	EventReasoningDelta EventKind = iota + 1
	EventAnswerDelta
	EventToolCallDelta
	EventFinished
	EventTransportError
)

func (k EventKind) String() string {
	switch k {
	case EventReasoningDelta:
		return "reasoning"
	case EventAnswerDelta:
		return "answer"
	case EventToolCallDelta:
		return "tool_call"
	case EventFinished:
		return "finished"
	case EventTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// ToolCallDelta is one increment of a tool call. Index is stable for the
// lifetime of the call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Usage holds token counts reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ReasoningTokens  int
}

// StreamEvent is one decoded event of a backend stream.
//
//	EventReasoningDelta, EventAnswerDelta: Text
//	EventToolCallDelta:                    ToolCall
//	EventFinished:                         FinishReason, Usage (may be nil)
//	EventTransportError:                   Status, Body
type StreamEvent struct {
	Kind         EventKind
	Text         string
	ToolCall     *ToolCallDelta
	FinishReason string
	Usage        *Usage
	Status       int
	Body         string
}

// EventSource is a pull-based event sequence. Next returns io.EOF once the
// sequence is exhausted. Close releases the upstream call.
type EventSource interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// Completion is the buffered result of a non-streaming call.
type Completion struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}
