package handlers

import (
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/providers"
	"github.com/tidwall/gjson"
)

// Defaults are the deployment-wide reasoning and context settings.
type Defaults struct {
	IncludeReasoning bool
	ShowReasoning    bool
	CleanContext     bool
}

type chatRequest struct {
	Chat   providers.ChatRequest
	Stream bool
}

// parseChatRequest reads an OpenAI chat completion body. Precedence for
// the reasoning and context settings is directive, then request field,
// then deployment default.
func parseChatRequest(body []byte, defaults Defaults) (*chatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, invalid("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	model := root.Get("model")
	if model.Type != gjson.String || strings.TrimSpace(model.String()) == "" {
		return nil, invalid("model is required")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, invalid("messages must be a non-empty array")
	}

	req := &chatRequest{Stream: true}
	if s := root.Get("stream"); s.Exists() && s.Type != gjson.Null {
		req.Stream = s.Bool()
	}
	req.Chat.Model = strings.TrimSpace(model.String())

	var systemParts []string
	for i, m := range messages.Array() {
		role := m.Get("role").String()
		switch role {
		case "system", "developer":
			if text := contentText(m.Get("content")); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		case "user", "assistant", "tool":
		default:
			return nil, invalid(fmt.Sprintf("messages[%d]: unsupported role %q", i, role))
		}

		msg := providers.Message{
			Role:       role,
			ToolCallID: m.Get("tool_call_id").String(),
			Name:       m.Get("name").String(),
		}
		parts, err := parseContent(m.Get("content"))
		if err != nil {
			return nil, invalid(fmt.Sprintf("messages[%d]: %v", i, err))
		}
		msg.Parts = parts
		m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: tc.Get("function.arguments").String(),
			})
			return true
		})
		req.Chat.Messages = append(req.Chat.Messages, msg)
	}
	if len(req.Chat.Messages) == 0 {
		return nil, invalid("messages must contain at least one non-system message")
	}

	opts := &req.Chat.Options
	if err := parseOptions(root, opts); err != nil {
		return nil, err
	}

	opts.IncludeReasoning = boolField(root, "include_reasoning", defaults.IncludeReasoning)
	opts.ShowReasoning = boolField(root, "show_reasoning", defaults.ShowReasoning)
	clean := boolField(root, "clean_context", defaults.CleanContext)

	system, directives := ParseDirectives(strings.Join(systemParts, "\n"))
	req.Chat.SystemPrompt = system
	if directives.ReasoningEffort != "" {
		opts.ReasoningEffort = directives.ReasoningEffort
	}
	if directives.ShowReasoning != nil {
		opts.ShowReasoning = *directives.ShowReasoning
	}
	if directives.CleanContext != nil {
		clean = *directives.CleanContext
	}

	if clean {
		for i := range req.Chat.Messages {
			for j, p := range req.Chat.Messages[i].Parts {
				if p.Kind == providers.PartText {
					req.Chat.Messages[i].Parts[j].Text = CleanThinking(p.Text)
				}
			}
		}
	}
	return req, nil
}

func parseOptions(root gjson.Result, opts *providers.GenerationOptions) error {
	if v := root.Get("max_completion_tokens"); v.Exists() && v.Type != gjson.Null {
		n := int(v.Int())
		opts.MaxTokens = &n
	} else if v := root.Get("max_tokens"); v.Exists() && v.Type != gjson.Null {
		n := int(v.Int())
		opts.MaxTokens = &n
	}
	opts.Temperature = floatField(root, "temperature")
	opts.TopP = floatField(root, "top_p")
	opts.PresencePenalty = floatField(root, "presence_penalty")
	opts.FrequencyPenalty = floatField(root, "frequency_penalty")
	if v := root.Get("seed"); v.Type == gjson.Number {
		seed := v.Int()
		opts.Seed = &seed
	}

	switch stop := root.Get("stop"); {
	case stop.Type == gjson.String:
		opts.Stop = []string{stop.String()}
	case stop.IsArray():
		for _, s := range stop.Array() {
			opts.Stop = append(opts.Stop, s.String())
		}
	}

	if rf := root.Get("response_format"); rf.IsObject() {
		opts.ResponseFormat = &providers.ResponseFormat{Type: rf.Get("type").String()}
		if schema := rf.Get("json_schema.schema"); schema.IsObject() {
			opts.ResponseFormat.Schema = json.RawMessage(schema.Raw)
		}
	}

	if v := root.Get("reasoning_effort"); v.Exists() && v.Type != gjson.Null {
		effort, ok := providers.ParseReasoningEffort(v.String())
		if !ok {
			return invalid(fmt.Sprintf("reasoning_effort %q is not one of none, low, medium, high", v.String()))
		}
		opts.ReasoningEffort = effort
	}

	var toolErr error
	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		if t.Get("type").String() != "function" {
			return true
		}
		name := t.Get("function.name").String()
		if name == "" {
			toolErr = invalid("tools: function name is required")
			return false
		}
		tool := providers.Tool{Name: name, Description: t.Get("function.description").String()}
		if params := t.Get("function.parameters"); params.IsObject() {
			tool.Parameters = json.RawMessage(params.Raw)
		}
		opts.Tools = append(opts.Tools, tool)
		return true
	})
	if toolErr != nil {
		return toolErr
	}

	switch tc := root.Get("tool_choice"); {
	case tc.Type == gjson.String:
		switch mode := tc.String(); mode {
		case "auto", "none", "required":
			opts.ToolChoice = &providers.ToolChoice{Mode: mode}
		default:
			return invalid(fmt.Sprintf("tool_choice %q is not supported", mode))
		}
	case tc.IsObject():
		name := tc.Get("function.name").String()
		if name == "" {
			return invalid("tool_choice.function.name is required")
		}
		opts.ToolChoice = &providers.ToolChoice{Mode: "function", Function: name}
	}
	return nil
}

// parseContent accepts a string or an array of typed content parts.
func parseContent(content gjson.Result) ([]providers.Part, error) {
	switch {
	case !content.Exists() || content.Type == gjson.Null:
		return nil, nil
	case content.Type == gjson.String:
		return []providers.Part{providers.TextPart(content.String())}, nil
	case !content.IsArray():
		return nil, fmt.Errorf("content must be a string or an array")
	}

	var parts []providers.Part
	for _, p := range content.Array() {
		switch typ := p.Get("type").String(); typ {
		case "text", "input_text":
			parts = append(parts, providers.TextPart(p.Get("text").String()))
		case "image_url":
			url := p.Get("image_url.url").String()
			if url == "" {
				url = p.Get("image_url").String()
			}
			parts = append(parts, providers.Part{Kind: providers.PartImage, Media: providers.MediaRef{URL: url}})
		case "input_audio":
			format := p.Get("input_audio.format").String()
			parts = append(parts, providers.Part{Kind: providers.PartAudio, Media: providers.MediaRef{
				Data:     p.Get("input_audio.data").String(),
				MimeType: audioMimeType(format),
			}})
		case "video_url":
			url := p.Get("video_url.url").String()
			if url == "" {
				url = p.Get("video_url").String()
			}
			parts = append(parts, providers.Part{Kind: providers.PartVideo, Media: providers.MediaRef{URL: url}})
		case "file":
			data := p.Get("file.file_data").String()
			filename := p.Get("file.filename").String()
			ref := providers.MediaRef{Filename: filename, MimeType: mime.TypeByExtension(filepath.Ext(filename))}
			if strings.HasPrefix(data, "data:") {
				ref.URL = data
			} else {
				ref.Data = data
			}
			parts = append(parts, providers.Part{Kind: providers.PartDocument, Media: ref})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", typ)
		}
	}
	return parts, nil
}

// contentText concatenates the text of a content value.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("type").String(); t == "text" || t == "input_text" {
			sb.WriteString(p.Get("text").String())
		}
		return true
	})
	return sb.String()
}

func audioMimeType(format string) string {
	if format == "" {
		return ""
	}
	return "audio/" + strings.ToLower(format)
}

func floatField(root gjson.Result, path string) *float64 {
	v := root.Get(path)
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

func boolField(root gjson.Result, path string, def bool) bool {
	v := root.Get(path)
	if v.Type != gjson.True && v.Type != gjson.False {
		return def
	}
	return v.Bool()
}

func invalid(msg string) error {
	return &providers.ValidationError{Message: msg}
}
