package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxMediaBytes caps remote media fetched for inlining.
const maxMediaBytes = 20 << 20

// skipThoughtSignature lets replayed function calls through without the
// signature the backend attaches to calls it generated itself.
const skipThoughtSignature = "skip_thought_signature_validator"

var thinkingBudgets = map[ReasoningEffort]int{
	EffortNone:   0,
	EffortLow:    1024,
	EffortMedium: 8192,
	EffortHigh:   24576,
}

// buildPayload renders the code-assist envelope {model, project, request}.
func (c *Client) buildPayload(ctx context.Context, req ChatRequest, project string) ([]byte, error) {
	inner, err := c.buildInnerRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	out := `{}`
	out, _ = sjson.Set(out, "model", req.Model)
	out, _ = sjson.Set(out, "project", project)
	out, err = sjson.SetRaw(out, "request", inner)
	if err != nil {
		return nil, fmt.Errorf("assemble envelope: %w", err)
	}
	return []byte(out), nil
}

func (c *Client) buildInnerRequest(ctx context.Context, req ChatRequest) (string, error) {
	contents, err := c.buildContents(ctx, req.Messages)
	if err != nil {
		return "", err
	}

	inner := `{}`
	inner, _ = sjson.SetRaw(inner, "contents", contents)
	if req.SystemPrompt != "" {
		inner, _ = sjson.Set(inner, "systemInstruction.role", "user")
		inner, _ = sjson.Set(inner, "systemInstruction.parts.0.text", req.SystemPrompt)
	}

	opts := req.Options
	if len(opts.Tools) > 0 {
		decls := `[]`
		for _, tool := range opts.Tools {
			decl := `{}`
			decl, _ = sjson.Set(decl, "name", tool.Name)
			if tool.Description != "" {
				decl, _ = sjson.Set(decl, "description", tool.Description)
			}
			if len(tool.Parameters) > 0 && gjson.ValidBytes(tool.Parameters) {
				decl, _ = sjson.SetRaw(decl, "parametersJsonSchema", string(tool.Parameters))
			}
			decls, _ = sjson.SetRaw(decls, "-1", decl)
		}
		inner, _ = sjson.SetRaw(inner, "tools.0.functionDeclarations", decls)
	}
	if tc := opts.ToolChoice; tc != nil {
		switch tc.Mode {
		case "none":
			inner, _ = sjson.Set(inner, "toolConfig.functionCallingConfig.mode", "NONE")
		case "auto":
			inner, _ = sjson.Set(inner, "toolConfig.functionCallingConfig.mode", "AUTO")
		case "required":
			inner, _ = sjson.Set(inner, "toolConfig.functionCallingConfig.mode", "ANY")
		case "function":
			inner, _ = sjson.Set(inner, "toolConfig.functionCallingConfig.mode", "ANY")
			inner, _ = sjson.Set(inner, "toolConfig.functionCallingConfig.allowedFunctionNames", []string{tc.Function})
		}
	}

	gen := generationConfig(opts)
	if gen != `{}` {
		inner, _ = sjson.SetRaw(inner, "generationConfig", gen)
	}
	return inner, nil
}

func generationConfig(opts GenerationOptions) string {
	gen := `{}`
	if opts.MaxTokens != nil {
		gen, _ = sjson.Set(gen, "maxOutputTokens", *opts.MaxTokens)
	}
	if opts.Temperature != nil {
		gen, _ = sjson.Set(gen, "temperature", *opts.Temperature)
	}
	if opts.TopP != nil {
		gen, _ = sjson.Set(gen, "topP", *opts.TopP)
	}
	if len(opts.Stop) > 0 {
		gen, _ = sjson.Set(gen, "stopSequences", opts.Stop)
	}
	if opts.PresencePenalty != nil {
		gen, _ = sjson.Set(gen, "presencePenalty", *opts.PresencePenalty)
	}
	if opts.FrequencyPenalty != nil {
		gen, _ = sjson.Set(gen, "frequencyPenalty", *opts.FrequencyPenalty)
	}
	if opts.Seed != nil {
		gen, _ = sjson.Set(gen, "seed", *opts.Seed)
	}
	if rf := opts.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			gen, _ = sjson.Set(gen, "responseMimeType", "application/json")
		case "json_schema":
			gen, _ = sjson.Set(gen, "responseMimeType", "application/json")
			if len(rf.Schema) > 0 && gjson.ValidBytes(rf.Schema) {
				gen, _ = sjson.SetRaw(gen, "responseJsonSchema", string(rf.Schema))
			}
		}
	}

	budget, hasBudget := thinkingBudgets[opts.ReasoningEffort]
	switch {
	case hasBudget && opts.ReasoningEffort == EffortNone:
		gen, _ = sjson.Set(gen, "thinkingConfig.thinkingBudget", 0)
		gen, _ = sjson.Set(gen, "thinkingConfig.includeThoughts", false)
	case hasBudget:
		gen, _ = sjson.Set(gen, "thinkingConfig.thinkingBudget", budget)
		gen, _ = sjson.Set(gen, "thinkingConfig.includeThoughts", opts.IncludeReasoning)
	default:
		gen, _ = sjson.Set(gen, "thinkingConfig.includeThoughts", opts.IncludeReasoning)
	}
	return gen
}

// buildContents maps the conversation onto backend turns. Consecutive tool
// results share one user turn.
func (c *Client) buildContents(ctx context.Context, messages []Message) (string, error) {
	contents := `[]`
	callNames := make(map[string]string)
	lastWasTool := false

	for i, msg := range messages {
		switch msg.Role {
		case "user", "assistant":
			role := "user"
			if msg.Role == "assistant" {
				role = "model"
			}
			parts, err := c.buildParts(ctx, msg.Parts)
			if err != nil {
				return "", fmt.Errorf("message %d: %w", i, err)
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Name
				part := `{}`
				part, _ = sjson.Set(part, "functionCall.name", call.Name)
				part, _ = sjson.SetRaw(part, "functionCall.args", argsObject(call.Arguments))
				part, _ = sjson.Set(part, "thoughtSignature", skipThoughtSignature)
				parts, _ = sjson.SetRaw(parts, "-1", part)
			}
			if parts == `[]` {
				continue
			}
			turn := `{}`
			turn, _ = sjson.Set(turn, "role", role)
			turn, _ = sjson.SetRaw(turn, "parts", parts)
			contents, _ = sjson.SetRaw(contents, "-1", turn)
			lastWasTool = false

		case "tool":
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			if name == "" {
				return "", &ValidationError{Message: fmt.Sprintf("messages[%d]: tool result %q has no matching tool call", i, msg.ToolCallID)}
			}
			part := `{}`
			part, _ = sjson.Set(part, "functionResponse.name", name)
			part, _ = sjson.SetRaw(part, "functionResponse.response", responseObject(msg.Text()))

			if lastWasTool {
				n := gjson.Get(contents, "#").Int() - 1
				contents, _ = sjson.SetRaw(contents, fmt.Sprintf("%d.parts.-1", n), part)
			} else {
				turn := `{"role":"user","parts":[]}`
				turn, _ = sjson.SetRaw(turn, "parts.-1", part)
				contents, _ = sjson.SetRaw(contents, "-1", turn)
			}
			lastWasTool = true

		default:
			return "", &ValidationError{Message: fmt.Sprintf("messages[%d]: unsupported role %q", i, msg.Role)}
		}
	}
	return contents, nil
}

func (c *Client) buildParts(ctx context.Context, parts []Part) (string, error) {
	out := `[]`
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			if p.Text == "" {
				continue
			}
			part, _ := sjson.Set(`{}`, "text", p.Text)
			out, _ = sjson.SetRaw(out, "-1", part)
		case PartImage, PartAudio, PartVideo, PartDocument:
			mimeType, data, err := c.resolveMedia(ctx, p)
			if err != nil {
				return "", err
			}
			part := `{}`
			part, _ = sjson.Set(part, "inlineData.mimeType", mimeType)
			part, _ = sjson.Set(part, "inlineData.data", data)
			out, _ = sjson.SetRaw(out, "-1", part)
		default:
			return "", &ValidationError{Message: fmt.Sprintf("unsupported content part kind %d", p.Kind)}
		}
	}
	return out, nil
}

// resolveMedia returns the mime type and base64 payload for a media part.
func (c *Client) resolveMedia(ctx context.Context, p Part) (string, string, error) {
	ref := p.Media
	switch {
	case ref.Data != "":
		return mediaType(ref.MimeType, p.Kind), ref.Data, nil
	case strings.HasPrefix(ref.URL, "data:"):
		return decodeDataURI(ref.URL, p.Kind)
	case strings.HasPrefix(ref.URL, "http://"), strings.HasPrefix(ref.URL, "https://"):
		return c.fetchMedia(ctx, ref, p.Kind)
	case ref.URL == "":
		return "", "", &ValidationError{Message: fmt.Sprintf("%s part has no data", p.Kind)}
	default:
		return "", "", &ValidationError{Message: fmt.Sprintf("%s part has unsupported url scheme", p.Kind)}
	}
}

func decodeDataURI(uri string, kind PartKind) (string, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return "", "", &ValidationError{Message: fmt.Sprintf("malformed data uri in %s part", kind)}
	}
	isBase64 := strings.HasSuffix(header, ";base64")
	mimeType := strings.TrimSuffix(header, ";base64")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = mediaType(mimeType, kind)

	if isBase64 {
		if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
			return "", "", &ValidationError{Message: fmt.Sprintf("invalid base64 in %s part", kind)}
		}
		return mimeType, payload, nil
	}
	raw, err := url.PathUnescape(payload)
	if err != nil {
		return "", "", &ValidationError{Message: fmt.Sprintf("malformed data uri in %s part", kind)}
	}
	return mimeType, base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

func (c *Client) fetchMedia(ctx context.Context, ref MediaRef, kind PartKind) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return "", "", &ValidationError{Message: fmt.Sprintf("invalid %s url: %v", kind, err)}
	}
	resp, err := c.mediaClient.Do(req)
	if err != nil {
		return "", "", &ValidationError{Message: fmt.Sprintf("fetch %s: %v", kind, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", &ValidationError{Message: fmt.Sprintf("fetch %s: status %d", kind, resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return "", "", &ValidationError{Message: fmt.Sprintf("fetch %s: %v", kind, err)}
	}
	if len(data) > maxMediaBytes {
		return "", "", &ValidationError{Message: fmt.Sprintf("%s exceeds %d bytes", kind, maxMediaBytes)}
	}

	mimeType := ref.MimeType
	if mimeType == "" {
		if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && mt != "application/octet-stream" {
			mimeType = mt
		} else {
			mimeType = http.DetectContentType(data)
		}
	}
	return mediaType(mimeType, kind), base64.StdEncoding.EncodeToString(data), nil
}

func mediaType(mimeType string, kind PartKind) string {
	if mimeType != "" {
		return mimeType
	}
	switch kind {
	case PartImage:
		return "image/png"
	case PartAudio:
		return "audio/wav"
	case PartVideo:
		return "video/mp4"
	default:
		return "application/pdf"
	}
}

// argsObject returns the tool call arguments as a JSON object.
func argsObject(args string) string {
	args = strings.TrimSpace(args)
	if args != "" && gjson.Valid(args) && gjson.Parse(args).IsObject() {
		return args
	}
	return `{}`
}

// responseObject wraps a tool result for functionResponse.response, which
// must be an object.
func responseObject(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed != "" && gjson.Valid(trimmed) && gjson.Parse(trimmed).IsObject() {
		return trimmed
	}
	out, _ := sjson.Set(`{}`, "result", content)
	return out
}
