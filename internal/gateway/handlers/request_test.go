package handlers

import (
	"errors"
	"testing"

	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/providers"
)

var allOn = Defaults{IncludeReasoning: true, ShowReasoning: true, CleanContext: true}

func TestParseChatRequest_Basics(t *testing.T) {
	body := `{
		"model": " flash-auto ",
		"stream": null,
		"max_tokens": 50,
		"max_completion_tokens": 100,
		"temperature": 0.2,
		"top_p": 0.9,
		"seed": 42,
		"stop": "END",
		"messages": [
			{"role": "system", "content": "You are helpful."},
			{"role": "developer", "content": [{"type": "text", "text": "Answer in English."}]},
			{"role": "user", "content": "hi"}
		]
	}`

	req, err := parseChatRequest([]byte(body), allOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.Stream {
		t.Error("stream should default to true")
	}
	if req.Chat.Model != "flash-auto" {
		t.Errorf("Model = %q", req.Chat.Model)
	}
	if req.Chat.SystemPrompt != "You are helpful.\nAnswer in English." {
		t.Errorf("SystemPrompt = %q", req.Chat.SystemPrompt)
	}
	if len(req.Chat.Messages) != 1 || req.Chat.Messages[0].Text() != "hi" {
		t.Errorf("Messages = %+v", req.Chat.Messages)
	}

	opts := req.Chat.Options
	if opts.MaxTokens == nil || *opts.MaxTokens != 100 {
		t.Errorf("MaxTokens = %v, want max_completion_tokens to win", opts.MaxTokens)
	}
	if opts.Temperature == nil || *opts.Temperature != 0.2 || opts.TopP == nil || *opts.TopP != 0.9 {
		t.Errorf("sampling = %v %v", opts.Temperature, opts.TopP)
	}
	if opts.Seed == nil || *opts.Seed != 42 {
		t.Errorf("Seed = %v", opts.Seed)
	}
	if len(opts.Stop) != 1 || opts.Stop[0] != "END" {
		t.Errorf("Stop = %v", opts.Stop)
	}
	if opts.PresencePenalty != nil || opts.ResponseFormat != nil || opts.ToolChoice != nil {
		t.Error("unset options should stay nil")
	}
}

func TestParseChatRequest_ToolsAndFormat(t *testing.T) {
	body := `{
		"model": "gemini-2.5-pro",
		"stream": false,
		"tools": [
			{"type": "function", "function": {"name": "lookup", "description": "find", "parameters": {"type": "object"}}},
			{"type": "retrieval"}
		],
		"tool_choice": {"type": "function", "function": {"name": "lookup"}},
		"response_format": {"type": "json_schema", "json_schema": {"name": "x", "schema": {"type": "object"}}},
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		]
	}`

	req, err := parseChatRequest([]byte(body), allOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Stream {
		t.Error("stream should be false")
	}

	opts := req.Chat.Options
	if len(opts.Tools) != 1 || opts.Tools[0].Name != "lookup" || string(opts.Tools[0].Parameters) != `{"type": "object"}` {
		t.Errorf("Tools = %+v", opts.Tools)
	}
	if opts.ToolChoice == nil || opts.ToolChoice.Mode != "function" || opts.ToolChoice.Function != "lookup" {
		t.Errorf("ToolChoice = %+v", opts.ToolChoice)
	}
	if opts.ResponseFormat == nil || opts.ResponseFormat.Type != "json_schema" || string(opts.ResponseFormat.Schema) != `{"type": "object"}` {
		t.Errorf("ResponseFormat = %+v", opts.ResponseFormat)
	}

	assistant := req.Chat.Messages[1]
	if len(assistant.Parts) != 0 || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", assistant)
	}
	if tc := assistant.ToolCalls[0]; tc.ID != "call_1" || tc.Name != "lookup" || tc.Arguments != `{"q":"paris"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if tool := req.Chat.Messages[2]; tool.Role != "tool" || tool.ToolCallID != "call_1" || tool.Text() != "sunny" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestParseChatRequest_ContentParts(t *testing.T) {
	body := `{"model": "gemini-2.5-flash", "messages": [{"role": "user", "content": [
		{"type": "input_text", "text": "describe"},
		{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}},
		{"type": "input_audio", "input_audio": {"data": "UklGRg==", "format": "WAV"}},
		{"type": "video_url", "video_url": {"url": "data:video/mp4;base64,AAAA"}},
		{"type": "file", "file": {"filename": "report.pdf", "file_data": "JVBERi0="}}
	]}]}`

	req, err := parseChatRequest([]byte(body), allOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parts := req.Chat.Messages[0].Parts

	want := []providers.PartKind{providers.PartText, providers.PartImage, providers.PartAudio, providers.PartVideo, providers.PartDocument}
	if len(parts) != len(want) {
		t.Fatalf("got %d parts, want %d", len(parts), len(want))
	}
	for i, kind := range want {
		if parts[i].Kind != kind {
			t.Errorf("part %d kind = %v, want %v", i, parts[i].Kind, kind)
		}
	}
	if parts[1].Media.URL != "https://example.com/cat.png" {
		t.Errorf("image = %+v", parts[1].Media)
	}
	if parts[2].Media.Data != "UklGRg==" || parts[2].Media.MimeType != "audio/wav" {
		t.Errorf("audio = %+v", parts[2].Media)
	}
	if parts[4].Media.Data != "JVBERi0=" || parts[4].Media.MimeType != "application/pdf" || parts[4].Media.Filename != "report.pdf" {
		t.Errorf("file = %+v", parts[4].Media)
	}
}

func TestParseChatRequest_ReasoningPrecedence(t *testing.T) {
	tests := []struct {
		name        string
		defaults    Defaults
		fields      string
		system      string
		wantInclude bool
		wantShow    bool
		wantEffort  providers.ReasoningEffort
		wantClean   bool
	}{
		{
			name:        "defaults only",
			defaults:    allOn,
			wantInclude: true,
			wantShow:    true,
			wantClean:   true,
		},
		{
			name:        "request fields override defaults",
			defaults:    allOn,
			fields:      `"show_reasoning": false, "clean_context": false, "reasoning_effort": "LOW",`,
			wantInclude: true,
			wantEffort:  providers.EffortLow,
		},
		{
			name:       "directives override request fields",
			defaults:   Defaults{},
			fields:     `"show_reasoning": false, "reasoning_effort": "low",`,
			system:     "show_reasoning=true reasoning_effort=medium clean_context=true",
			wantShow:   true,
			wantEffort: providers.EffortMedium,
			wantClean:  true,
		},
		{
			name:      "include flag is request-only",
			defaults:  allOn,
			fields:    `"include_reasoning": false,`,
			wantShow:  true,
			wantClean: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"model": "pro-auto", ` + tt.fields + ` "messages": [
				{"role": "system", "content": "` + tt.system + `"},
				{"role": "assistant", "content": "a<thinking>x</thinking>b"},
				{"role": "user", "content": "go"}
			]}`
			req, err := parseChatRequest([]byte(body), tt.defaults)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			opts := req.Chat.Options
			if opts.IncludeReasoning != tt.wantInclude || opts.ShowReasoning != tt.wantShow {
				t.Errorf("include/show = %v/%v, want %v/%v", opts.IncludeReasoning, opts.ShowReasoning, tt.wantInclude, tt.wantShow)
			}
			if opts.ReasoningEffort != tt.wantEffort {
				t.Errorf("ReasoningEffort = %q, want %q", opts.ReasoningEffort, tt.wantEffort)
			}
			cleaned := req.Chat.Messages[0].Text() == "ab"
			if cleaned != tt.wantClean {
				t.Errorf("assistant text = %q, cleaning want %v", req.Chat.Messages[0].Text(), tt.wantClean)
			}
			if req.Chat.SystemPrompt != "" {
				t.Errorf("directives should be stripped, SystemPrompt = %q", req.Chat.SystemPrompt)
			}
		})
	}
}

func TestParseChatRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"model not a string", `{"model": 3, "messages": [{"role": "user", "content": "x"}]}`},
		{"messages not an array", `{"model": "m", "messages": "hi"}`},
		{"content object", `{"model": "m", "messages": [{"role": "user", "content": {"text": "x"}}]}`},
		{"unknown part type", `{"model": "m", "messages": [{"role": "user", "content": [{"type": "hologram"}]}]}`},
		{"tool without name", `{"model": "m", "tools": [{"type": "function", "function": {}}], "messages": [{"role": "user", "content": "x"}]}`},
		{"bad tool_choice", `{"model": "m", "tool_choice": "sometimes", "messages": [{"role": "user", "content": "x"}]}`},
		{"tool_choice without function", `{"model": "m", "tool_choice": {"type": "function"}, "messages": [{"role": "user", "content": "x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChatRequest([]byte(tt.body), allOn)
			var verr *providers.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}
