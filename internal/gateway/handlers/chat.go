package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/capabilities"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/reframe"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/tokens"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

// maxBodyBytes leaves room for inline base64 media.
const maxBodyBytes = 64 << 20

// statusClientClosed is logged when the caller goes away mid-stream.
const statusClientClosed = 499

// RequestLogger persists request audit entries.
type RequestLogger interface {
	LogRequest(ctx context.Context, entry *models.RequestLog) error
}

type ChatHandler struct {
	manager  *providers.Manager
	caps     *capabilities.Table
	audit    RequestLogger
	defaults Defaults
	maxBody  int64
}

// NewChatHandler creates the chat completions handler. audit may be nil.
func NewChatHandler(manager *providers.Manager, caps *capabilities.Table, audit RequestLogger, defaults Defaults) *ChatHandler {
	return &ChatHandler{
		manager:  manager,
		caps:     caps,
		audit:    audit,
		defaults: defaults,
		maxBody:  maxBodyBytes,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			metrics.RecordRequest("invalid", "", strconv.Itoa(http.StatusRequestEntityTooLarge))
			return
		}
		writeError(w, invalid("could not read request body"))
		return
	}

	req, err := parseChatRequest(body, h.defaults)
	if err == nil {
		err = h.validate(req.Chat)
	}
	if err != nil {
		log.WithError(err).WithField("phase", "validate").Info("rejected chat request")
		status := writeError(w, err)
		metrics.RecordRequest("invalid", "", strconv.Itoa(status))
		return
	}

	entry := &models.RequestLog{
		ID:             uuid.NewString(),
		RequestedModel: req.Chat.Model,
		Stream:         req.Stream,
		CreatedAt:      start,
	}

	if req.Stream {
		h.handleStreamingChat(w, r, req, entry)
		return
	}
	h.handleCompletion(w, r, req, entry)
}

// validate rejects unknown models and media the model cannot take.
func (h *ChatHandler) validate(req providers.ChatRequest) error {
	if !h.caps.Known(req.Model) {
		return invalid(fmt.Sprintf("model %q is not supported", req.Model))
	}
	for i, msg := range req.Messages {
		for _, p := range msg.Parts {
			modality, ok := partModality(p.Kind)
			if !ok {
				continue
			}
			if !h.caps.IsModalitySupported(req.Model, modality) {
				return invalid(fmt.Sprintf("messages[%d]: model %q does not accept %s input", i, req.Model, modality))
			}
		}
	}
	return nil
}

func partModality(kind providers.PartKind) (capabilities.Modality, bool) {
	switch kind {
	case providers.PartImage:
		return capabilities.ModalityImage, true
	case providers.PartAudio:
		return capabilities.ModalityAudio, true
	case providers.PartVideo:
		return capabilities.ModalityVideo, true
	case providers.PartDocument:
		return capabilities.ModalityDocument, true
	default:
		return "", false
	}
}

func (h *ChatHandler) handleCompletion(w http.ResponseWriter, r *http.Request, req *chatRequest, entry *models.RequestLog) {
	completion, route, err := h.manager.Complete(r.Context(), req.Chat)
	h.applyRoute(entry, route)
	if err != nil {
		status := writeError(w, err)
		h.finish(entry, status, err)
		return
	}

	content := completion.Content
	opts := req.Chat.Options
	if opts.IncludeReasoning && opts.ShowReasoning && completion.Reasoning != "" {
		content = reframe.ThinkingOpen + completion.Reasoning + reframe.ThinkingClose + content
	}

	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
	finishReason := openai.FinishReasonStop
	for _, tc := range completion.ToolCalls {
		message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
		finishReason = openai.FinishReasonToolCalls
	}

	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: entry.CreatedAt.Unix(),
		Model:   route.Decision.ResolvedModel,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
		Usage: openai.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}
	entry.PromptTokens = resp.Usage.PromptTokens
	entry.CompletionTokens = resp.Usage.CompletionTokens
	entry.TotalTokens = resp.Usage.TotalTokens

	raw, err := json.Marshal(resp)
	if err != nil {
		status := writeError(w, fmt.Errorf("encode completion: %w", err))
		h.finish(entry, status, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Route-Mode", string(route.Decision.Mode))
	if _, err := w.Write(reframe.StripVendorFields(raw)); err != nil {
		log.WithError(err).WithFields(routeFields(route, "upstream")).Warn("failed to write response")
	}
	h.finish(entry, http.StatusOK, nil)
}

// handleStreamingChat relays the backend stream as OpenAI chunks. Failures
// before the first byte get a normal error response; later failures are
// reported inline by the reframer.
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, req *chatRequest, entry *models.RequestLog) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	src, route, err := h.manager.Stream(ctx, req.Chat)
	h.applyRoute(entry, route)
	if err != nil {
		status := writeError(w, err)
		h.finish(entry, status, err)
		return
	}

	rf := reframe.New(src, reframe.Options{
		ID:               "chatcmpl-" + uuid.NewString(),
		Model:            route.Decision.ResolvedModel,
		Created:          entry.CreatedAt.Unix(),
		IncludeReasoning: req.Chat.Options.IncludeReasoning,
		ShowReasoning:    req.Chat.Options.ShowReasoning,
	})
	defer rf.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Route-Mode", string(route.Decision.Mode))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	status := http.StatusOK
	var streamErr error
	for {
		frame, err := rf.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			status, streamErr = statusClientClosed, err
			break
		}
		if frame.Chunk != nil && frame.Chunk.Usage != nil {
			entry.PromptTokens = frame.Chunk.Usage.PromptTokens
			entry.CompletionTokens = frame.Chunk.Usage.CompletionTokens
			entry.TotalTokens = frame.Chunk.Usage.TotalTokens
		}
		raw, err := frame.Encode()
		if err != nil {
			log.WithError(err).WithFields(routeFields(route, "stream")).Error("failed to encode frame")
			continue
		}
		if _, err := w.Write(raw); err != nil {
			status, streamErr = statusClientClosed, err
			break
		}
		flusher.Flush()
	}

	if streamErr == nil && rf.Err() != nil {
		streamErr = rf.Err()
		status = streamStatus(streamErr)
		log.WithError(streamErr).WithFields(routeFields(route, "stream")).Warn("stream ended with an inline error")
	} else if status == statusClientClosed {
		log.WithError(streamErr).WithFields(routeFields(route, "stream")).Info("client disconnected mid-stream")
	}

	entry.CooldownArmed = route.CooldownArmed
	h.finish(entry, status, streamErr)
}

// streamStatus is the status recorded for a stream that failed after the
// headers were sent.
func streamStatus(err error) int {
	var upstream *providers.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.StatusCode
	}
	return http.StatusBadGateway
}

func (h *ChatHandler) applyRoute(entry *models.RequestLog, route *providers.Route) {
	if route == nil {
		return
	}
	entry.ResolvedModel = route.Decision.ResolvedModel
	entry.Mode = route.Decision.Mode
	entry.ProjectID = route.Identity.ProjectID
	entry.CooldownArmed = route.CooldownArmed
}

// finish records metrics and writes the audit entry asynchronously.
func (h *ChatHandler) finish(entry *models.RequestLog, status int, err error) {
	elapsed := time.Since(entry.CreatedAt)
	entry.LatencyMs = int(elapsed.Milliseconds())
	entry.StatusCode = status
	if err != nil {
		msg := err.Error()
		entry.ErrorMessage = &msg
	}

	metrics.RecordRequest(entry.RequestedModel, string(entry.Mode), strconv.Itoa(status))
	metrics.RequestDuration.
		WithLabelValues(entry.RequestedModel, string(entry.Mode), strconv.FormatBool(entry.Stream)).
		Observe(elapsed.Seconds())

	if h.audit == nil {
		return
	}
	go func() {
		if err := h.audit.LogRequest(context.Background(), entry); err != nil {
			log.WithError(err).WithField("request_id", entry.ID).Warn("failed to write audit entry")
		}
	}()
}

func routeFields(route *providers.Route, phase string) log.Fields {
	return log.Fields{
		"model":          route.RequestedModel,
		"resolved_model": route.Decision.ResolvedModel,
		"mode":           route.Decision.Mode,
		"phase":          phase,
	}
}

// writeError writes an OpenAI-style error body and returns the status used.
func writeError(w http.ResponseWriter, err error) int {
	status, errType := classify(err)

	var quota *providers.QuotaExceededError
	if errors.As(err, &quota) && !quota.ResetAt.IsZero() {
		if secs := int(time.Until(quota.ResetAt).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}

	writeAPIError(w, status, errType, err.Error())
	return status
}

func writeAPIError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, openai.ErrorResponse{Error: &openai.APIError{
		Code:    errType,
		Message: message,
		Type:    errType,
	}})
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func classify(err error) (int, string) {
	var (
		validation *providers.ValidationError
		auth       *tokens.AuthError
		discovery  *providers.DiscoveryError
		quota      *providers.QuotaExceededError
		upstream   *providers.UpstreamError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &auth):
		return http.StatusUnauthorized, "authentication_error"
	case errors.As(err, &quota):
		return http.StatusServiceUnavailable, "quota_exceeded"
	case errors.As(err, &discovery):
		return http.StatusBadGateway, "discovery_error"
	case errors.As(err, &upstream):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
