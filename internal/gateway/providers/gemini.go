package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/tokens"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/models"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/telemetry"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	userAgent      = "google-api-nodejs-client/9.15.1"
	apiClientAgent = "gl-node/22.17.0"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"

	// maxErrorBody bounds how much of a failed response is kept.
	maxErrorBody = 1 << 20
)

// TokenSource yields a valid OAuth access token.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (*tokens.Credential, error)
}

// ClientOptions configures the backend client.
type ClientOptions struct {
	Endpoint      string
	APIVersion    string
	HeaderTimeout time.Duration
	// HTTPClient replaces the backend transport; used by tests.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the Gemini Code Assist backend.
type Client struct {
	baseURL     string
	tokens      TokenSource
	httpClient  *http.Client
	mediaClient *http.Client
	now         func() time.Time
}

// NewClient creates a backend client. There is no overall request timeout
// because streams are long-lived; HeaderTimeout bounds the wait for the
// response headers.
func NewClient(tokens TokenSource, opts ClientOptions) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = "v1internal"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: opts.HeaderTimeout,
			},
		}
	}
	return &Client{
		baseURL:     strings.TrimSuffix(opts.Endpoint, "/") + "/" + opts.APIVersion,
		tokens:      tokens,
		httpClient:  httpClient,
		mediaClient: &http.Client{Timeout: 30 * time.Second},
		now:         opts.Now,
	}
}

// DiscoverIdentity resolves the backend project for a request. A non-empty
// hint is the configured personal project and is returned as is once
// validated; otherwise the account's project is looked up.
func (c *Client) DiscoverIdentity(ctx context.Context, hint string) (*models.Identity, error) {
	if hint = strings.TrimSpace(hint); hint != "" {
		if strings.ContainsAny(hint, " \t\r\n/") {
			return nil, &DiscoveryError{Message: fmt.Sprintf("invalid project id %q", hint)}
		}
		return &models.Identity{Kind: models.IdentityPersonal, ProjectID: hint}, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "codeassist.discover")
	defer span.End()

	body := `{}`
	body, _ = sjson.Set(body, "metadata.ideType", "IDE_UNSPECIFIED")
	body, _ = sjson.Set(body, "metadata.platform", "PLATFORM_UNSPECIFIED")
	body, _ = sjson.Set(body, "metadata.pluginType", "GEMINI")

	resp, err := c.post(ctx, ":loadCodeAssist", []byte(body), false)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		if isAuthError(err) {
			return nil, err
		}
		return nil, &DiscoveryError{Message: "loadCodeAssist request failed", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &DiscoveryError{Message: "read loadCodeAssist response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		err := &UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
		telemetry.AddErrorAttribute(span, err)
		return nil, &DiscoveryError{Message: "loadCodeAssist rejected", Cause: err}
	}

	// cloudaicompanionProject is either a bare id or {"id": ...}.
	project := gjson.GetBytes(raw, "cloudaicompanionProject")
	projectID := project.String()
	if project.IsObject() {
		projectID = project.Get("id").String()
	}
	if projectID == "" {
		return nil, &DiscoveryError{Message: "account has no code assist project"}
	}

	telemetry.AddRouteAttributes(span, "", string(models.ModeDynamic), projectID)
	log.WithFields(log.Fields{"project": projectID, "phase": "discover"}).Debug("discovered dynamic identity")
	return &models.Identity{Kind: models.IdentityDynamic, ProjectID: projectID}, nil
}

// StreamContent opens a streaming call. The returned stream owns the
// upstream connection; closing it aborts the call.
func (c *Client) StreamContent(ctx context.Context, req ChatRequest, identity models.Identity) (*EventStream, error) {
	// The span covers the whole stream and is ended by EventStream.Close.
	ctx, span := telemetry.StartSpan(ctx, "codeassist.stream")
	telemetry.AddRouteAttributes(span, req.Model, string(identity.Kind), identity.ProjectID)

	payload, err := c.buildPayload(ctx, req, identity.ProjectID)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		span.End()
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	resp, err := c.post(callCtx, ":streamGenerateContent?alt=sse", payload, true)
	if err != nil {
		cancel()
		telemetry.AddErrorAttribute(span, err)
		span.End()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		err := statusError(resp.StatusCode, raw, resp.Header, c.now())
		telemetry.AddErrorAttribute(span, err)
		span.End()
		return nil, err
	}
	stream := NewEventStream(resp.Body, cancel)
	stream.span = span
	return stream, nil
}

// GetCompletion performs a buffered call and assembles the full answer.
func (c *Client) GetCompletion(ctx context.Context, req ChatRequest, identity models.Identity) (*Completion, error) {
	ctx, span := telemetry.StartSpan(ctx, "codeassist.generate")
	defer span.End()
	telemetry.AddRouteAttributes(span, req.Model, string(identity.Kind), identity.ProjectID)

	payload, err := c.buildPayload(ctx, req, identity.ProjectID)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, ":generateContent", payload, false)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp.StatusCode, raw, resp.Header, c.now())
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	dec := newResponseDecoder()
	completion := &Completion{}
	for _, ev := range dec.decode(gjson.ParseBytes(raw)) {
		switch ev.Kind {
		case EventReasoningDelta:
			completion.Reasoning += ev.Text
		case EventAnswerDelta:
			completion.Content += ev.Text
		case EventToolCallDelta:
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:        ev.ToolCall.ID,
				Name:      ev.ToolCall.Name,
				Arguments: ev.ToolCall.Arguments,
			})
		case EventTransportError:
			return nil, statusError(ev.Status, []byte(ev.Body), resp.Header, c.now())
		}
	}
	completion.FinishReason = dec.finishReason
	if dec.usage != nil {
		completion.Usage = *dec.usage
		telemetry.AddTokenAttributes(span, dec.usage.PromptTokens, dec.usage.CompletionTokens)
	}
	return completion, nil
}

func (c *Client) post(ctx context.Context, method string, body []byte, stream bool) (*http.Response, error) {
	cred, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("X-Goog-Api-Client", apiClientAgent)
	httpReq.Header.Set("Client-Metadata", clientMetadata)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("code assist %s: %w", strings.TrimPrefix(method, ":"), err)
	}
	return resp, nil
}

func isAuthError(err error) bool {
	var authErr *tokens.AuthError
	return errors.As(err, &authErr)
}
