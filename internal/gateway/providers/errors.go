package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ValidationError is a request the gateway refuses to forward.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UpstreamError is a non-success response from the backend.
type UpstreamError struct {
	StatusCode int
	Body       string
}

// Message returns the backend's error message, falling back to the raw body.
func (e *UpstreamError) Message() string {
	body := strings.TrimSpace(e.Body)
	path := "error.message"
	if strings.HasPrefix(body, "[") {
		path = "0.error.message"
	}
	if msg := gjson.Get(body, path).String(); msg != "" {
		return msg
	}
	if body == "" {
		return http.StatusText(e.StatusCode)
	}
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return body
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Message())
}

// QuotaExceededError is a 429 from the backend. ResetAt is zero when the
// response carried no usable reset hint.
type QuotaExceededError struct {
	Upstream *UpstreamError
	ResetAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	if e.ResetAt.IsZero() {
		return "quota exceeded: " + e.Upstream.Message()
	}
	return fmt.Sprintf("quota exceeded until %s: %s", e.ResetAt.UTC().Format(time.RFC3339), e.Upstream.Message())
}

func (e *QuotaExceededError) Unwrap() error {
	return e.Upstream
}

// DiscoveryError means no backend project could be resolved for the
// dynamic identity.
type DiscoveryError struct {
	Message string
	Cause   error
}

func (e *DiscoveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("identity discovery failed: %s: %v", e.Message, e.Cause)
	}
	return "identity discovery failed: " + e.Message
}

func (e *DiscoveryError) Unwrap() error {
	return e.Cause
}

// StreamTransformError is a malformed unit in the backend stream.
type StreamTransformError struct {
	Message string
	Cause   error
}

func (e *StreamTransformError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StreamTransformError) Unwrap() error {
	return e.Cause
}

// statusError classifies a non-2xx backend response.
func statusError(status int, body []byte, header http.Header, now time.Time) error {
	upstream := &UpstreamError{StatusCode: status, Body: string(body)}
	if status != http.StatusTooManyRequests {
		return upstream
	}
	return &QuotaExceededError{Upstream: upstream, ResetAt: extractResetAt(body, header, now)}
}

// extractResetAt finds the quota reset time in a 429 response. The body is
// a google.rpc.Status, either bare or wrapped in a one-element array.
func extractResetAt(body []byte, header http.Header, now time.Time) time.Time {
	details := gjson.GetBytes(body, "error.details")
	if !details.Exists() {
		details = gjson.GetBytes(body, "0.error.details")
	}
	items := details.Array()

	for _, d := range items {
		if ts := d.Get("metadata.quotaResetTimeStamp").String(); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				return t
			}
		}
	}
	for _, d := range items {
		if v := d.Get("metadata.quotaResetDelay").String(); v != "" {
			if delay, err := time.ParseDuration(v); err == nil {
				return now.Add(delay)
			}
		}
	}
	for _, d := range items {
		if v := d.Get("retryDelay").String(); v != "" {
			if delay, err := time.ParseDuration(v); err == nil {
				return now.Add(delay)
			}
		}
	}

	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(ra); err == nil {
			return t
		}
	}
	return time.Time{}
}
