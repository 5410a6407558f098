package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mrmushfiq/codeassist-gateway/internal/shared/models"
	log "github.com/sirupsen/logrus"
)

// Router is the fallback engine as seen by the manager.
type Router interface {
	Decide(ctx context.Context, model string) models.FallbackDecision
	Arm(ctx context.Context, alias string, resetAt time.Time) (bool, error)
	IsAlias(model string) bool
}

// Route records how a request was served.
type Route struct {
	RequestedModel string
	Decision       models.FallbackDecision
	Identity       models.Identity
	CooldownArmed  bool
}

// Manager routes chat requests: decide, discover, call, and on quota
// exhaustion of the dynamic identity arm a cooldown for later requests.
// The failing request itself is never retried.
type Manager struct {
	client *Client
	router Router
}

func NewManager(client *Client, router Router) *Manager {
	return &Manager{client: client, router: router}
}

// Stream opens a streaming call for req.Model, which may be an alias. The
// returned route is always non-nil.
func (m *Manager) Stream(ctx context.Context, req ChatRequest) (EventSource, *Route, error) {
	route, err := m.resolve(ctx, &req)
	if err != nil {
		return nil, route, err
	}

	stream, err := m.client.StreamContent(ctx, req, route.Identity)
	if err != nil {
		var quota *QuotaExceededError
		if errors.As(err, &quota) {
			m.armCooldown(ctx, route, quota.ResetAt)
		}
		m.logFailure(route, "upstream", err)
		return nil, route, err
	}

	if m.armsOnQuota(route) {
		return &quotaWatcher{EventSource: stream, manager: m, route: route, now: m.client.now}, route, nil
	}
	return stream, route, nil
}

// Complete performs a buffered call. Quota failures are surfaced without
// arming a cooldown.
func (m *Manager) Complete(ctx context.Context, req ChatRequest) (*Completion, *Route, error) {
	route, err := m.resolve(ctx, &req)
	if err != nil {
		return nil, route, err
	}

	completion, err := m.client.GetCompletion(ctx, req, route.Identity)
	if err != nil {
		m.logFailure(route, "upstream", err)
		return nil, route, err
	}
	return completion, route, nil
}

func (m *Manager) resolve(ctx context.Context, req *ChatRequest) (*Route, error) {
	route := &Route{RequestedModel: req.Model}
	route.Decision = m.router.Decide(ctx, req.Model)
	req.Model = route.Decision.ResolvedModel

	var hint string
	if route.Decision.Identity != nil {
		hint = route.Decision.Identity.ProjectID
	}
	identity, err := m.client.DiscoverIdentity(ctx, hint)
	if err != nil {
		m.logFailure(route, "discover", err)
		return route, err
	}
	route.Identity = *identity
	return route, nil
}

// armsOnQuota reports whether a quota failure on this route should arm a
// cooldown. Personal identities have nowhere further to fall back to.
func (m *Manager) armsOnQuota(route *Route) bool {
	return route.Decision.Mode == models.ModeDynamic && m.router.IsAlias(route.RequestedModel)
}

func (m *Manager) armCooldown(ctx context.Context, route *Route, resetAt time.Time) {
	if !m.armsOnQuota(route) || resetAt.IsZero() {
		return
	}
	armed, err := m.router.Arm(context.WithoutCancel(ctx), route.RequestedModel, resetAt)
	if err != nil {
		log.WithError(err).WithFields(route.fields("arm")).Error("failed to arm cooldown")
		return
	}
	route.CooldownArmed = route.CooldownArmed || armed
}

func (m *Manager) logFailure(route *Route, phase string, err error) {
	log.WithError(err).WithFields(route.fields(phase)).Warn("chat request failed")
}

func (r *Route) fields(phase string) log.Fields {
	return log.Fields{
		"model":          r.RequestedModel,
		"resolved_model": r.Decision.ResolvedModel,
		"mode":           r.Decision.Mode,
		"project":        r.Identity.ProjectID,
		"phase":          phase,
	}
}

// quotaWatcher arms a cooldown when a 429 arrives inside an already open
// stream. The event is passed through unchanged.
type quotaWatcher struct {
	EventSource
	manager *Manager
	route   *Route
	now     func() time.Time
}

func (w *quotaWatcher) Next(ctx context.Context) (StreamEvent, error) {
	ev, err := w.EventSource.Next(ctx)
	if err == nil && ev.Kind == EventTransportError && ev.Status == http.StatusTooManyRequests {
		resetAt := extractResetAt([]byte(ev.Body), http.Header{}, w.now())
		w.manager.armCooldown(ctx, w.route, resetAt)
	}
	return ev, err
}
