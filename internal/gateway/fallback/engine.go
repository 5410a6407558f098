// Package fallback routes the "auto" model aliases between the shared
// dynamic identity and the personal identity based on quota cooldowns kept
// in the shared KV store.
package fallback

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mrmushfiq/codeassist-gateway/internal/shared/kvstore"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/models"
	log "github.com/sirupsen/logrus"
)

// SafetyBuffer is added to the upstream reset time when arming a cooldown.
const SafetyBuffer = 60 * time.Second

// Family groups models that share a quota bucket.
type Family string

const (
	FamilyPro   Family = "pro"
	FamilyFlash Family = "flash"
)

// CooldownKey is the KV key holding the cooldown deadline for a family.
func CooldownKey(f Family) string {
	return "cooldown:" + string(f)
}

// Policy describes one routing alias.
type Policy struct {
	Alias         string
	Family        Family
	PreviewModel  string
	FallbackModel string
}

// DefaultPolicies returns the pro-auto and flash-auto aliases.
func DefaultPolicies() []Policy {
	return []Policy{
		{Alias: "pro-auto", Family: FamilyPro, PreviewModel: "gemini-3-pro-preview", FallbackModel: "gemini-2.5-pro"},
		{Alias: "flash-auto", Family: FamilyFlash, PreviewModel: "gemini-3-flash-preview", FallbackModel: "gemini-2.5-flash"},
	}
}

// Engine makes per-request routing decisions. It keeps no state of its own
// beyond configuration; cooldowns live in the store.
type Engine struct {
	store    kvstore.Store
	personal *models.Identity
	policies map[string]Policy
	now      func() time.Time
}

type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPolicies replaces the default alias policies.
func WithPolicies(policies ...Policy) Option {
	return func(e *Engine) {
		e.policies = make(map[string]Policy, len(policies))
		for _, p := range policies {
			e.policies[p.Alias] = p
		}
	}
}

// New creates an engine. An empty personalProjectID means no personal
// identity is configured.
func New(store kvstore.Store, personalProjectID string, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	if personalProjectID != "" {
		e.personal = &models.Identity{Kind: models.IdentityPersonal, ProjectID: personalProjectID}
	}
	WithPolicies(DefaultPolicies()...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsAlias reports whether model is a routing alias.
func (e *Engine) IsAlias(model string) bool {
	_, ok := e.policies[model]
	return ok
}

// HasPersonalIdentity reports whether a personal identity is configured.
func (e *Engine) HasPersonalIdentity() bool {
	return e.personal != nil
}

// Decide resolves the mode, concrete model and identity for a requested model.
func (e *Engine) Decide(ctx context.Context, requested string) models.FallbackDecision {
	policy, ok := e.policies[requested]
	if !ok {
		if e.personal != nil {
			return models.FallbackDecision{Mode: models.ModePersonal, ResolvedModel: requested, Identity: e.personalCopy()}
		}
		return models.FallbackDecision{Mode: models.ModeDynamic, ResolvedModel: requested}
	}

	var decision models.FallbackDecision
	if until, active := e.activeCooldown(ctx, policy.Family); active && e.personal != nil {
		decision = models.FallbackDecision{
			Mode:          models.ModePersonal,
			ResolvedModel: policy.FallbackModel,
			Identity:      e.personalCopy(),
		}
		log.WithFields(log.Fields{
			"model":          requested,
			"resolved_model": decision.ResolvedModel,
			"mode":           decision.Mode,
			"phase":          "decide",
			"cooldown_until": until.Format(time.RFC3339),
		}).Info("fallback: cooldown active, routing to personal identity")
	} else {
		decision = models.FallbackDecision{Mode: models.ModeDynamic, ResolvedModel: policy.PreviewModel}
	}

	metrics.RecordFallbackDecision(requested, string(decision.Mode))
	return decision
}

// Arm records that the family behind alias is quota-exhausted until
// resetAt. The cooldown runs until resetAt+SafetyBuffer; if that is already
// in the past nothing is written. It reports whether a cooldown was written.
func (e *Engine) Arm(ctx context.Context, alias string, resetAt time.Time) (bool, error) {
	policy, ok := e.policies[alias]
	if !ok {
		return false, fmt.Errorf("fallback: %q is not a routing alias", alias)
	}

	until := resetAt.Add(SafetyBuffer)
	ttl := until.Sub(e.now())
	if ttl <= 0 {
		return false, nil
	}

	value := strconv.FormatInt(until.UnixMilli(), 10)
	if err := e.store.Put(ctx, CooldownKey(policy.Family), value, ttl); err != nil {
		return false, fmt.Errorf("fallback: persist cooldown: %w", err)
	}

	metrics.RecordCooldownArmed(string(policy.Family))
	log.WithFields(log.Fields{
		"model":          alias,
		"family":         policy.Family,
		"cooldown_until": until.Format(time.RFC3339),
		"ttl":            ttl.Round(time.Second).String(),
	}).Warn("fallback: quota exhausted on dynamic identity, cooldown armed")
	return true, nil
}

// CooldownUntil returns the active cooldown deadline for a family.
func (e *Engine) CooldownUntil(ctx context.Context, f Family) (time.Time, bool) {
	return e.activeCooldown(ctx, f)
}

func (e *Engine) activeCooldown(ctx context.Context, f Family) (time.Time, bool) {
	raw, ok, err := e.store.Get(ctx, CooldownKey(f))
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"family": f, "phase": "decide"}).
			Warn("fallback: cooldown lookup failed, assuming none")
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.WithField("family", f).Warnf("fallback: ignoring malformed cooldown value %q", raw)
		return time.Time{}, false
	}
	until := time.UnixMilli(ms)
	return until, e.now().Before(until)
}

func (e *Engine) personalCopy() *models.Identity {
	id := *e.personal
	return &id
}
