package models

import "time"

// IdentityKind distinguishes the shared auto-discovered account from the
// statically configured one.
type IdentityKind string

const (
	IdentityDynamic  IdentityKind = "dynamic"
	IdentityPersonal IdentityKind = "personal"
)

// Identity is the backend project a request is billed against
type Identity struct {
	Kind      IdentityKind
	ProjectID string
}

// Mode is the routing mode chosen by the fallback engine
type Mode string

const (
	ModeDynamic  Mode = "dynamic"
	ModePersonal Mode = "personal"
)

// FallbackDecision is the routing outcome for one request. Identity is nil
// when it must be discovered at call time.
type FallbackDecision struct {
	Mode          Mode
	ResolvedModel string
	Identity      *Identity
}

// RequestLog represents a request audit entry
type RequestLog struct {
	ID               string
	RequestedModel   string
	ResolvedModel    string
	Mode             Mode
	ProjectID        string
	Stream           bool
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int
	StatusCode       int
	CooldownArmed    bool
	ErrorMessage     *string
	CreatedAt        time.Time
}
