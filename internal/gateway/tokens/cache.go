// Package tokens acquires and caches the OAuth access token used for every
// backend call. The credential lives in the shared KV store so that all
// gateway processes reuse one token until it nears expiry.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mrmushfiq/codeassist-gateway/internal/shared/kvstore"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/telemetry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// CredentialKey is the KV key holding the cached credential.
	CredentialKey = "oauth:credential"

	// SafetyMargin is subtracted from the expiry both when serving and when
	// computing the store TTL.
	SafetyMargin = 60 * time.Second

	defaultLifetime = time.Hour
)

// Credential is an OAuth access token with its expiry.
type Credential struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

type storedCredential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
}

// AuthError reports that no usable access token could be obtained.
type AuthError struct {
	Message    string
	StatusCode int
	Cause      error
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("oauth refresh failed (status %d): %s", e.StatusCode, e.Message)
	}
	return "oauth refresh failed: " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Options configures the refresh exchange.
type Options struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	HTTPClient   *http.Client
	Now          func() time.Time
}

// Cache hands out valid access tokens, refreshing at most once at a time.
type Cache struct {
	store        kvstore.Store
	oauth        *oauth2.Config
	refreshToken string
	httpClient   *http.Client
	now          func() time.Time

	group singleflight.Group
}

// New creates a token cache over store.
func New(store kvstore.Store, opts Options) *Cache {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Cache{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		refreshToken: opts.RefreshToken,
		httpClient:   httpClient,
		now:          now,
	}
}

// EnsureValidToken returns a cached credential when it is still valid and
// otherwise performs a refresh exchange. Concurrent callers that miss the
// cache share a single exchange.
func (c *Cache) EnsureValidToken(ctx context.Context) (*Credential, error) {
	if cred, ok := c.cached(ctx); ok {
		return cred, nil
	}

	v, err, shared := c.group.Do(CredentialKey, func() (any, error) {
		// A flight that just finished may already have stored a fresh token.
		if cred, ok := c.cached(ctx); ok {
			return cred, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug("tokens: joined in-flight refresh")
	}

	cred := *v.(*Credential)
	return &cred, nil
}

func (c *Cache) cached(ctx context.Context) (*Credential, bool) {
	raw, ok, err := c.store.Get(ctx, CredentialKey)
	if err != nil {
		log.WithError(err).WithField("phase", "token").Warn("tokens: credential lookup failed, refreshing")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var sc storedCredential
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		log.WithError(err).WithField("phase", "token").Warn("tokens: discarding unreadable cached credential")
		return nil, false
	}
	cred := &Credential{
		AccessToken:  sc.AccessToken,
		ExpiresAt:    time.UnixMilli(sc.ExpiresAt),
		RefreshToken: sc.RefreshToken,
	}
	if cred.AccessToken == "" || !c.now().Before(cred.ExpiresAt.Add(-SafetyMargin)) {
		return nil, false
	}
	return cred, true
}

func (c *Cache) refresh(ctx context.Context) (*Credential, error) {
	ctx, span := telemetry.StartSpan(ctx, "tokens.refresh")
	defer span.End()

	if c.refreshToken == "" {
		err := &AuthError{Message: "no refresh credential configured"}
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordTokenRefresh("error")
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: c.refreshToken}).Token()
	if err != nil {
		authErr := &AuthError{Message: err.Error(), Cause: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			authErr.Message = string(re.Body)
			if re.Response != nil {
				authErr.StatusCode = re.Response.StatusCode
			}
		}
		telemetry.AddErrorAttribute(span, authErr)
		metrics.RecordTokenRefresh("error")
		log.WithError(authErr).WithField("phase", "token").Error("tokens: refresh exchange failed")
		return nil, authErr
	}

	now := c.now()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultLifetime)
	}
	cred := &Credential{
		AccessToken:  tok.AccessToken,
		ExpiresAt:    expiresAt,
		RefreshToken: tok.RefreshToken,
	}

	data, err := json.Marshal(storedCredential{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	ttl := expiresAt.Sub(now) - SafetyMargin
	if err := c.store.Put(ctx, CredentialKey, string(data), ttl); err != nil {
		// The token is still good for this request.
		log.WithError(err).WithField("phase", "token").Warn("tokens: failed to persist credential")
	}

	metrics.RecordTokenRefresh("success")
	log.WithField("expires_at", expiresAt.Format(time.RFC3339)).Info("tokens: access token refreshed")
	return cred, nil
}
