package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/codeassist-gateway/internal/shared/kvstore"
)

type recordingStore struct {
	*kvstore.Memory
	mu      sync.Mutex
	lastTTL time.Duration
	puts    int
}

func (s *recordingStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.lastTTL = ttl
	s.puts++
	s.mu.Unlock()
	return s.Memory.Put(ctx, key, value, ttl)
}

func newTokenServer(t *testing.T, hits *int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(hits, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-123" {
			t.Errorf("refresh_token = %q", got)
		}
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newCache(store kvstore.Store, tokenURL, refreshToken string) *Cache {
	return New(store, Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RefreshToken: refreshToken,
		TokenURL:     tokenURL,
	})
}

func TestEnsureValidToken_RefreshAndCache(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTokenServer(t, &hits, 0)
	store := &recordingStore{Memory: kvstore.NewMemory()}
	c := newCache(store, srv.URL, "refresh-123")

	cred, err := c.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want access-1", cred.AccessToken)
	}

	wantTTL := time.Hour - SafetyMargin
	if diff := wantTTL - store.lastTTL; diff < 0 || diff > 5*time.Second {
		t.Errorf("stored TTL = %v, want about %v", store.lastTTL, wantTTL)
	}

	again, err := c.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.AccessToken != cred.AccessToken {
		t.Errorf("second call returned %q, want cached %q", again.AccessToken, cred.AccessToken)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("token endpoint hits = %d, want 1", got)
	}
}

func TestEnsureValidToken_SingleFlight(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTokenServer(t, &hits, 100*time.Millisecond)
	c := newCache(kvstore.NewMemory(), srv.URL, "refresh-123")

	const n = 25
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*Credential, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = c.EnsureValidToken(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token endpoint hits = %d, want exactly 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i].AccessToken != results[0].AccessToken {
			t.Errorf("caller %d got %q, want %q", i, results[i].AccessToken, results[0].AccessToken)
		}
		if !results[i].ExpiresAt.Equal(results[0].ExpiresAt) {
			t.Errorf("caller %d expiry differs", i)
		}
	}
}

func TestEnsureValidToken_ServesValidCachedCredential(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTokenServer(t, &hits, 0)
	store := kvstore.NewMemory()

	raw, _ := json.Marshal(storedCredential{
		AccessToken: "cached-token",
		ExpiresAt:   time.Now().Add(30 * time.Minute).UnixMilli(),
	})
	_ = store.Put(context.Background(), CredentialKey, string(raw), 29*time.Minute)

	c := newCache(store, srv.URL, "refresh-123")
	cred, err := c.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken != "cached-token" {
		t.Errorf("AccessToken = %q, want cached-token", cred.AccessToken)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("valid cached credential should not trigger a refresh")
	}
}

func TestEnsureValidToken_RefreshesInsideSafetyMargin(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTokenServer(t, &hits, 0)
	store := kvstore.NewMemory()

	// Still stored, but expiring within the safety margin.
	raw, _ := json.Marshal(storedCredential{
		AccessToken: "stale-token",
		ExpiresAt:   time.Now().Add(30 * time.Second).UnixMilli(),
	})
	_ = store.Put(context.Background(), CredentialKey, string(raw), time.Minute)

	c := newCache(store, srv.URL, "refresh-123")
	cred, err := c.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken == "stale-token" {
		t.Error("credential inside the safety margin must not be served")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestEnsureValidToken_NoRefreshCredential(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := newTokenServer(t, &hits, 0)
	c := newCache(kvstore.NewMemory(), srv.URL, "")

	_, err := c.EnsureValidToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("no exchange should be attempted without a refresh credential")
	}
}

func TestEnsureValidToken_RejectedExchange(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	store := kvstore.NewMemory()
	c := newCache(store, srv.URL, "refresh-123")

	_, err := c.EnsureValidToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", authErr.StatusCode)
	}
	if store.Len() != 0 {
		t.Error("a failed exchange must not write to the store")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}
