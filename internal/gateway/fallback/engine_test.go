package fallback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mrmushfiq/codeassist-gateway/internal/shared/kvstore"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type ttlRecorder struct {
	*kvstore.Memory
	puts []time.Duration
}

func (r *ttlRecorder) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	r.puts = append(r.puts, ttl)
	return r.Memory.Put(ctx, key, value, ttl)
}

func newEngine(personal string) (*Engine, *fakeClock, *ttlRecorder) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &ttlRecorder{Memory: kvstore.NewMemoryWithClock(clock.Now)}
	return New(store, personal, WithClock(clock.Now)), clock, store
}

func TestDecide_NoCooldownNoPersonal(t *testing.T) {
	t.Parallel()

	e, _, _ := newEngine("")
	ctx := context.Background()

	tests := []struct {
		alias string
		want  string
	}{
		{"pro-auto", "gemini-3-pro-preview"},
		{"flash-auto", "gemini-3-flash-preview"},
	}

	for _, tt := range tests {
		d := e.Decide(ctx, tt.alias)
		if d.Mode != models.ModeDynamic {
			t.Errorf("%s: Mode = %s, want dynamic", tt.alias, d.Mode)
		}
		if d.ResolvedModel != tt.want {
			t.Errorf("%s: ResolvedModel = %s, want %s", tt.alias, d.ResolvedModel, tt.want)
		}
		if d.Identity != nil {
			t.Errorf("%s: dynamic decision should carry no identity", tt.alias)
		}
	}
}

func TestDecide_CooldownWithoutPersonalStaysDynamic(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine("")
	ctx := context.Background()

	if _, err := e.Arm(ctx, "pro-auto", clock.Now().Add(5*time.Minute)); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	d := e.Decide(ctx, "pro-auto")
	if d.Mode != models.ModeDynamic || d.ResolvedModel != "gemini-3-pro-preview" {
		t.Errorf("got %+v, want dynamic preview", d)
	}
}

func TestArmThenDecide_PersonalUntilExpiry(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine("personal-proj")
	ctx := context.Background()

	armed, err := e.Arm(ctx, "pro-auto", clock.Now().Add(5*time.Minute))
	if err != nil || !armed {
		t.Fatalf("Arm = (%v, %v), want armed", armed, err)
	}

	d := e.Decide(ctx, "pro-auto")
	if d.Mode != models.ModePersonal {
		t.Fatalf("Mode = %s, want personal", d.Mode)
	}
	if d.ResolvedModel != "gemini-2.5-pro" {
		t.Errorf("ResolvedModel = %s, want gemini-2.5-pro", d.ResolvedModel)
	}
	if d.Identity == nil || d.Identity.ProjectID != "personal-proj" || d.Identity.Kind != models.IdentityPersonal {
		t.Errorf("Identity = %+v, want personal-proj", d.Identity)
	}

	// Other family is unaffected.
	if fd := e.Decide(ctx, "flash-auto"); fd.Mode != models.ModeDynamic {
		t.Errorf("flash-auto Mode = %s, want dynamic", fd.Mode)
	}

	clock.Advance(5*time.Minute + SafetyBuffer - time.Second)
	if d := e.Decide(ctx, "pro-auto"); d.Mode != models.ModePersonal {
		t.Errorf("one second before expiry: Mode = %s, want personal", d.Mode)
	}

	clock.Advance(time.Second)
	d = e.Decide(ctx, "pro-auto")
	if d.Mode != models.ModeDynamic || d.ResolvedModel != "gemini-3-pro-preview" {
		t.Errorf("after expiry got %+v, want dynamic preview", d)
	}
}

func TestArm_TTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		resetIn   time.Duration
		wantArmed bool
		wantTTL   time.Duration
	}{
		{"five minutes ahead", 5 * time.Minute, true, 5*time.Minute + SafetyBuffer},
		{"just reset", 0, true, SafetyBuffer},
		{"reset 30s ago", -30 * time.Second, true, 30 * time.Second},
		{"reset exactly buffer ago", -SafetyBuffer, false, 0},
		{"reset an hour ago", -time.Hour, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, clock, store := newEngine("p")
			armed, err := e.Arm(context.Background(), "flash-auto", clock.Now().Add(tt.resetIn))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if armed != tt.wantArmed {
				t.Fatalf("armed = %v, want %v", armed, tt.wantArmed)
			}
			if !tt.wantArmed {
				if len(store.puts) != 0 {
					t.Errorf("expected no write, got %d", len(store.puts))
				}
				return
			}
			if len(store.puts) != 1 || store.puts[0] != tt.wantTTL {
				t.Errorf("puts = %v, want [%v]", store.puts, tt.wantTTL)
			}
			until, ok := e.CooldownUntil(context.Background(), FamilyFlash)
			if !ok || !until.Equal(clock.Now().Add(tt.resetIn+SafetyBuffer)) {
				t.Errorf("CooldownUntil = (%v, %v)", until, ok)
			}
		})
	}
}

func TestArm_UnknownAlias(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine("p")
	if _, err := e.Arm(context.Background(), "gemini-2.5-pro", clock.Now().Add(time.Minute)); err == nil {
		t.Error("expected error arming a non-alias model")
	}
}

func TestDecide_Passthrough(t *testing.T) {
	t.Parallel()

	withPersonal, _, _ := newEngine("personal-proj")
	d := withPersonal.Decide(context.Background(), "gemini-2.5-flash")
	if d.Mode != models.ModePersonal || d.ResolvedModel != "gemini-2.5-flash" || d.Identity == nil {
		t.Errorf("with personal: got %+v", d)
	}

	withoutPersonal, _, _ := newEngine("")
	d = withoutPersonal.Decide(context.Background(), "gemini-2.5-flash")
	if d.Mode != models.ModeDynamic || d.ResolvedModel != "gemini-2.5-flash" || d.Identity != nil {
		t.Errorf("without personal: got %+v", d)
	}
}

func TestDecide_IdentityIsCopied(t *testing.T) {
	t.Parallel()

	e, _, _ := newEngine("personal-proj")
	d := e.Decide(context.Background(), "gemini-2.5-pro")
	d.Identity.ProjectID = "mutated"

	again := e.Decide(context.Background(), "gemini-2.5-pro")
	if again.Identity.ProjectID != "personal-proj" {
		t.Errorf("engine identity mutated through decision: %s", again.Identity.ProjectID)
	}
}

func TestDecide_MalformedCooldownIgnored(t *testing.T) {
	t.Parallel()

	e, _, store := newEngine("p")
	_ = store.Memory.Put(context.Background(), CooldownKey(FamilyPro), "not-a-number", time.Hour)

	if d := e.Decide(context.Background(), "pro-auto"); d.Mode != models.ModeDynamic {
		t.Errorf("Mode = %s, want dynamic", d.Mode)
	}
}
