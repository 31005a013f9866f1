package apikey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgtype"

	"github.com/munbon/sensorhub/internal/types"
)

type memKeyStore struct {
	records map[string]*Record
	lookups int
}

func (s *memKeyStore) LookupKeyHash(_ context.Context, hash string) (*Record, error) {
	s.lookups++
	return s.records[hash], nil
}

func jsonbOf(t *testing.T, v interface{}) pgtype.JSONB {
	t.Helper()
	var j pgtype.JSONB
	if err := j.Set(v); err != nil {
		t.Fatalf("jsonb set: %v", err)
	}
	return j
}

func newAuthorityWithKey(t *testing.T, raw, tier string, families []string) (*Authority, *memKeyStore) {
	t.Helper()
	store := &memKeyStore{records: map[string]*Record{
		HashKey(raw): {
			KeyHash:         HashKey(raw),
			Tenant:          "rid",
			Tier:            tier,
			AllowedFamilies: jsonbOf(t, families),
			Active:          true,
		},
	}}
	return NewAuthority(store), store
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(a *Authority, class, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/water-levels/latest", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	a.Middleware(class)(okHandler()).ServeHTTP(w, req)
	return w
}

func TestMissingAndUnknownKeys(t *testing.T) {
	a, _ := newAuthorityWithKey(t, "good-key", TierFree, []string{"water_level"})

	if w := doRequest(a, ClassPublic, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", w.Code)
	}
	if w := doRequest(a, ClassPublic, "wrong-key"); w.Code != http.StatusUnauthorized {
		t.Errorf("unknown key status = %d, want 401", w.Code)
	}
}

func TestInactiveAndExpiredKeys(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := &memKeyStore{records: map[string]*Record{
		HashKey("inactive"): {KeyHash: HashKey("inactive"), Tier: TierFree, Active: false},
		HashKey("expired"):  {KeyHash: HashKey("expired"), Tier: TierFree, Active: true, ExpiresAt: &past},
	}}
	a := NewAuthority(store)

	for _, key := range []string{"inactive", "expired"} {
		if w := doRequest(a, ClassPublic, key); w.Code != http.StatusUnauthorized {
			t.Errorf("%s key status = %d, want 401", key, w.Code)
		}
	}
}

func TestTierEndpointClassGate(t *testing.T) {
	a, _ := newAuthorityWithKey(t, "free-key", TierFree, []string{"water_level"})

	if w := doRequest(a, ClassPublic, "free-key"); w.Code != http.StatusOK {
		t.Errorf("public class status = %d, want 200", w.Code)
	}
	if w := doRequest(a, ClassExternal, "free-key"); w.Code != http.StatusForbidden {
		t.Errorf("external class status = %d, want 403", w.Code)
	}

	ent, _ := newAuthorityWithKey(t, "ent-key", TierEnterprise, []string{"water_level"})
	if w := doRequest(ent, ClassExternal, "ent-key"); w.Code != http.StatusOK {
		t.Errorf("enterprise external status = %d, want 200", w.Code)
	}
}

func TestInternalTierPassesAllClassesUnmetered(t *testing.T) {
	a, _ := newAuthorityWithKey(t, "svc-key", TierInternal, []string{"water_level"})

	for _, class := range []string{ClassPublic, ClassSensors, ClassSeries, ClassExternal} {
		w := doRequest(a, class, "svc-key")
		if w.Code != http.StatusOK {
			t.Errorf("%s class status = %d, want 200", class, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "-1" {
			t.Errorf("%s class limit header = %s, want -1", class, got)
		}
	}
}

func TestInternalTierUnbounded(t *testing.T) {
	m := newBucketMap()
	now := time.Now()
	for i := 0; i < 50_000; i++ {
		if d := m.take("svc", tierQuotas[TierInternal], now); !d.allowed {
			t.Fatalf("internal request %d denied", i)
		}
	}
}

func TestGrantAnnotation(t *testing.T) {
	a, _ := newAuthorityWithKey(t, "basic-key", TierBasic, []string{"water_level", "moisture"})

	var grant *Grant
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		grant = GrantFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sensors", nil)
	req.Header.Set("X-API-Key", "basic-key")
	w := httptest.NewRecorder()
	a.Middleware(ClassSensors)(handler).ServeHTTP(w, req)

	if grant == nil {
		t.Fatal("no grant in request context")
	}
	if grant.Tenant != "rid" || grant.Tier != TierBasic {
		t.Errorf("grant = %+v", grant)
	}
	if !grant.AllowsFamily(types.FamilyWaterLevel) || grant.AllowsFamily(types.FamilyWeather) {
		t.Errorf("family scope wrong: %+v", grant.Families)
	}
}

func TestFreeTierQuotaWindow(t *testing.T) {
	a, _ := newAuthorityWithKey(t, "free-key", TierFree, []string{"water_level"})

	for i := 1; i <= 100; i++ {
		w := doRequest(a, ClassPublic, "free-key")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
		wantRemaining := strconv.Itoa(100 - i)
		if got := w.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d remaining = %s, want %s", i, got, wantRemaining)
		}
	}

	w := doRequest(a, ClassPublic, "free-key")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("101st request status = %d, want 429", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining on 429 = %s, want 0", w.Header().Get("X-RateLimit-Remaining"))
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want >= 1", w.Header().Get("Retry-After"))
	}

	// A 429 never debits: the denial repeats identically.
	w2 := doRequest(a, ClassPublic, "free-key")
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("repeat denial status = %d, want 429", w2.Code)
	}
}

func TestDeniedRequestDoesNotDebit(t *testing.T) {
	m := newBucketMap()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if d := m.take("k", 2, now); i < 2 && !d.allowed {
			t.Fatalf("request %d denied under limit", i)
		}
	}
	// Window still has 2 used; denials above did not consume.
	d := m.take("k", 3, now)
	if !d.allowed || d.remaining != 0 {
		t.Errorf("after raising limit to 3: allowed=%v remaining=%d, want true/0", d.allowed, d.remaining)
	}
}

func TestWindowReset(t *testing.T) {
	m := newBucketMap()
	base := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		m.take("k", 2, base)
	}
	if d := m.take("k", 2, base); d.allowed {
		t.Fatal("third request in window allowed")
	}

	next := base.Add(windowLength)
	if d := m.take("k", 2, next); !d.allowed {
		t.Error("request in fresh window denied")
	}
}

func TestEnterpriseUnbounded(t *testing.T) {
	m := newBucketMap()
	now := time.Now()
	for i := 0; i < 50_000; i++ {
		if d := m.take("ent", tierQuotas[TierEnterprise], now); !d.allowed {
			t.Fatalf("enterprise request %d denied", i)
		}
	}
}

func TestMirrorServesRepeatLookups(t *testing.T) {
	a, store := newAuthorityWithKey(t, "basic-key", TierBasic, []string{"moisture"})

	for i := 0; i < 5; i++ {
		if _, err := a.Validate(context.Background(), "basic-key"); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
	}
	if store.lookups != 1 {
		t.Errorf("store lookups = %d, want 1 (mirror hit)", store.lookups)
	}
}
