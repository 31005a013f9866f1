// Package apikey validates API keys and enforces tenant scope and
// per-tier quotas for the read API.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgtype"
	"gorm.io/gorm"

	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/metrics"
	"github.com/munbon/sensorhub/internal/types"
)

const mirrorTTL = 60 * time.Second

// Tier names and their 15-minute request quotas. A negative quota is
// unbounded.
const (
	TierFree       = "free"
	TierBasic      = "basic"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
	TierInternal   = "internal" // other Munbon services
)

var tierQuotas = map[string]int64{
	TierFree:       100,
	TierBasic:      1_000,
	TierPremium:    10_000,
	TierEnterprise: -1,
	TierInternal:   -1,
}

// Endpoint classes gate which API surface a tier may call.
const (
	ClassPublic   = "public"
	ClassSensors  = "sensors"
	ClassSeries   = "series"
	ClassExternal = "external"
)

var tierClasses = map[string]map[string]bool{
	TierFree:    {ClassPublic: true},
	TierBasic:   {ClassPublic: true, ClassSensors: true, ClassSeries: true},
	TierPremium: {ClassPublic: true, ClassSensors: true, ClassSeries: true, ClassExternal: true},
	// enterprise and internal pass every class
}

// Record is the durable api_keys row.
type Record struct {
	KeyHash         string       `gorm:"column:key_hash;primaryKey"`
	Tenant          string       `gorm:"column:tenant"`
	Tier            string       `gorm:"column:tier"`
	AllowedFamilies pgtype.JSONB `gorm:"column:allowed_families;type:jsonb"`
	AllowedZones    pgtype.JSONB `gorm:"column:allowed_zones;type:jsonb"`
	Active          bool         `gorm:"column:active"`
	ExpiresAt       *time.Time   `gorm:"column:expires_at"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
}

func (Record) TableName() string { return "api_keys" }

// Grant is the request annotation produced by a successful validation.
type Grant struct {
	Tenant   string
	Tier     string
	Families []types.SensorFamily
	Zones    []string // empty means unrestricted
}

// AllowsFamily reports whether the grant covers a family.
func (g *Grant) AllowsFamily(f types.SensorFamily) bool {
	for _, allowed := range g.Families {
		if allowed == f {
			return true
		}
	}
	return false
}

// KeyStore is the durable lookup behind the memory mirror.
type KeyStore interface {
	LookupKeyHash(ctx context.Context, hash string) (*Record, error)
}

// GormKeyStore reads the api_keys table.
type GormKeyStore struct {
	DB *gorm.DB
}

func (s *GormKeyStore) LookupKeyHash(ctx context.Context, hash string) (*Record, error) {
	var rec Record
	err := s.DB.WithContext(ctx).Where("key_hash = ?", hash).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Authority validates keys against the store through a short-lived
// memory mirror and enforces tier quotas.
type Authority struct {
	store KeyStore
	now   func() time.Time

	mirrorMu sync.Mutex
	mirror   map[string]mirrorEntry

	buckets *bucketMap
}

type mirrorEntry struct {
	rec     *Record // nil caches a miss
	fetched time.Time
}

func NewAuthority(store KeyStore) *Authority {
	return &Authority{
		store:   store,
		now:     time.Now,
		mirror:  make(map[string]mirrorEntry),
		buckets: newBucketMap(),
	}
}

// HashKey is the lookup digest for a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (a *Authority) lookup(ctx context.Context, hash string) (*Record, error) {
	now := a.now()

	a.mirrorMu.Lock()
	if e, ok := a.mirror[hash]; ok && now.Sub(e.fetched) < mirrorTTL {
		a.mirrorMu.Unlock()
		return e.rec, nil
	}
	a.mirrorMu.Unlock()

	rec, err := a.store.LookupKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	a.mirrorMu.Lock()
	a.mirror[hash] = mirrorEntry{rec: rec, fetched: now}
	a.mirrorMu.Unlock()
	return rec, nil
}

// Validate resolves a raw key into a grant. A nil grant with nil error
// means the key is unknown, inactive, or expired.
func (a *Authority) Validate(ctx context.Context, rawKey string) (*Grant, error) {
	rec, err := a.lookup(ctx, HashKey(rawKey))
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.Active {
		return nil, nil
	}
	if rec.ExpiresAt != nil && !a.now().Before(*rec.ExpiresAt) {
		return nil, nil
	}

	grant := &Grant{Tenant: rec.Tenant, Tier: rec.Tier}
	for _, f := range decodeStrings(rec.AllowedFamilies) {
		if types.ValidFamily(types.SensorFamily(f)) {
			grant.Families = append(grant.Families, types.SensorFamily(f))
		}
	}
	grant.Zones = decodeStrings(rec.AllowedZones)
	return grant, nil
}

func decodeStrings(j pgtype.JSONB) []string {
	if j.Status != pgtype.Present || len(j.Bytes) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(j.Bytes, &out); err != nil {
		return nil
	}
	return out
}

// allowsClass reports whether a tier may call an endpoint class.
func allowsClass(tier, class string) bool {
	if tier == TierEnterprise || tier == TierInternal {
		return true
	}
	return tierClasses[tier][class]
}

type contextKey struct{}

// GrantFrom extracts the request's grant, if any.
func GrantFrom(ctx context.Context) *Grant {
	g, _ := ctx.Value(contextKey{}).(*Grant)
	return g
}

// Middleware authenticates X-API-Key, enforces the tier's endpoint
// class and quota, and annotates the request context with the grant.
func (a *Authority) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			grant, err := a.Validate(r.Context(), rawKey)
			if err != nil {
				log.Errorf("api key lookup failed: %v", err)
				w.Header().Set("Retry-After", "5")
				writeAuthError(w, http.StatusServiceUnavailable, "key store unavailable")
				return
			}
			if grant == nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if !allowsClass(grant.Tier, class) {
				writeAuthError(w, http.StatusForbidden, "endpoint not available on tier "+grant.Tier)
				return
			}

			decision := a.buckets.take(HashKey(rawKey), tierQuotas[grant.Tier], a.now())
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.reset.Unix(), 10))
			if !decision.allowed {
				metrics.RateLimited.Inc()
				retry := int64(decision.reset.Sub(a.now()).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, grant)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": msg, "statusCode": status})
}
