// Package cloud is the intake relay behind the managed front door. It
// shares the edge enqueue contract but authenticates tokens against a
// parameter-store-backed directory and shapes traffic per tenant.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/munbon/sensorhub/internal/bus"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/metrics"
	"github.com/munbon/sensorhub/internal/types"
)

const (
	maxBodyBytes   = 1 << 20
	refreshTTL     = 5 * time.Minute
	publishTimeout = 3 * time.Second

	tenantRatePerSec = 100
	tenantBurst      = 200
)

// TokenGrant is one provisioned intake token.
type TokenGrant struct {
	Token   string
	Tenant  string
	Family  types.SensorFamily
	Revoked bool
}

// TokenDirectory is the parameter-store view the relay refreshes from.
type TokenDirectory interface {
	IntakeTokens(ctx context.Context) ([]TokenGrant, error)
}

// Relay is the cloud intake server.
type Relay struct {
	bus    bus.Bus
	dir    TokenDirectory
	router *mux.Router

	mu        sync.RWMutex
	grants    map[string]TokenGrant
	refreshed time.Time

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRelay(ctx context.Context, b bus.Bus, dir TokenDirectory) (*Relay, error) {
	rl := &Relay{
		bus:      b,
		dir:      dir,
		grants:   make(map[string]TokenGrant),
		limiters: make(map[string]*rate.Limiter),
	}
	if err := rl.refresh(ctx); err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/sensor-data/{family}/{token}", rl.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/{token}/attributes", rl.handleAttributes).Methods(http.MethodGet)
	r.HandleFunc("/health", rl.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	rl.router = r
	return rl, nil
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rl.router.ServeHTTP(w, r)
}

// Run refreshes the token table on the directory TTL.
func (rl *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rl.refresh(ctx); err != nil {
				log.Warnw("token directory refresh failed, serving stale table", "error", err)
			}
		}
	}
}

func (rl *Relay) refresh(ctx context.Context) error {
	grants, err := rl.dir.IntakeTokens(ctx)
	if err != nil {
		return err
	}
	table := make(map[string]TokenGrant, len(grants))
	for _, g := range grants {
		table[g.Token] = g
	}
	rl.mu.Lock()
	rl.grants = table
	rl.refreshed = time.Now().UTC()
	rl.mu.Unlock()
	return nil
}

func (rl *Relay) lookup(token string) (TokenGrant, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	g, ok := rl.grants[token]
	return g, ok
}

func (rl *Relay) limiter(tenant string) *rate.Limiter {
	rl.limitMu.Lock()
	defer rl.limitMu.Unlock()
	lim, ok := rl.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(tenantRatePerSec), tenantBurst)
		rl.limiters[tenant] = lim
	}
	return lim
}

func (rl *Relay) handleIngest(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	grant, ok := rl.lookup(token)
	if !ok || grant.Revoked {
		writeError(w, http.StatusUnauthorized, "unknown or revoked token")
		return
	}
	if !rl.limiter(grant.Tenant).Allow() {
		metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "tenant rate exceeded")
		return
	}

	defer r.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(nil, r.Body, maxBodyBytes)); err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	env := &types.RawEnvelope{
		ReceivedAt:    time.Now().UTC(),
		Transport:     types.TransportCloudHTTP,
		Token:         token,
		ContentType:   r.Header.Get("Content-Type"),
		VendorPayload: bytes.TrimSpace(buf.Bytes()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := rl.bus.Publish(ctx, env); err != nil {
		log.Warnw("cloud relay enqueue failed", "token", token, "error", err)
		writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleAttributes serves the boot-time configuration blob devices poll
// for. The shape is static per family.
func (rl *Relay) handleAttributes(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	grant, ok := rl.lookup(token)
	if !ok || grant.Revoked {
		writeError(w, http.StatusUnauthorized, "unknown or revoked token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shared": map[string]interface{}{
			"family":             string(grant.Family),
			"reportIntervalSec":  300,
			"timestampFormat":    "epoch_ms",
			"timezone":           "Asia/Bangkok",
			"firmwareMinVersion": "1.4.0",
		},
	})
}

func (rl *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	rl.mu.RLock()
	refreshed := rl.refreshed
	rl.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"service":         "sensorhub-cloud-intake",
		"ts":              time.Now().UTC().Format(time.RFC3339),
		"tokensRefreshed": refreshed.Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg, "statusCode": status})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("writing relay response: %v", err)
	}
}
