// Package edge is the HTTP intake facing legacy field gateways. The
// listener is deliberately tolerant: devices may post text/plain JSON,
// dial with empty keep-alive bodies, and retry pathologically on any
// non-200, so the rejection surface is kept minimal.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/munbon/sensorhub/internal/bus"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/metrics"
	"github.com/munbon/sensorhub/internal/types"
)

const (
	maxBodyBytes   = 1 << 20
	ringCapacity   = 10_000
	publishTimeout = 3 * time.Second
	flushInterval  = time.Second
)

// identityKeys are the vendor fields that make a payload attributable
// to a device. A body carrying none of them is a keep-alive.
var identityKeys = []string{"macAddress", "deviceID", "gw_id", "stationNum"}

// Server is the edge intake listener.
type Server struct {
	bus     bus.Bus
	router  *mux.Router
	ring    *ring
	shed    *shedTracker
	service string
}

func NewServer(b bus.Bus) *Server {
	s := &Server{
		bus:     b,
		ring:    newRing(ringCapacity),
		shed:    newShedTracker(),
		service: "sensorhub-edge-intake",
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/sensor-data/{family}/{token}", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/stats/empty-payloads", s.handleEmptyStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run flushes the bridge ring until the context is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushRing(ctx)
		}
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := vars["token"]

	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "unreadable body", "statusCode": http.StatusBadRequest})
		return
	}

	if isKeepAlive(body) {
		s.shed.record(clientIP(r))
		metrics.EmptyPayloads.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}

	env := &types.RawEnvelope{
		ReceivedAt:    time.Now().UTC(),
		Transport:     types.TransportEdgeHTTP,
		Token:         token,
		SourceIP:      clientIP(r),
		ContentType:   r.Header.Get("Content-Type"),
		VendorPayload: body,
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, env); err != nil {
		// Stash for the flusher, then 503 so the device retries. The
		// store's unique key absorbs the resulting duplicates.
		s.ring.push(env)
		log.Warnw("bus publish failed, envelope ringed", "token", token, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "enqueue failed", "statusCode": http.StatusServiceUnavailable})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleEmptyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": s.shed.snapshot()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": s.service,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) flushRing(ctx context.Context) {
	for {
		env, ok := s.ring.pop()
		if !ok {
			return
		}
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := s.bus.Publish(pubCtx, env)
		cancel()
		if err != nil {
			s.ring.pushFront(env)
			return
		}
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(nil, r.Body, maxBodyBytes)); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// isKeepAlive reports whether a body is empty or carries no device
// identity, which some gateways send as a liveness ping.
func isKeepAlive(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		// Non-JSON bodies still go downstream; the consumer tags them.
		return false
	}
	for _, key := range identityKeys {
		if _, ok := probe[key]; ok {
			return false
		}
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("writing intake response: %v", err)
	}
}

// RingDepth reports envelopes waiting in the bridge ring.
func (s *Server) RingDepth() int { return s.ring.depth() }
