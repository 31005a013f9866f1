package edge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/munbon/sensorhub/internal/bus"
	"github.com/munbon/sensorhub/internal/types"
)

const waterLevelBody = `{"deviceID":"abc","macAddress":"1A2B3C4D5E6F","latitude":13.75,"longitude":100.50,"RSSI":-65,"voltage":420,"level":15,"timestamp":1748841346551}`

func post(t *testing.T, s *Server, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.RemoteAddr = "203.0.113.7:51000"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestIngestForwardsEnvelope(t *testing.T) {
	b := bus.NewMemory()
	s := NewServer(b)

	w := post(t, s, "/api/sensor-data/water-level/munbon-ridr-water-level", "application/json", waterLevelBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	msgs, err := b.Receive(context.Background(), 10)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("bus messages = %d, want 1", len(msgs))
	}
	env := msgs[0].Envelope
	if env.Token != "munbon-ridr-water-level" {
		t.Errorf("token = %q", env.Token)
	}
	if env.Transport != types.TransportEdgeHTTP {
		t.Errorf("transport = %q", env.Transport)
	}
	if env.SourceIP != "203.0.113.7" {
		t.Errorf("source ip = %q", env.SourceIP)
	}
	if string(env.VendorPayload) != waterLevelBody {
		t.Errorf("payload altered in transit")
	}
}

func TestIngestAcceptsTextPlain(t *testing.T) {
	b := bus.NewMemory()
	s := NewServer(b)

	w := post(t, s, "/api/sensor-data/moisture/munbon-m2m-moisture", "text/plain", `{"gw_id":"3"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if b.Depth() != 1 {
		t.Errorf("bus depth = %d, want 1", b.Depth())
	}
}

func TestEmptyPayloadShedding(t *testing.T) {
	b := bus.NewMemory()
	s := NewServer(b)

	for _, body := range []string{"", "{}", `{"note":"hello"}`} {
		w := post(t, s, "/api/sensor-data/moisture/munbon-m2m-moisture", "application/json", body)
		if w.Code != http.StatusOK {
			t.Fatalf("status for %q = %d, want 200", body, w.Code)
		}
	}
	if b.Depth() != 0 {
		t.Fatalf("bus depth = %d after keep-alives, want 0", b.Depth())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats/empty-payloads", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", w.Code)
	}
	var resp struct {
		Sources map[string]shedEntry `json:"sources"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	entry, ok := resp.Sources["203.0.113.7"]
	if !ok {
		t.Fatalf("source 203.0.113.7 not tracked: %+v", resp.Sources)
	}
	if entry.Count != 3 {
		t.Errorf("shed count = %d, want 3", entry.Count)
	}
}

type failingBus struct {
	*bus.MemoryBus
	fail bool
}

func (f *failingBus) Publish(ctx context.Context, env *types.RawEnvelope) error {
	if f.fail {
		return errors.New("broker unreachable")
	}
	return f.MemoryBus.Publish(ctx, env)
}

func TestPublishFailureRingsAndReturns503(t *testing.T) {
	fb := &failingBus{MemoryBus: bus.NewMemory(), fail: true}
	s := NewServer(fb)

	w := post(t, s, "/api/sensor-data/water-level/munbon-ridr-water-level", "application/json", waterLevelBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if s.RingDepth() != 1 {
		t.Fatalf("ring depth = %d, want 1", s.RingDepth())
	}

	// Broker recovers; the flusher drains the ring.
	fb.fail = false
	s.flushRing(context.Background())
	if s.RingDepth() != 0 {
		t.Errorf("ring depth = %d after flush, want 0", s.RingDepth())
	}
	if fb.Depth() != 1 {
		t.Errorf("bus depth = %d after flush, want 1", fb.Depth())
	}
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.push(&types.RawEnvelope{Token: string(rune('a' + i))})
	}
	if r.depth() != 3 {
		t.Fatalf("depth = %d, want 3", r.depth())
	}
	env, _ := r.pop()
	if env.Token != "c" {
		t.Errorf("oldest survivor = %q, want c", env.Token)
	}
}

func TestHealth(t *testing.T) {
	s := NewServer(bus.NewMemory())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", resp["status"])
	}
}
