// Command sensor-simulator posts synthetic vendor payloads to an edge
// intake endpoint. It emulates a small fleet of RID-R water-level
// stations and M2M moisture gateways so the pipeline can be exercised
// without field hardware.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

type waterLevelStation struct {
	deviceID   string
	macAddress string
	lat, lng   float64
	baseLevel  float64
}

type moistureGateway struct {
	gatewayID string
	lat, lng  float64
	sensorIDs []string
}

type simulator struct {
	endpoint       string
	waterToken     string
	moistureToken  string
	client         *http.Client
	stations       []waterLevelStation
	gateways       []moistureGateway
	startTime      time.Time
	dropoutPercent int
}

func newSimulator(endpoint, waterToken, moistureToken string, stations, gateways, dropout int) *simulator {
	s := &simulator{
		endpoint:       endpoint,
		waterToken:     waterToken,
		moistureToken:  moistureToken,
		client:         &http.Client{Timeout: 10 * time.Second},
		startTime:      time.Now(),
		dropoutPercent: dropout,
	}
	// Spread the fleet around the Munbon project area.
	for i := 0; i < stations; i++ {
		s.stations = append(s.stations, waterLevelStation{
			deviceID:   uuid.NewString(),
			macAddress: fmt.Sprintf("aa2b3c%06x", 0x4d5e00+i),
			lat:        14.87 + rand.Float64()*0.2,
			lng:        102.01 + rand.Float64()*0.2,
			baseLevel:  8 + rand.Float64()*10,
		})
	}
	for i := 0; i < gateways; i++ {
		gw := moistureGateway{
			gatewayID: fmt.Sprintf("%05d", i+1),
			lat:       14.87 + rand.Float64()*0.2,
			lng:       102.01 + rand.Float64()*0.2,
		}
		for j := 0; j < 2+rand.Intn(3); j++ {
			gw.sensorIDs = append(gw.sensorIDs, fmt.Sprintf("%05d", i*10+j+1))
		}
		s.gateways = append(s.gateways, gw)
	}
	return s
}

// levelAt follows a slow diurnal cycle with jitter, the way canal gates
// actually move water through the day.
func (s *simulator) levelAt(base float64, now time.Time) float64 {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	daily := 4 * math.Sin(2*math.Pi*(hour-6)/24)
	return math.Max(0, base+daily+(rand.Float64()-0.5)*1.5)
}

func (s *simulator) postWaterLevel(ctx context.Context, st waterLevelStation) error {
	now := time.Now()
	temp := 27 + 6*math.Sin(2*math.Pi*(float64(now.Hour())-6)/24) + (rand.Float64()-0.5)*2

	payload := map[string]interface{}{
		"deviceID":    st.deviceID,
		"macAddress":  st.macAddress,
		"latitude":    st.lat,
		"longitude":   st.lng,
		"RSSI":        -60 - rand.Intn(40),
		"voltage":     380 + rand.Intn(40), // centivolts
		"level":       round1(s.levelAt(st.baseLevel, now)),
		"temperature": round1(temp),
		"timestamp":   now.UnixMilli(),
	}
	if s.dropped() {
		// Sleeping devices post empty keep-alives.
		return s.post(ctx, "water-level", s.waterToken, []byte("{}"))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.post(ctx, "water-level", s.waterToken, body)
}

func (s *simulator) postMoisture(ctx context.Context, gw moistureGateway) error {
	now := time.Now()
	bangkok := now.In(time.FixedZone("ICT", 7*3600))

	sensors := make([]map[string]string, 0, len(gw.sensorIDs))
	for _, id := range gw.sensorIDs {
		surface := 25 + rand.Float64()*40
		flood := "no"
		if surface > 60 && rand.Intn(10) == 0 {
			flood = "yes"
		}
		sensors = append(sensors, map[string]string{
			"sensor_id":   id,
			"flood":       flood,
			"sensor_utc":  now.UTC().Format("15:04:05"),
			"sensor_date": now.UTC().Format("2006/01/02"),
			"humid_hi":    fmt.Sprintf("%03.0f", surface),
			"humid_low":   fmt.Sprintf("%03.0f", surface*0.8+rand.Float64()*10),
			"temp_hi":     fmt.Sprintf("%.1f", 26+rand.Float64()*8),
			"temp_low":    fmt.Sprintf("%.1f", 24+rand.Float64()*4),
			"amb_humid":   fmt.Sprintf("%.0f", 55+rand.Float64()*30),
			"amb_temp":    fmt.Sprintf("%.1f", 28+rand.Float64()*6),
			"sensor_batt": fmt.Sprintf("%.2f", 3.5+rand.Float64()*0.7),
		})
	}

	payload := map[string]interface{}{
		"gw_id":       gw.gatewayID,
		"msg_type":    "report",
		"gps_lat":     strconv.FormatFloat(gw.lat, 'f', 6, 64),
		"gps_lng":     strconv.FormatFloat(gw.lng, 'f', 6, 64),
		"date":        bangkok.Format("2006/01/02"),
		"time":        bangkok.Format("15:04:05"),
		"humidity":    fmt.Sprintf("%.0f", 55+rand.Float64()*30),
		"temperature": fmt.Sprintf("%.1f", 28+rand.Float64()*6),
		"batt":        fmt.Sprintf("%.2f", 11.5+rand.Float64()*1.5),
		"sensor":      sensors,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.post(ctx, "moisture", s.moistureToken, body)
}

func (s *simulator) post(ctx context.Context, family, token string, body []byte) error {
	url := fmt.Sprintf("%s/api/sensor-data/%s/%s", s.endpoint, family, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}
	return nil
}

func (s *simulator) dropped() bool {
	return s.dropoutPercent > 0 && rand.Intn(100) < s.dropoutPercent
}

func (s *simulator) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var wg sync.WaitGroup
		for _, st := range s.stations {
			wg.Add(1)
			go func(st waterLevelStation) {
				defer wg.Done()
				if err := s.postWaterLevel(ctx, st); err != nil {
					log.Printf("water-level %s: %v", st.macAddress, err)
				}
			}(st)
		}
		for _, gw := range s.gateways {
			wg.Add(1)
			go func(gw moistureGateway) {
				defer wg.Done()
				if err := s.postMoisture(ctx, gw); err != nil {
					log.Printf("moisture gw %s: %v", gw.gatewayID, err)
				}
			}(gw)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func main() {
	var (
		endpoint      = flag.String("endpoint", "http://localhost:8080", "Edge intake base URL")
		waterToken    = flag.String("water-token", "munbon-ridr-water-level", "Intake token for water-level posts")
		moistureToken = flag.String("moisture-token", "munbon-m2m-moisture", "Intake token for moisture posts")
		stations      = flag.Int("stations", 5, "Number of water-level stations")
		gateways      = flag.Int("gateways", 2, "Number of moisture gateways")
		interval      = flag.Duration("interval", 10*time.Second, "Report interval")
		dropout       = flag.Int("dropout", 10, "Percent of water-level reports sent as empty keep-alives")
	)
	flag.Parse()

	sim := newSimulator(*endpoint, *waterToken, *moistureToken, *stations, *gateways, *dropout)
	log.Printf("simulating %d water-level stations and %d moisture gateways against %s every %s",
		len(sim.stations), len(sim.gateways), *endpoint, *interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	sim.run(ctx, *interval)
	log.Println("simulator stopped")
}
