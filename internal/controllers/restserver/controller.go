// Package restserver serves the read/query API: sensor-centric views,
// family series and aggregates, the public Buddhist-calendar surface,
// and the legacy RID-MS shapes.
package restserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/munbon/sensorhub/internal/apikey"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/metrics"
	"github.com/munbon/sensorhub/internal/realtime"
	"github.com/munbon/sensorhub/internal/storage/timescale"
	"github.com/munbon/sensorhub/internal/types"
	"github.com/munbon/sensorhub/pkg/responseformat"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 1000
	defaultWindow    = 24 * time.Hour
)

// Querier is the slice of the store the read API touches.
type Querier interface {
	GetSensor(ctx context.Context, id string) (*types.Sensor, error)
	ListSensors(ctx context.Context, family types.SensorFamily, zones []string, page, limit int) ([]types.Sensor, int64, error)
	NearbySensors(ctx context.Context, lat, lng, radiusKm float64) ([]types.Sensor, error)
	PatchSensorMetadata(ctx context.Context, id string, delta map[string]interface{}) error
	Latest(ctx context.Context, family types.SensorFamily, f timescale.Filter) ([]types.Reading, error)
	Series(ctx context.Context, family types.SensorFamily, f timescale.Filter, from, to time.Time, limit int, cursor string) (*timescale.SeriesPage, error)
	Aggregate(ctx context.Context, family types.SensorFamily, f timescale.Filter, from, to time.Time, bucket string, aggs []string) ([]timescale.AggRow, error)
	SensorStats(ctx context.Context, family types.SensorFamily, sensorID string, from, to time.Time) (*timescale.Stats, error)
}

// Controller is the REST server controller.
type Controller struct {
	ctx       context.Context
	wg        *sync.WaitGroup
	store     Querier
	authority *apikey.Authority
	hub       *realtime.Hub
	Server    http.Server
	formatter *responseformat.Formatter
	logger    *zap.SugaredLogger
	handlers  *Handlers
}

// NewController wires the read API against the store and key authority.
func NewController(ctx context.Context, wg *sync.WaitGroup, store Querier, authority *apikey.Authority, hub *realtime.Hub, listenAddr string) *Controller {
	c := &Controller{
		ctx:       ctx,
		wg:        wg,
		store:     store,
		authority: authority,
		hub:       hub,
		formatter: responseformat.NewFormatter(),
		logger:    log.GetSugaredLogger(),
	}
	c.handlers = NewHandlers(c)
	c.Server.Addr = listenAddr
	c.Server.Handler = c.router()
	c.Server.ReadHeaderTimeout = 10 * time.Second
	return c
}

func (c *Controller) router() *mux.Router {
	r := mux.NewRouter()
	h := c.handlers

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if c.hub != nil {
		r.Handle("/", realtime.NewWSHandler(c.hub)).Headers("Upgrade", "websocket")
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	sensors := api.PathPrefix("/sensors").Subrouter()
	sensors.Use(c.instrument("sensors"), c.authority.Middleware(apikey.ClassSensors))
	sensors.HandleFunc("", h.ListSensors).Methods(http.MethodGet)
	sensors.HandleFunc("/nearby", h.NearbySensors).Methods(http.MethodGet)
	sensors.HandleFunc("/{id}", h.GetSensor).Methods(http.MethodGet)
	sensors.HandleFunc("/{id}", h.PatchSensor).Methods(http.MethodPatch)
	sensors.HandleFunc("/{id}/readings", h.SensorReadings).Methods(http.MethodGet)
	sensors.HandleFunc("/{id}/latest", h.SensorLatest).Methods(http.MethodGet)
	sensors.HandleFunc("/{id}/statistics", h.SensorStatistics).Methods(http.MethodGet)

	for slug := range familySlugs {
		fam := api.PathPrefix("/" + slug).Subrouter()
		fam.Use(c.instrument("series"), c.authority.Middleware(apikey.ClassSeries))
		fam.HandleFunc("", h.FamilySeries).Methods(http.MethodGet)
		fam.HandleFunc("/aggregated", h.FamilyAggregated).Methods(http.MethodGet)
		fam.HandleFunc("/alerts", h.FamilyAlerts).Methods(http.MethodGet)
		fam.HandleFunc("/comparison", h.FamilyComparison).Methods(http.MethodGet)
	}

	public := api.PathPrefix("/public").Subrouter()
	public.Use(c.instrument("public"), c.authority.Middleware(apikey.ClassPublic))
	public.HandleFunc("/{family}/latest", h.PublicLatest).Methods(http.MethodGet)
	public.HandleFunc("/{family}/timeseries", h.PublicTimeseries).Methods(http.MethodGet)
	public.HandleFunc("/{family}/statistics", h.PublicStatistics).Methods(http.MethodGet)

	dashboard := api.PathPrefix("/dashboard").Subrouter()
	dashboard.Use(c.instrument("dashboard"), c.authority.Middleware(apikey.ClassPublic))
	dashboard.HandleFunc("/summary", h.DashboardSummary).Methods(http.MethodGet)

	external := api.PathPrefix("/external/rid-ms").Subrouter()
	external.Use(c.instrument("external"), c.authority.Middleware(apikey.ClassExternal))
	external.HandleFunc("/sensors", h.RIDMSSensors).Methods(http.MethodGet)
	external.HandleFunc("/readings", h.RIDMSReadings).Methods(http.MethodGet)
	external.HandleFunc("/spatial", h.RIDMSSpatial).Methods(http.MethodGet)

	return r
}

// instrument records per-endpoint-class request counts by status.
func (c *Controller) instrument(endpoint string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			metrics.ReadRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// StartHTTP runs the listener until the controller context ends.
func (c *Controller) StartHTTP() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Infof("read API listening on %s", c.Server.Addr)
		if err := c.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Errorf("read API server error: %v", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Server.Shutdown(shutCtx); err != nil {
			c.logger.Errorf("read API shutdown: %v", err)
		}
	}()
}

// familySlugs maps URL path segments to canonical families.
var familySlugs = map[string]types.SensorFamily{
	"water-levels": types.FamilyWaterLevel,
	"moisture":     types.FamilyMoisture,
	"weather":      types.FamilyWeather,
}

func familyFromSlug(slug string) (types.SensorFamily, error) {
	if f, ok := familySlugs[slug]; ok {
		return f, nil
	}
	return "", fmt.Errorf("unknown family %q", slug)
}
