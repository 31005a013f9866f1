// Package app assembles the ingest pipeline and read API from a
// configuration provider and runs them until shutdown.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/munbon/sensorhub/internal/apikey"
	"github.com/munbon/sensorhub/internal/bus"
	"github.com/munbon/sensorhub/internal/consumer"
	"github.com/munbon/sensorhub/internal/controllers/restserver"
	"github.com/munbon/sensorhub/internal/intake/cloud"
	"github.com/munbon/sensorhub/internal/intake/edge"
	"github.com/munbon/sensorhub/internal/intake/mqttsource"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/realtime"
	"github.com/munbon/sensorhub/internal/registry"
	"github.com/munbon/sensorhub/internal/storage/timescale"
	"github.com/munbon/sensorhub/internal/types"
	"github.com/munbon/sensorhub/pkg/config"
)

// App is the composed service.
type App struct {
	configProvider config.ConfigProvider
	logger         *zap.SugaredLogger
}

func New(configProvider config.ConfigProvider, logger *zap.SugaredLogger) *App {
	return &App{configProvider: configProvider, logger: logger}
}

// tokenDirectory adapts the config provider to the cloud relay.
type tokenDirectory struct {
	provider config.ConfigProvider
}

func (d *tokenDirectory) IntakeTokens(context.Context) ([]cloud.TokenGrant, error) {
	tokens, err := d.provider.GetIntakeTokens()
	if err != nil {
		return nil, err
	}
	grants := make([]cloud.TokenGrant, 0, len(tokens))
	for _, t := range tokens {
		grants = append(grants, cloud.TokenGrant{
			Token:   t.Token,
			Tenant:  t.Tenant,
			Family:  types.SensorFamily(t.Family),
			Revoked: t.Revoked,
		})
	}
	return grants, nil
}

// Run starts every component and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := a.configProvider.LoadConfig()
	if err != nil {
		return err
	}

	store, err := timescale.New(ctx, timescale.Options{
		DSN:           cfg.Storage.TimescaleDB.ConnectionString,
		WritePoolSize: cfg.Storage.TimescaleDB.WritePoolSize,
		ReadPoolSize:  cfg.Storage.TimescaleDB.ReadPoolSize,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	var secondary consumer.ReadingWriter
	if cfg.Storage.Secondary != nil {
		sec, err := timescale.New(ctx, timescale.Options{
			DSN:           cfg.Storage.Secondary.ConnectionString,
			WritePoolSize: cfg.Storage.Secondary.WritePoolSize,
			ReadPoolSize:  1,
		})
		if err != nil {
			return err
		}
		defer sec.Close()
		secondary = sec
	}

	b, err := bus.NewAMQP(cfg.Bus.URL, cfg.Bus.Prefetch)
	if err != nil {
		return err
	}
	defer b.Close()

	hub := realtime.NewHub()
	if cfg.MQTT != nil && cfg.MQTT.MirrorEnabled {
		mirror, err := realtime.NewMQTTMirror(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID+"-mirror")
		if err != nil {
			return err
		}
		defer mirror.Close()
		hub.AttachMirror(mirror)
	}

	reg := registry.New(store, func(change registry.LocationChange) {
		hub.Publish(realtime.LocationTopic(change.Family, change.SensorID), change)
	})

	cons := consumer.New(b, store, reg, hub, consumer.Options{
		Workers:   cfg.Consumer.Workers,
		Secondary: secondary,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		cons.Run(ctx)
	}()

	if addr := cfg.Intake.EdgeListenAddr; addr != "" {
		edgeServer := edge.NewServer(b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			edgeServer.Run(ctx)
		}()
		a.serveHTTP(ctx, &wg, "edge intake", addr, edgeServer)
	}

	if addr := cfg.Intake.CloudListenAddr; addr != "" {
		relay, err := cloud.NewRelay(ctx, b, &tokenDirectory{provider: a.configProvider})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
		a.serveHTTP(ctx, &wg, "cloud intake", addr, relay)
	}

	if cfg.MQTT != nil && cfg.MQTT.IntakeEnabled {
		source, err := mqttsource.New(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID+"-intake", b)
		if err != nil {
			return err
		}
		defer source.Close()
	}

	if addr := cfg.API.ListenAddr; addr != "" {
		authority := apikey.NewAuthority(&apikey.GormKeyStore{DB: store.ReadDB()})
		wg.Add(1)
		go func() {
			defer wg.Done()
			authority.RunSweeper(ctx.Done())
		}()
		restserver.NewController(ctx, &wg, store, authority, hub, addr).StartHTTP()
	}

	log.Info("sensorhub started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	cancel()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")
	return nil
}

// serveHTTP runs one listener with context-driven shutdown.
func (a *App) serveHTTP(ctx context.Context, wg *sync.WaitGroup, name, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Infof("%s listening on %s", name, addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Errorf("%s server error: %v", name, err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutCtx); err != nil {
			a.logger.Errorf("%s shutdown: %v", name, err)
		}
	}()
}
