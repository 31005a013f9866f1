// Package timescale is the time-series store adapter: hypertable DDL,
// the transactional write path, and the latest/series/aggregate queries
// that back the read API.
package timescale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/munbon/sensorhub/internal/database"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/types"
)

// WriteOutcome reports what an insert did. Duplicate is not an error:
// the bus is at-least-once and re-receipt of a (sensor_id, time) pair is
// a no-op.
type WriteOutcome int

const (
	Written WriteOutcome = iota
	Duplicate
)

// ErrTransient marks connectivity and deadline failures that the caller
// should retry (by not acknowledging the bus message).
var ErrTransient = errors.New("transient store error")

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 10 * time.Second
)

// Store holds separate read and write connections to TimescaleDB.
type Store struct {
	db     *gorm.DB // write pool
	readDB *gorm.DB
}

// Options configures pool sizing for the two paths.
type Options struct {
	DSN            string
	WritePoolSize  int
	ReadPoolSize   int
	SkipProvision  bool // set when migrations are managed externally
}

// New connects to TimescaleDB and provisions the schema: tables,
// hypertables, compression and retention policies.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.WritePoolSize == 0 {
		opts.WritePoolSize = 16
	}
	if opts.ReadPoolSize == 0 {
		opts.ReadPoolSize = 16
	}

	log.Info("connecting to TimescaleDB...")
	db, err := database.Connect(opts.DSN, database.PoolOptions{
		MaxOpenConns: opts.WritePoolSize,
		MaxIdleConns: opts.WritePoolSize / 2,
		MaxLifetime:  time.Hour,
	})
	if err != nil {
		return nil, err
	}
	readDB, err := database.Connect(opts.DSN, database.PoolOptions{
		MaxOpenConns: opts.ReadPoolSize,
		MaxIdleConns: opts.ReadPoolSize / 2,
		MaxLifetime:  time.Hour,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, readDB: readDB}
	if !opts.SkipProvision {
		if err := s.provision(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) provision(ctx context.Context) error {
	steps := []struct {
		what string
		sql  string
	}{
		{"TimescaleDB extension", createExtensionSQL},
		{"sensors table", createSensorsTableSQL},
		{"location history table", createLocationHistoryTableSQL},
		{"water level readings table", createWaterLevelTableSQL},
		{"moisture readings table", createMoistureTableSQL},
		{"weather readings table", createWeatherTableSQL},
		{"water level hypertable", createWaterLevelHypertableSQL},
		{"moisture hypertable", createMoistureHypertableSQL},
		{"weather hypertable", createWeatherHypertableSQL},
	}
	for _, step := range steps {
		log.Infof("creating %s...", step.what)
		if err := s.db.WithContext(ctx).Exec(step.sql).Error; err != nil {
			return fmt.Errorf("could not create %s: %w", step.what, err)
		}
	}

	// Compression/retention policies can fail on re-run against older
	// Timescale versions; log and continue like any repeat provision.
	policies := []struct {
		what string
		sql  string
	}{
		{"water level compression", enableWaterLevelCompressionSQL},
		{"moisture compression", enableMoistureCompressionSQL},
		{"weather compression", enableWeatherCompressionSQL},
		{"water level compression policy", addWaterLevelCompressionPolicySQL},
		{"moisture compression policy", addMoistureCompressionPolicySQL},
		{"weather compression policy", addWeatherCompressionPolicySQL},
		{"water level retention policy", addWaterLevelRetentionPolicySQL},
		{"moisture retention policy", addMoistureRetentionPolicySQL},
		{"weather retention policy", addWeatherRetentionPolicySQL},
	}
	for _, p := range policies {
		if err := s.db.WithContext(ctx).Exec(p.sql).Error; err != nil {
			log.Warnf("warning: could not apply %s: %v", p.what, err)
		}
	}
	return nil
}

// UpsertSensor inserts or refreshes a registry row. Metadata merges at
// the key level (new keys win); last_seen only moves forward.
func (s *Store) UpsertSensor(ctx context.Context, sensor *types.Sensor) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	meta := []byte("{}")
	if m := sensor.MetadataMap(); len(m) > 0 {
		if b, err := json.Marshal(m); err == nil {
			meta = b
		}
	}

	err := s.db.WithContext(ctx).Exec(upsertSensorSQL,
		sensor.ID, sensor.Family, sensor.Manufacturer,
		sensor.FirstSeen, sensor.LastSeen,
		sensor.Latitude, sensor.Longitude, string(meta),
	).Error
	if err != nil {
		return classify(err)
	}
	return nil
}

// WriteReading stores a canonical reading. The registry upsert and the
// reading insert share one transaction so readers never observe an
// orphan reading. Losing a (sensor_id, time) race yields Duplicate.
func (s *Store) WriteReading(ctx context.Context, sensor *types.Sensor, r types.Reading) (WriteOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	outcome := Written
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meta := []byte("{}")
		if m := sensor.MetadataMap(); len(m) > 0 {
			if b, err := json.Marshal(m); err == nil {
				meta = b
			}
		}
		if err := tx.Exec(upsertSensorSQL,
			sensor.ID, sensor.Family, sensor.Manufacturer,
			sensor.FirstSeen, sensor.LastSeen,
			sensor.Latitude, sensor.Longitude, string(meta),
		).Error; err != nil {
			return err
		}
		return tx.Create(r).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Duplicate, nil
		}
		return outcome, classify(err)
	}
	return outcome, nil
}

// AppendLocationHistory records a sensor movement and updates the stored
// location in one transaction.
func (s *Store) AppendLocationHistory(ctx context.Context, sensorID string, at time.Time, loc types.LatLng) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&types.LocationHistory{
			SensorID: sensorID, Time: at, Latitude: loc.Lat, Longitude: loc.Lng,
		}).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE sensors SET latitude = ?, longitude = ? WHERE sensor_id = ?`,
			loc.Lat, loc.Lng, sensorID).Error
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// GetSensor fetches one registry row.
func (s *Store) GetSensor(ctx context.Context, id string) (*types.Sensor, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var sensor types.Sensor
	err := s.readDB.WithContext(ctx).Where("sensor_id = ?", id).First(&sensor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &sensor, nil
}

// isUniqueViolation reports whether err is a (sensor_id, time) conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// classify maps driver errors into the transient/fatal split: connection
// and deadline failures wrap ErrTransient so the consumer nacks instead
// of dead-lettering.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. Class 57: operator intervention
		// (shutdown, crash recovery). Both clear up on retry.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}

// IsTransient reports whether err came from a recoverable I/O failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ReadDB exposes the read pool for components that run their own gorm
// queries against auxiliary tables (api_keys).
func (s *Store) ReadDB() *gorm.DB {
	return s.readDB
}

// Ping verifies both pools are alive.
func (s *Store) Ping(ctx context.Context) error {
	for _, db := range []*gorm.DB{s.db, s.readDB} {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Close releases both pools.
func (s *Store) Close() error {
	for _, db := range []*gorm.DB{s.db, s.readDB} {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return nil
}
