// Package config defines the configuration model and its providers.
// Deployments ship either a YAML file or a SQLite parameter store; both
// satisfy ConfigProvider.
package config

// ConfigProvider is the interface for configuration data sources.
type ConfigProvider interface {
	// LoadConfig loads the complete configuration.
	LoadConfig() (*ConfigData, error)

	// GetIntakeTokens returns the provisioned vendor tokens. The cloud
	// relay re-reads these on its refresh interval.
	GetIntakeTokens() ([]TokenData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData is the complete configuration structure.
type ConfigData struct {
	Storage  StorageData   `json:"storage" yaml:"storage"`
	Bus      BusData       `json:"bus" yaml:"bus"`
	Intake   IntakeData    `json:"intake" yaml:"intake"`
	API      APIData       `json:"api" yaml:"api"`
	Consumer ConsumerData  `json:"consumer" yaml:"consumer"`
	MQTT     *MQTTData     `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Tokens   []TokenData   `json:"tokens" yaml:"tokens"`
	Debug    bool          `json:"debug" yaml:"debug"`
}

// StorageData holds the TimescaleDB connections.
type StorageData struct {
	TimescaleDB *TimescaleDBData `json:"timescaledb,omitempty" yaml:"timescaledb,omitempty"`
	// Secondary, when present, enables the consumer's dual-write path.
	Secondary *TimescaleDBData `json:"secondary,omitempty" yaml:"secondary,omitempty"`
}

// TimescaleDBData configures one TimescaleDB connection.
type TimescaleDBData struct {
	ConnectionString string `json:"connection_string" yaml:"connection-string"`
	WritePoolSize    int    `json:"write_pool_size,omitempty" yaml:"write-pool-size,omitempty"`
	ReadPoolSize     int    `json:"read_pool_size,omitempty" yaml:"read-pool-size,omitempty"`
}

// BusData configures the AMQP broker connection.
type BusData struct {
	URL      string `json:"url" yaml:"url"`
	Prefetch int    `json:"prefetch,omitempty" yaml:"prefetch,omitempty"`
}

// IntakeData configures the two HTTP intake listeners.
type IntakeData struct {
	EdgeListenAddr  string `json:"edge_listen_addr,omitempty" yaml:"edge-listen-addr,omitempty"`
	CloudListenAddr string `json:"cloud_listen_addr,omitempty" yaml:"cloud-listen-addr,omitempty"`
}

// APIData configures the read API listener.
type APIData struct {
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen-addr,omitempty"`
}

// ConsumerData configures the ingest worker pool.
type ConsumerData struct {
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// MQTTData configures the broker used for the MQTT intake and the
// realtime mirror.
type MQTTData struct {
	BrokerURL     string `json:"broker_url" yaml:"broker-url"`
	ClientID      string `json:"client_id,omitempty" yaml:"client-id,omitempty"`
	IntakeEnabled bool   `json:"intake_enabled,omitempty" yaml:"intake-enabled,omitempty"`
	MirrorEnabled bool   `json:"mirror_enabled,omitempty" yaml:"mirror-enabled,omitempty"`
}

// TokenData is one provisioned intake token.
type TokenData struct {
	Token   string `json:"token" yaml:"token"`
	Tenant  string `json:"tenant" yaml:"tenant"`
	Family  string `json:"family" yaml:"family"`
	Revoked bool   `json:"revoked,omitempty" yaml:"revoked,omitempty"`
}
