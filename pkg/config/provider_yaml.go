package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files.
// The file is read once; edits require a restart.
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{filename: filename}
}

func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	if y.config != nil {
		return y.config, nil
	}

	raw, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg ConfigData
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", y.filename, err)
	}
	if cfg.Storage.TimescaleDB == nil || cfg.Storage.TimescaleDB.ConnectionString == "" {
		return nil, fmt.Errorf("%s: storage.timescaledb.connection-string is required", y.filename)
	}
	if cfg.Bus.URL == "" {
		return nil, fmt.Errorf("%s: bus.url is required", y.filename)
	}

	y.config = &cfg
	return y.config, nil
}

func (y *YAMLProvider) GetIntakeTokens() ([]TokenData, error) {
	cfg, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.Tokens, nil
}

func (y *YAMLProvider) IsReadOnly() bool { return true }

func (y *YAMLProvider) Close() error { return nil }
