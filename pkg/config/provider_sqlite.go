package config

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteProvider implements ConfigProvider over a SQLite parameter
// store. Unlike the YAML provider it re-reads on every call, so the
// cloud relay's token refresh sees live edits.
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return &SQLiteProvider{db: db, dbPath: dbPath}, nil
}

// LoadConfig reads the settings table. The full configuration is stored
// as one JSON document under the 'config' key plus the token table.
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = 'config'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no 'config' row in settings table of %s", s.dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg ConfigData
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse stored config: %w", err)
	}

	tokens, err := s.GetIntakeTokens()
	if err != nil {
		return nil, err
	}
	cfg.Tokens = tokens
	return &cfg, nil
}

// GetIntakeTokens reads the intake_tokens table.
func (s *SQLiteProvider) GetIntakeTokens() ([]TokenData, error) {
	rows, err := s.db.Query(`
		SELECT token, tenant, family, revoked
		FROM intake_tokens
		ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("failed to load intake tokens: %w", err)
	}
	defer rows.Close()

	var tokens []TokenData
	for rows.Next() {
		var t TokenData
		if err := rows.Scan(&t.Token, &t.Tenant, &t.Family, &t.Revoked); err != nil {
			return nil, fmt.Errorf("failed to scan intake token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// UpsertIntakeToken provisions or updates one token.
func (s *SQLiteProvider) UpsertIntakeToken(t TokenData) error {
	_, err := s.db.Exec(`
		INSERT INTO intake_tokens (token, tenant, family, revoked)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			tenant = excluded.tenant,
			family = excluded.family,
			revoked = excluded.revoked`,
		t.Token, t.Tenant, t.Family, t.Revoked)
	return err
}

// Initialize creates the schema for a fresh parameter store.
func (s *SQLiteProvider) Initialize() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS intake_tokens (
			token TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			family TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveConfig stores the configuration document.
func (s *SQLiteProvider) SaveConfig(cfg *ConfigData) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (key, value) VALUES ('config', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(raw))
	return err
}

func (s *SQLiteProvider) IsReadOnly() bool { return false }

func (s *SQLiteProvider) Close() error { return s.db.Close() }
