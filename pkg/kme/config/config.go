/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the KME configuration: a YAML file
// named by CONFIG_PATH plus secrets taken from the environment so key
// material never lands in a config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	KME      KMEConfig      `yaml:"kme" validate:"required"`
	Keys     KeysConfig     `yaml:"keys" validate:"required"`
	Pool     PoolConfig     `yaml:"pool" validate:"required"`
	Database DatabaseConfig `yaml:"database" validate:"required"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server" validate:"required"`
	Audit    AuditConfig    `yaml:"audit"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// KMEConfig identifies this KME and its peer.
type KMEConfig struct {
	// ID is this KME's 16 character identifier.
	ID string `yaml:"id" validate:"required,len=16"`

	// TargetID identifies the peer KME serving the slave SAEs.
	TargetID string `yaml:"target_id" validate:"required,len=16"`
}

// KeysConfig bounds key requests and sets key lifecycle policy.
type KeysConfig struct {
	DefaultSizeBits   int           `yaml:"default_size_bits" validate:"required,gt=0"`
	MinSizeBits       int           `yaml:"min_size_bits" validate:"required,gt=0"`
	MaxSizeBits       int           `yaml:"max_size_bits" validate:"required,gtefield=MinSizeBits"`
	MaxKeysPerRequest int           `yaml:"max_keys_per_request" validate:"required,gt=0"`
	MaxSAEIDCount     int           `yaml:"max_sae_id_count" validate:"gte=0"`
	Expiry            time.Duration `yaml:"expiry" validate:"required"`

	// SingleUse makes dec_keys consumption terminal. On by default; set
	// false only for multicast deployments that accept re-delivery.
	SingleUse *bool `yaml:"single_use"`

	// MasterEncryptionKey seals stored key material. Populated from
	// KME_MASTER_KEY by LoadSecrets, never from the YAML file.
	MasterEncryptionKey string `yaml:"-"`
}

// SingleUseEnabled resolves the pointer with its default.
func (k KeysConfig) SingleUseEnabled() bool {
	if k.SingleUse == nil {
		return true
	}
	return *k.SingleUse
}

// PoolConfig sizes the key pool and its loops.
type PoolConfig struct {
	MaxKeyCount        int           `yaml:"max_key_count" validate:"required,gt=0"`
	MinKeyThreshold    int           `yaml:"min_key_threshold" validate:"required,gt=0,ltfield=MaxKeyCount"`
	ReplenishPeriod    time.Duration `yaml:"replenish_period"`
	CleanupPeriod      time.Duration `yaml:"cleanup_period"`
	EmergencyBatchSize int           `yaml:"emergency_batch_size" validate:"gte=0"`
	GeneratorTimeout   time.Duration `yaml:"generator_timeout"`
}

// DatabaseConfig is the PostgreSQL connection.
type DatabaseConfig struct {
	Host            string        `yaml:"host" validate:"required"`
	Port            int           `yaml:"port" validate:"required,gt=0,lte=65535"`
	Name            string        `yaml:"name" validate:"required"`
	User            string        `yaml:"user" validate:"required"`
	SSLMode         string        `yaml:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Password comes from KME_DB_PASSWORD.
	Password string `yaml:"-"`
}

// DSN renders the pgx stdlib connection string.
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, ssl)
}

// RedisConfig is the audit DLQ backend. Optional: without an address the
// KME runs with no DLQ and drops audit records it cannot persist.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db" validate:"gte=0"`
	DLQMaxLen int64  `yaml:"dlq_max_len"`

	// Password comes from KME_REDIS_PASSWORD.
	Password string `yaml:"-"`
}

// ServerConfig is the HTTP listener and its TLS material.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	TLS TLSConfig `yaml:"tls" validate:"required"`
}

// TLSConfig names the mTLS material on disk. The server watches these
// paths and reloads without a restart.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file" validate:"required"`
	KeyFile      string `yaml:"key_file" validate:"required"`
	ClientCAFile string `yaml:"client_ca_file" validate:"required"`
}

// AuditConfig tunes the audit recorder.
type AuditConfig struct {
	BufferSize int           `yaml:"buffer_size" validate:"gte=0"`
	BatchSize  int           `yaml:"batch_size" validate:"gte=0"`
	FlushEvery time.Duration `yaml:"flush_every"`
}

// AlertsConfig is the optional Slack delivery channel.
type AlertsConfig struct {
	SlackChannel string        `yaml:"slack_channel"`
	Period       time.Duration `yaml:"period"`

	// SlackWebhookURL comes from KME_SLACK_WEBHOOK_URL.
	SlackWebhookURL string `yaml:"-"`
}

// Load reads the file named by CONFIG_PATH, overlays secrets from the
// environment, and validates the result.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return nil, fmt.Errorf("CONFIG_PATH environment variable is required")
	}
	return LoadFromFile(path)
}

// LoadFromFile reads and validates one YAML file plus environment secrets.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.loadSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Keys: KeysConfig{
			DefaultSizeBits:   352,
			MinSizeBits:       64,
			MaxSizeBits:       1024,
			MaxKeysPerRequest: 128,
			MaxSAEIDCount:     0,
			Expiry:            24 * time.Hour,
		},
		Pool: PoolConfig{
			MaxKeyCount:        100000,
			MinKeyThreshold:    1000,
			ReplenishPeriod:    5 * time.Minute,
			CleanupPeriod:      time.Minute,
			EmergencyBatchSize: 100,
			GeneratorTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:         5432,
			SSLMode:      "require",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			DLQMaxLen: 10000,
		},
		Server: ServerConfig{
			ListenAddr:      ":8443",
			MetricsAddr:     ":9090",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			BufferSize: 1024,
			BatchSize:  64,
			FlushEvery: 2 * time.Second,
		},
		Alerts: AlertsConfig{
			Period: time.Minute,
		},
	}
}

func (c *Config) loadSecrets() {
	c.Keys.MasterEncryptionKey = os.Getenv("KME_MASTER_KEY")
	c.Database.Password = os.Getenv("KME_DB_PASSWORD")
	c.Redis.Password = os.Getenv("KME_REDIS_PASSWORD")
	c.Alerts.SlackWebhookURL = os.Getenv("KME_SLACK_WEBHOOK_URL")
}

// Validate enforces structural rules plus the cross-field invariants the
// struct tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Keys.DefaultSizeBits%8 != 0 || c.Keys.MinSizeBits%8 != 0 || c.Keys.MaxSizeBits%8 != 0 {
		return fmt.Errorf("invalid configuration: key sizes must be multiples of 8 bits")
	}
	if c.Keys.DefaultSizeBits < c.Keys.MinSizeBits || c.Keys.DefaultSizeBits > c.Keys.MaxSizeBits {
		return fmt.Errorf("invalid configuration: default_size_bits must lie within [min_size_bits, max_size_bits]")
	}
	if c.Keys.MasterEncryptionKey == "" {
		return fmt.Errorf("invalid configuration: KME_MASTER_KEY environment variable is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("invalid configuration: KME_DB_PASSWORD environment variable is required")
	}
	if c.KME.ID == c.KME.TargetID {
		return fmt.Errorf("invalid configuration: kme.id and kme.target_id must differ")
	}
	return nil
}
