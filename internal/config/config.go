package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string            `yaml:"listen_addr"`
	PolicyPath  string            `yaml:"policy_path"`
	DB          DBConfig          `yaml:"db"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	SigningKey  SigningKeyConfig  `yaml:"signing_key"`
	Attestation AttestationConfig `yaml:"attestation"`
	Risk        RiskConfig        `yaml:"risk"`
}

// DBConfig selects the ledger store. Driver is one of memory, sqlite or
// postgres; empty means memory.
type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig, when Addr is set, moves the epoch ledger to redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type AttestationConfig struct {
	Schema string `yaml:"schema"`
	// TTLSeconds nil means one hour; 0 issues attestations that never expire.
	TTLSeconds       *int64   `yaml:"ttl_seconds"`
	TrustedAttesters []string `yaml:"trusted_attesters"`
	Authority        string   `yaml:"authority"`
}

type RiskConfig struct {
	HistorySize           int      `yaml:"history_size"`
	OutlierWindow         int      `yaml:"outlier_window"`
	VelocityWindowSeconds int      `yaml:"velocity_window_seconds"`
	VelocityThreshold     int      `yaml:"velocity_threshold"`
	FailureWindowSeconds  int      `yaml:"failure_window_seconds"`
	KnownAssets           []string `yaml:"known_assets"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is set")
		}
	default:
		return fmt.Errorf("db.driver %q not supported", c.DB.Driver)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be non-negative")
	}

	if c.Attestation.TTLSeconds != nil && *c.Attestation.TTLSeconds < 0 {
		return fmt.Errorf("attestation.ttl_seconds must be non-negative")
	}
	for _, a := range c.Attestation.TrustedAttesters {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("attestation.trusted_attesters: invalid address %q", a)
		}
	}
	if c.Attestation.Authority != "" && !common.IsHexAddress(c.Attestation.Authority) {
		return fmt.Errorf("attestation.authority: invalid address %q", c.Attestation.Authority)
	}
	for _, a := range c.Risk.KnownAssets {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("risk.known_assets: invalid address %q", a)
		}
	}
	if c.Risk.HistorySize < 0 || c.Risk.OutlierWindow < 0 || c.Risk.VelocityThreshold < 0 {
		return fmt.Errorf("risk settings must be non-negative")
	}
	if c.Risk.VelocityWindowSeconds < 0 || c.Risk.FailureWindowSeconds < 0 {
		return fmt.Errorf("risk windows must be non-negative")
	}
	return nil
}

// AttestationTTL resolves the configured attestation lifetime.
func (c Config) AttestationTTL() time.Duration {
	if c.Attestation.TTLSeconds == nil {
		return time.Hour
	}
	return time.Duration(*c.Attestation.TTLSeconds) * time.Second
}

// TrustedAttesters parses the configured attester allowlist.
func (c Config) TrustedAttesters() []common.Address {
	out := make([]common.Address, 0, len(c.Attestation.TrustedAttesters))
	for _, a := range c.Attestation.TrustedAttesters {
		out = append(out, common.HexToAddress(a))
	}
	return out
}

// Authority returns the configured routing prefix, or nil when any prefix
// is accepted.
func (c Config) Authority() *common.Address {
	if c.Attestation.Authority == "" {
		return nil
	}
	addr := common.HexToAddress(c.Attestation.Authority)
	return &addr
}
