package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sponsorgate.yaml")

	t.Setenv("SPONSORGATE_PG_DSN", "postgres://sg@localhost/sg")

	data := `
listen_addr: ":8080"
policy_path: "./policies/sponsorgate.yaml"
db:
  driver: postgres
  dsn: "${SPONSORGATE_PG_DSN}"
kafka:
  brokers: ["127.0.0.1:9092"]
  topic: sponsorgate.admissions
attestation:
  ttl_seconds: 0
  trusted_attesters:
    - "0x00000000000000000000000000000000000000aa"
  authority: "0x00000000000000000000000000000000000000bb"
risk:
  velocity_threshold: 5
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.DSN != "postgres://sg@localhost/sg" {
		t.Fatalf("expected expanded dsn, got %q", cfg.DB.DSN)
	}
	if cfg.AttestationTTL() != 0 {
		t.Fatalf("expected explicit zero ttl, got %v", cfg.AttestationTTL())
	}
	if got := cfg.TrustedAttesters(); len(got) != 1 || got[0] != common.HexToAddress("0x00000000000000000000000000000000000000aa") {
		t.Fatalf("unexpected trusted attesters: %v", got)
	}
	if cfg.Authority() == nil || cfg.Risk.VelocityThreshold != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", PolicyPath: "p.yaml"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AttestationTTL() != time.Hour {
		t.Fatalf("expected default ttl of one hour, got %v", cfg.AttestationTTL())
	}
	if cfg.Authority() != nil {
		t.Fatalf("expected no authority")
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateRejects(t *testing.T) {
	negative := int64(-1)
	base := Config{ListenAddr: ":8080", PolicyPath: "p.yaml"}
	cases := map[string]func(c *Config){
		"db dsn":          func(c *Config) { c.DB.Driver = "sqlite" },
		"db driver":       func(c *Config) { c.DB = DBConfig{Driver: "mysql", DSN: "x"} },
		"kafka topic":     func(c *Config) { c.Kafka.Brokers = []string{"b:9092"} },
		"ttl":             func(c *Config) { c.Attestation.TTLSeconds = &negative },
		"trusted":         func(c *Config) { c.Attestation.TrustedAttesters = []string{"nope"} },
		"authority":       func(c *Config) { c.Attestation.Authority = "0x12" },
		"known assets":    func(c *Config) { c.Risk.KnownAssets = []string{"0xzz"} },
		"risk negative":   func(c *Config) { c.Risk.OutlierWindow = -1 },
		"window negative": func(c *Config) { c.Risk.FailureWindowSeconds = -5 },
		"redis db":        func(c *Config) { c.Redis.DB = -1 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error")
	}
}
