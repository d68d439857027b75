package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/davidahmann/sponsorgate/internal/config"
)

const testPolicyPath = "../../policies/sponsorgate.yaml"

func TestNewServerMemory(t *testing.T) {
	srv, cleanup, err := newServer(context.Background(), config.Config{ListenAddr: "127.0.0.1:9999", PolicyPath: testPolicyPath})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer cleanup()
	if srv.Addr != "127.0.0.1:9999" || srv.Handler == nil {
		t.Fatalf("unexpected server: %+v", srv)
	}

	res := httptest.NewRecorder()
	srv.Handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", res.Code)
	}
}

func TestNewServerSQLiteAndRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := config.Config{
		ListenAddr: ":0",
		PolicyPath: testPolicyPath,
		DB:         config.DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")},
		Redis:      config.RedisConfig{Addr: mr.Addr()},
		Kafka:      config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "sponsorgate.admissions"},
	}
	srv, cleanup, err := newServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	cleanup()
	if srv.Handler == nil {
		t.Fatalf("expected handler")
	}
}

func TestEphemeralSignersDoNotShareKeyID(t *testing.T) {
	first, err := loadSigner(config.SigningKeyConfig{KeyID: "dev"})
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	second, err := loadSigner(config.SigningKeyConfig{KeyID: "dev"})
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if first.KeyID() == second.KeyID() {
		t.Fatalf("ephemeral keys share id %q", first.KeyID())
	}
	if want := "ephemeral-" + strings.ToLower(first.Address().Hex()); first.KeyID() != want {
		t.Fatalf("expected key id %q, got %q", want, first.KeyID())
	}

	// Two processes without key files on one sqlite ledger.
	cfg := config.Config{
		ListenAddr: ":0",
		PolicyPath: testPolicyPath,
		DB:         config.DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")},
	}
	for i := 0; i < 2; i++ {
		_, cleanup, err := newServer(context.Background(), cfg)
		if err != nil {
			t.Fatalf("server %d: %v", i, err)
		}
		cleanup()
	}
}

func TestNewServerErrors(t *testing.T) {
	if _, _, err := newServer(context.Background(), config.Config{PolicyPath: "missing.yaml"}); err == nil {
		t.Fatalf("expected policy error")
	}
	cfg := config.Config{PolicyPath: testPolicyPath, SigningKey: config.SigningKeyConfig{PrivateKeyPath: filepath.Join(t.TempDir(), "none")}}
	if _, _, err := newServer(context.Background(), cfg); err == nil {
		t.Fatalf("expected signing key error")
	}
	cfg = config.Config{PolicyPath: testPolicyPath, DB: config.DBConfig{Driver: "oracle"}}
	if _, _, err := newServer(context.Background(), cfg); err == nil {
		t.Fatalf("expected driver error")
	}
}

func TestRunDefaults(t *testing.T) {
	factory := func(_ context.Context, cfg config.Config) (*http.Server, func(), error) {
		if cfg.ListenAddr != ":8080" {
			t.Fatalf("expected default addr, got %s", cfg.ListenAddr)
		}
		if cfg.PolicyPath != "policies/sponsorgate.yaml" {
			t.Fatalf("expected default policy path, got %s", cfg.PolicyPath)
		}
		return &http.Server{Addr: cfg.ListenAddr}, func() {}, nil
	}
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(string) string { return "" }
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunEnvOverrides(t *testing.T) {
	factory := func(_ context.Context, cfg config.Config) (*http.Server, func(), error) {
		if cfg.ListenAddr != "127.0.0.1:1234" || cfg.DB.Driver != "sqlite" || cfg.DB.DSN != "file.db" || cfg.Redis.Addr != "127.0.0.1:6379" {
			t.Fatalf("env overrides not applied: %+v", cfg)
		}
		return &http.Server{Addr: cfg.ListenAddr}, func() {}, nil
	}
	env := map[string]string{
		"SPONSORGATE_LISTEN_ADDR": "127.0.0.1:1234",
		"SPONSORGATE_DB_DRIVER":   "sqlite",
		"SPONSORGATE_DB_DSN":      "file.db",
		"SPONSORGATE_REDIS_ADDR":  "127.0.0.1:6379",
	}
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	if err := run(nil, func(k string) string { return env[k] }, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunError(t *testing.T) {
	listenErr := errors.New("listen failed")
	listen := func(_ *http.Server) error { return listenErr }
	cleaned := false
	factory := func(_ context.Context, cfg config.Config) (*http.Server, func(), error) {
		return &http.Server{Addr: cfg.ListenAddr}, func() { cleaned = true }, nil
	}
	if err := run(nil, func(string) string { return "" }, listen, factory); !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
	if !cleaned {
		t.Fatalf("expected cleanup after listen error")
	}

	factoryErr := errors.New("factory failed")
	failing := func(context.Context, config.Config) (*http.Server, func(), error) {
		return nil, func() {}, factoryErr
	}
	if err := run(nil, func(string) string { return "" }, listen, failing); !errors.Is(err, factoryErr) {
		t.Fatalf("expected factory error, got %v", err)
	}

	invalid := func(k string) string {
		if k == "SPONSORGATE_DB_DRIVER" {
			return "oracle"
		}
		return ""
	}
	if err := run(nil, invalid, listen, factory); err == nil {
		t.Fatalf("expected config validation error")
	}
}

func TestRunLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sponsorgate.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\npolicy_path: \"./policies/sponsorgate.yaml\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	factory := func(_ context.Context, cfg config.Config) (*http.Server, func(), error) {
		if cfg.ListenAddr != ":9999" {
			t.Fatalf("expected addr from config, got %s", cfg.ListenAddr)
		}
		if cfg.PolicyPath != "./policies/sponsorgate.yaml" {
			t.Fatalf("expected policy path from config, got %s", cfg.PolicyPath)
		}
		return &http.Server{Addr: cfg.ListenAddr}, func() {}, nil
	}
	listen := func(_ *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		if key == "SPONSORGATE_CONFIG_PATH" {
			return path
		}
		return ""
	}
	if err := run(nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := run([]string{"-config", filepath.Join(dir, "missing.yaml")}, func(string) string { return "" }, listen, factory); err == nil {
		t.Fatalf("expected missing config error")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "a", "b"); got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}

func TestListenAndServeInvalidAddr(t *testing.T) {
	if err := listenAndServe(&http.Server{Addr: "127.0.0.1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMainError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func([]string, envFn, listenFn, serverFactory) error {
		return errors.New("boom")
	}
	called := false
	fatalf = func(string, ...any) { called = true }

	main()
	if !called {
		t.Fatalf("expected fatal call")
	}
}
