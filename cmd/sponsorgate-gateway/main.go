package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/sponsorgate/internal/api"
	"github.com/davidahmann/sponsorgate/internal/auth"
	"github.com/davidahmann/sponsorgate/internal/config"
	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/ledger/pgstore"
	"github.com/davidahmann/sponsorgate/internal/ledger/redisstore"
	"github.com/davidahmann/sponsorgate/internal/ledger/sqlstore"
	"github.com/davidahmann/sponsorgate/internal/outbox"
	"github.com/davidahmann/sponsorgate/internal/policy"
	"github.com/davidahmann/sponsorgate/internal/risk"
)

const (
	defaultListenAddr = ":8080"
	defaultPolicyPath = "policies/sponsorgate.yaml"
	outboxPoll        = 2 * time.Second
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

// serverFactory builds the server for cfg. The returned cleanup releases
// stores and background workers.
type serverFactory func(ctx context.Context, cfg config.Config) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("sponsorgate-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to sponsorgate config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("SPONSORGATE_CONFIG_PATH")
	}

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("SPONSORGATE_LISTEN_ADDR"), cfg.ListenAddr, defaultListenAddr)
	cfg.PolicyPath = firstNonEmpty(getenv("SPONSORGATE_POLICY_PATH"), cfg.PolicyPath, defaultPolicyPath)
	cfg.DB.Driver = firstNonEmpty(getenv("SPONSORGATE_DB_DRIVER"), cfg.DB.Driver)
	cfg.DB.DSN = firstNonEmpty(getenv("SPONSORGATE_DB_DSN"), cfg.DB.DSN)
	cfg.Redis.Addr = firstNonEmpty(getenv("SPONSORGATE_REDIS_ADDR"), cfg.Redis.Addr)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, cleanup, err := factory(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Printf("sponsorgate-gateway listening on %s", cfg.ListenAddr)
	if err := listen(server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newServer(ctx context.Context, cfg config.Config) (*http.Server, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	fail := func(err error) (*http.Server, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	bundle, err := policy.LoadBundle(cfg.PolicyPath)
	if err != nil {
		return fail(fmt.Errorf("load policy: %w", err))
	}

	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	var epochLedger ledger.EpochLedger
	if cfg.Redis.Addr != "" {
		rs, err := redisstore.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fail(fmt.Errorf("open redis ledger: %w", err))
		}
		closers = append(closers, rs.Close)
		epochLedger = rs
	}

	signer, err := loadSigner(cfg.SigningKey)
	if err != nil {
		return fail(err)
	}

	logger := slog.Default()
	gateway, err := api.NewGateway(api.GatewayInput{
		Bundle:         bundle,
		Store:          store,
		Ledger:         epochLedger,
		Signer:         signer,
		AttestationTTL: cfg.AttestationTTL(),
		Trusted:        cfg.TrustedAttesters(),
		Authority:      cfg.Authority(),
		Risk: risk.Config{
			OutlierWindow:     cfg.Risk.OutlierWindow,
			VelocityWindow:    time.Duration(cfg.Risk.VelocityWindowSeconds) * time.Second,
			VelocityThreshold: cfg.Risk.VelocityThreshold,
			FailureWindow:     time.Duration(cfg.Risk.FailureWindowSeconds) * time.Second,
			KnownAssets:       cfg.Risk.KnownAssets,
		},
		HistorySize: cfg.Risk.HistorySize,
		OutboxTopic: cfg.Kafka.Topic,
		Logger:      logger,
	})
	if err != nil {
		return fail(fmt.Errorf("gateway: %w", err))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := outbox.NewKafkaPublisher(outbox.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return fail(fmt.Errorf("kafka publisher: %w", err))
		}
		closers = append(closers, pub.Close)
		workerCtx, stop := context.WithCancel(ctx)
		closers = append(closers, func() error { stop(); return nil })
		go outbox.RunWorker(workerCtx, store, pub, outboxPoll, logger)
	}

	h := &api.Handler{
		Auth:    auth.NewAuthenticatorFromEnv(),
		Gateway: gateway,
	}
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}, cleanup, nil
}

func openStore(cfg config.DBConfig) (ledger.Store, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewInMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		store, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return store, store.Close, nil
	case "postgres":
		store, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ledger.Migrate(store.DB(), ledger.DBPostgres); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

// loadSigner reads the configured key. Without a key file it generates an
// ephemeral key whose id is derived from its attester address, so restarts
// never reuse an id a persistent store already holds for another key.
func loadSigner(cfg config.SigningKeyConfig) (*crypto.KeySigner, error) {
	if cfg.PrivateKeyPath != "" {
		signer, err := crypto.LoadKeySigner(firstNonEmpty(cfg.KeyID, "default"), cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		return signer, nil
	}
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	keyID := "ephemeral-" + strings.ToLower(crypto.AttesterAddress(pub).Hex())
	if cfg.KeyID != "" {
		log.Printf("signing_key.key_id %q ignored without private_key_path", cfg.KeyID)
	}
	log.Printf("no signing key configured; using ephemeral key %q", keyID)
	return crypto.NewKeySigner(keyID, priv), nil
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
