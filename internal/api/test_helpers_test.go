package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/policy"
)

const (
	testToken      = "test-token"
	restrictedID   = "sponsor-restricted"
	coffeeShop     = "0x1111111111111111111111111111111111111111"
	usdc           = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	unlistedAsset  = "0x3333333333333333333333333333333333333333"
	policyFilePath = "../../policies/sponsorgate.yaml"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	gateway *Gateway
	store   *ledger.InMemoryStore
	clock   *testClock
}

func newTestGateway(t *testing.T, outboxTopic string) *testEnv {
	t.Helper()

	store := ledger.NewInMemoryStore()
	clock := &testClock{now: time.Unix(1_800_000_000, 0)}
	gw, err := openTestGateway(t, store, clock, 0, "test", outboxTopic)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &testEnv{gateway: gw, store: store, clock: clock}
}

// openTestGateway builds a gateway over store whose signing key derives
// from seed.
func openTestGateway(t *testing.T, store ledger.Store, clock *testClock, seed byte, keyID, outboxTopic string) (*Gateway, error) {
	t.Helper()

	bundle, err := policy.LoadBundle(policyFilePath)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	priv, _, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return NewGateway(GatewayInput{
		Bundle:         bundle,
		Store:          store,
		Signer:         crypto.NewKeySigner(keyID, priv),
		AttestationTTL: time.Hour,
		OutboxTopic:    outboxTopic,
		Logger:         slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Now:            clock.Now,
	})
}

func authorizeRequest(op string, amount string) AuthorizeRequest {
	return AuthorizeRequest{
		PolicyID: restrictedID,
		OpHash:   op,
		Merchant: coffeeShop,
		Asset:    usdc,
		Amount:   amount,
		ModelID:  "risk-v1",
		Intent:   "buy coffee",
		Plan:     "transfer usdc",
	}
}

func opHex(n byte) string {
	return fmt.Sprintf("0x%064x", n)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}
