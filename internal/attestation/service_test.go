package attestation

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/internal/attest"
	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

func issue(t *testing.T, seed byte) (types.Attestation, *crypto.KeySigner) {
	t.Helper()
	s := make([]byte, 32)
	s[0] = seed
	priv, _, err := crypto.KeyPairFromSeed(s)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	signer := crypto.NewKeySigner("kid-"+string('a'+rune(seed)), priv)
	b := attest.NewBuilder(signer, time.Hour)
	b.Now = func() time.Time { return time.Unix(1_800_000_000, 0) }
	req := types.PaymentRequest{
		Merchant: "0x1111111111111111111111111111111111111111",
		Asset:    "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		Amount:   big.NewInt(10),
	}
	att, _, err := b.Attest(types.RiskDecision{Approved: true}, req, common.HexToHash("0x99"), 3, "m", "i", "p")
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	return att, signer
}

func TestMemoryService(t *testing.T) {
	m := NewMemory()
	att, _ := issue(t, 1)

	if ok, _ := m.Exists(att.UID); ok {
		t.Fatalf("expected missing attestation")
	}
	if _, err := m.Get(att.UID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	m.Put(att)
	if ok, _ := m.Exists(att.UID); !ok {
		t.Fatalf("expected attestation to exist")
	}
	if ok, _ := m.IsValid(att.UID); !ok {
		t.Fatalf("expected attestation to be valid")
	}
	if err := m.Revoke(att.UID, 5); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := m.IsValid(att.UID); ok {
		t.Fatalf("expected revoked attestation to be invalid")
	}
	got, err := m.Get(att.UID)
	if err != nil || got.RevocationTime != 5 {
		t.Fatalf("expected revocation time recorded: %v %+v", err, got)
	}
	if err := m.Revoke(common.Hash{}, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound revoking unknown uid, got %v", err)
	}
}

func TestStoreServiceVerifiesSignature(t *testing.T) {
	store := ledger.NewInMemoryStore()
	svc := NewStoreService(store)
	att, signer := issue(t, 2)

	if err := svc.Put(att); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, _ := svc.Exists(att.UID); !ok {
		t.Fatalf("expected attestation to exist")
	}
	if ok, _ := svc.IsValid(att.UID); ok {
		t.Fatalf("expected invalid without a registered key")
	}

	if err := svc.RegisterKey(signer.KeyID(), signer.PublicKey()); err != nil {
		t.Fatalf("register key: %v", err)
	}
	if ok, err := svc.IsValid(att.UID); err != nil || !ok {
		t.Fatalf("expected valid attestation: ok=%v err=%v", ok, err)
	}

	got, err := svc.Get(att.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UID != att.UID || got.Attester != att.Attester || got.ExpirationTime != att.ExpirationTime {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.PolicyHash != crypto.PolicyHash(common.HexToHash("0x99"), 3) || got.Epoch != 3 || got.Recipient != att.Recipient {
		t.Fatalf("binding lost in storage: %+v", got)
	}

	if err := svc.Revoke(att.UID, time.Unix(1_800_000_100, 0)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := svc.IsValid(att.UID); ok {
		t.Fatalf("expected revoked attestation to be invalid")
	}
}

func TestStoreServiceRejectsForeignKey(t *testing.T) {
	store := ledger.NewInMemoryStore()
	svc := NewStoreService(store)
	att, signer := issue(t, 3)
	_, other := issue(t, 4)

	if err := svc.Put(att); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Register a different public key under the attestation's key id.
	if err := svc.RegisterKey(signer.KeyID(), other.PublicKey()); err != nil {
		t.Fatalf("register key: %v", err)
	}
	if ok, _ := svc.IsValid(att.UID); ok {
		t.Fatalf("expected signature from unregistered key to be invalid")
	}
}

func TestStoreServiceMissing(t *testing.T) {
	svc := NewStoreService(ledger.NewInMemoryStore())
	if ok, err := svc.IsValid(common.HexToHash("0x01")); ok || err != nil {
		t.Fatalf("expected missing attestation invalid without error: ok=%v err=%v", ok, err)
	}
	if _, err := svc.Get(common.HexToHash("0x01")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFromRecordWithoutBinding(t *testing.T) {
	att, _ := issue(t, 5)
	rec, err := Record(att)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	rec.PolicyHash = ""
	rec.Recipient = ""
	rec.Epoch = 0

	got, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if got.PolicyHash != (common.Hash{}) || got.Recipient != (common.Address{}) {
		t.Fatalf("expected zero binding, got %+v", got)
	}

	rec.PolicyHash = "0x1234"
	if _, err := FromRecord(rec); err == nil {
		t.Fatalf("expected error for short policy hash")
	}
}
