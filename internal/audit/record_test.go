package audit

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/policy"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

func testInput() BuildInput {
	op := common.HexToHash("0x0a")
	ph := crypto.PolicyHash(op, 12)
	return BuildInput{
		CreatedAt:     time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Policy:        policy.Policy{PolicyID: "sponsor-default", PolicyVersion: "2026-10-01"},
		PolicyDocHash: "sha256:abc",
		OperationHash: op,
		Epoch:         12,
		Request: types.PaymentRequest{
			Merchant:    "0x1111111111111111111111111111111111111111",
			Asset:       "0xA0b86991c6218b36c1d19d4a2e9eB0cE3606eB48",
			Amount:      big.NewInt(400),
			Description: "coffee",
		},
		Decision: types.RiskDecision{
			Approved:        true,
			Reason:          "medium risk, monitored",
			RiskScore:       35,
			Confidence:      0.8,
			Flags:           []string{"unknown_merchant", types.FlagRequiresMonitoring},
			SuggestedAction: types.ActionMonitor,
		},
		Validation: policy.Compliance{CapRemaining: big.NewInt(600), EpochValid: true},
		Attestation: &types.Attestation{
			UID:            common.HexToHash("0x01"),
			Schema:         crypto.SchemaID("sponsorgate.compliance.v1"),
			Attester:       common.HexToAddress("0x00000000000000000000000000000000000000bb"),
			Time:           100,
			ExpirationTime: 3700,
			KeyID:          "kid",
		},
		PolicyHash: &ph,
		Payload:    []byte{0xde, 0xad},
	}
}

func testSigner(t *testing.T) *crypto.KeySigner {
	t.Helper()
	priv, _, err := crypto.KeyPairFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return crypto.NewKeySigner("audit-key", priv)
}

func TestBuildRecord(t *testing.T) {
	rec, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(rec.RecordID, "sha256:") {
		t.Fatalf("unexpected record id %q", rec.RecordID)
	}
	if rec.Request.Asset != "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" {
		t.Fatalf("expected lowercase asset, got %s", rec.Request.Asset)
	}
	if rec.Validation.CapRemaining != "600" || !rec.Validation.EpochValid {
		t.Fatalf("unexpected validation export: %+v", rec.Validation)
	}
	if rec.Payload != "0xdead" || rec.Attestation == nil || rec.Policy.BindingHash == "" {
		t.Fatalf("missing approval fields: %+v", rec)
	}

	again, err := Build(testInput())
	if err != nil {
		t.Fatalf("build again: %v", err)
	}
	if again.RecordID != rec.RecordID {
		t.Fatalf("record id not deterministic")
	}

	in := testInput()
	in.Decision.RiskScore = 36
	changed, err := Build(in)
	if err != nil {
		t.Fatalf("build changed: %v", err)
	}
	if changed.RecordID == rec.RecordID {
		t.Fatalf("expected record id to change with body")
	}
}

func TestBuildRequiresFields(t *testing.T) {
	in := testInput()
	in.PolicyDocHash = ""
	if _, err := Build(in); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}

func TestSealVerifyAndDecode(t *testing.T) {
	signer := testSigner(t)
	rec, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	stored, err := Seal(rec, signer)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if stored.RecordID != rec.RecordID || stored.KeyID != "audit-key" || !stored.Approved {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
	if err := Verify(stored, signer.PublicKey()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	decoded, err := Decode(stored.RecordID, stored.BodyJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RecordID != rec.RecordID || decoded.Decision.Confidence != 0.8 || decoded.Decision.RiskScore != 35 {
		t.Fatalf("decoded mismatch: %+v", decoded.Decision)
	}
	if decoded.Attestation == nil || decoded.Attestation.ExpiresAt != 3700 {
		t.Fatalf("decoded attestation mismatch: %+v", decoded.Attestation)
	}

	tampered := stored
	tampered.BodyJSON = []byte(strings.Replace(string(stored.BodyJSON), `"risk_score":35`, `"risk_score":5`, 1))
	if err := Verify(tampered, signer.PublicKey()); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}

	forged := stored
	forged.Sig = append([]byte(nil), stored.Sig...)
	forged.Sig[0] ^= 0xff
	if err := Verify(forged, signer.PublicKey()); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestSealRejectsStaleRecordID(t *testing.T) {
	rec, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rec.Decision.Reason = "edited"
	if _, err := Seal(rec, testSigner(t)); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestExportYAML(t *testing.T) {
	rec, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := MarshalYAML(rec)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var back types.AuditRecord
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if back.RecordID != rec.RecordID || back.Validation.CapRemaining != "600" {
		t.Fatalf("yaml export mismatch: %+v", back)
	}
	if !strings.Contains(string(out), "suggested_action: monitor") {
		t.Fatalf("expected snake_case keys in yaml:\n%s", out)
	}

	js, err := MarshalJSON(rec)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(string(js), `"record_id"`) {
		t.Fatalf("expected record_id in json export")
	}
}
