package api

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/payload"
	"github.com/davidahmann/sponsorgate/internal/risk"
	"github.com/davidahmann/sponsorgate/internal/validator"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

func TestAuthorizeApprovedIssuesPayload(t *testing.T) {
	env := newTestGateway(t, "")

	resp, err := env.gateway.Authorize.Authorize(authorizeRequest(opHex(1), "400"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !resp.Approved || resp.Attestation == nil || resp.Payload == "" || resp.PolicyHash == "" {
		t.Fatalf("expected approval with payload: %+v", resp)
	}
	if resp.Decision.SuggestedAction != types.ActionProceed {
		t.Fatalf("expected proceed, got %s", resp.Decision.SuggestedAction)
	}
	if resp.Validation.CapRemaining != "1000" || !resp.Validation.EpochValid {
		t.Fatalf("unexpected validation: %+v", resp.Validation)
	}
	if len(resp.Payload) != 2+2*116 {
		t.Fatalf("unexpected payload length %d", len(resp.Payload))
	}
	if _, ok := env.store.GetAttestation(resp.Attestation.UID.Hex()); !ok {
		t.Fatalf("expected attestation persisted")
	}
	if _, ok := env.store.GetAuditRecord(resp.AuditRecordID); !ok {
		t.Fatalf("expected audit record persisted")
	}
}

func TestAuthorizeIsIdempotent(t *testing.T) {
	env := newTestGateway(t, "")
	req := authorizeRequest(opHex(2), "100")

	first, err := env.gateway.Authorize.Authorize(req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	env.clock.Advance(time.Second)
	second, err := env.gateway.Authorize.Authorize(req)
	if err != nil {
		t.Fatalf("authorize again: %v", err)
	}
	if first.AuditRecordID != second.AuditRecordID || first.Attestation.UID != second.Attestation.UID {
		t.Fatalf("expected cached response")
	}

	req.Amount = "101"
	third, err := env.gateway.Authorize.Authorize(req)
	if err != nil {
		t.Fatalf("authorize changed: %v", err)
	}
	if third.AuditRecordID == first.AuditRecordID {
		t.Fatalf("expected a new decision for a different body")
	}
}

func TestAuthorizeRejections(t *testing.T) {
	env := newTestGateway(t, "")

	req := authorizeRequest(opHex(3), "10")
	req.Asset = unlistedAsset
	resp, err := env.gateway.Authorize.Authorize(req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Approved || resp.Attestation != nil || resp.Payload != "" {
		t.Fatalf("expected rejection without payload: %+v", resp)
	}
	if resp.Decision.SuggestedAction != types.ActionBlock || resp.AuditRecordID == "" {
		t.Fatalf("expected blocked decision with audit record: %+v", resp)
	}

	req = authorizeRequest(opHex(4), "1001")
	resp, err = env.gateway.Authorize.Authorize(req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Approved || !slices.Contains(resp.Validation.Violations, "cap_exceeded") {
		t.Fatalf("expected cap violation: %+v", resp)
	}
}

func TestAuthorizeInvalidInput(t *testing.T) {
	env := newTestGateway(t, "")

	cases := []AuthorizeRequest{
		authorizeRequest("0x12", "1"),
		authorizeRequest(opHex(5), "abc"),
		authorizeRequest(opHex(5), "0"),
		func() AuthorizeRequest { r := authorizeRequest(opHex(5), "1"); r.Merchant = "0x12"; return r }(),
	}
	for i, req := range cases {
		if _, err := env.gateway.Authorize.Authorize(req); !errors.Is(err, risk.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}

	req := authorizeRequest(opHex(5), "1")
	req.PolicyID = "missing"
	if _, err := env.gateway.Authorize.Authorize(req); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestCapScenarioThroughServices(t *testing.T) {
	env := newTestGateway(t, "")
	gw := env.gateway

	a, err := gw.Authorize.Authorize(authorizeRequest(opHex(10), "400"))
	if err != nil || !a.Approved {
		t.Fatalf("authorize a: %v %+v", err, a)
	}
	b, err := gw.Authorize.Authorize(authorizeRequest(opHex(11), "700"))
	if err != nil || !b.Approved {
		t.Fatalf("authorize b: %v %+v", err, b)
	}

	adm, err := gw.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: opHex(10), Amount: "400", Payload: a.Payload})
	if err != nil || !adm.Admitted || adm.CapRemaining != "600" {
		t.Fatalf("validate a: %v %+v", err, adm)
	}

	rej, err := gw.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: opHex(11), Amount: "700", Payload: b.Payload})
	if !errors.Is(err, validator.ErrCapExceeded) || rej.Admitted || rej.Reason != "CapExceeded" || !rej.Retryable {
		t.Fatalf("expected CapExceeded: %v %+v", err, rej)
	}

	env.clock.Advance(time.Hour)
	c, err := gw.Authorize.Authorize(authorizeRequest(opHex(12), "400"))
	if err != nil || !c.Approved || c.Epoch != a.Epoch+1 {
		t.Fatalf("authorize c: %v %+v", err, c)
	}
	adm, err = gw.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: opHex(12), Amount: "400", Payload: c.Payload})
	if err != nil || !adm.Admitted || adm.Spent != "400" {
		t.Fatalf("validate c: %v %+v", err, adm)
	}

	status, err := gw.EpochStatus(restrictedID, a.Epoch)
	if err != nil || status.Spent != "400" || status.Remaining != "600" || status.Current {
		t.Fatalf("unexpected epoch status: %v %+v", err, status)
	}
}

func TestReplayRejectionFeedsFailureFactor(t *testing.T) {
	env := newTestGateway(t, "")
	gw := env.gateway

	a, err := gw.Authorize.Authorize(authorizeRequest(opHex(20), "10"))
	if err != nil || !a.Approved {
		t.Fatalf("authorize: %v %+v", err, a)
	}
	vreq := ValidateRequest{PolicyID: restrictedID, OpHash: opHex(20), Amount: "10", Payload: a.Payload}
	if _, err := gw.Validate.Validate(vreq); err != nil {
		t.Fatalf("validate: %v", err)
	}
	resp, err := gw.Validate.Validate(vreq)
	if !errors.Is(err, validator.ErrNullifierReused) || resp.Class != "suspected_attack" {
		t.Fatalf("expected replay rejection: %v %+v", err, resp)
	}

	next, err := gw.Authorize.Authorize(authorizeRequest(opHex(21), "10"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !slices.Contains(next.Decision.Flags, risk.FlagRecentFailures) || next.Decision.RiskScore != 10 {
		t.Fatalf("expected recent failure factor: %+v", next.Decision)
	}
}

func TestRejectionFeedbackSurvivesRestart(t *testing.T) {
	env := newTestGateway(t, "")

	a, err := env.gateway.Authorize.Authorize(authorizeRequest(opHex(22), "10"))
	if err != nil || !a.Approved {
		t.Fatalf("authorize: %v %+v", err, a)
	}
	vreq := ValidateRequest{PolicyID: restrictedID, OpHash: opHex(22), Amount: "10", Payload: a.Payload}
	if _, err := env.gateway.Validate.Validate(vreq); err != nil {
		t.Fatalf("validate: %v", err)
	}

	restarted, err := openTestGateway(t, env.store, env.clock, 0, "test", "")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := restarted.Validate.Validate(vreq); !errors.Is(err, validator.ErrNullifierReused) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	next, err := restarted.Authorize.Authorize(authorizeRequest(opHex(23), "10"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !slices.Contains(next.Decision.Flags, risk.FlagRecentFailures) {
		t.Fatalf("expected failure from earlier process to count: %+v", next.Decision)
	}
}

func TestGatewayRefusesConflictingKeyID(t *testing.T) {
	env := newTestGateway(t, "")

	if _, err := openTestGateway(t, env.store, env.clock, 0, "test", ""); err != nil {
		t.Fatalf("same key under same id: %v", err)
	}
	_, err := openTestGateway(t, env.store, env.clock, 1, "test", "")
	if !errors.Is(err, ledger.ErrKeyConflict) {
		t.Fatalf("expected ErrKeyConflict, got %v", err)
	}

	// Attestations issued under the original key still verify.
	a, err := env.gateway.Authorize.Authorize(authorizeRequest(opHex(24), "10"))
	if err != nil || !a.Approved {
		t.Fatalf("authorize: %v %+v", err, a)
	}
	if _, err := env.gateway.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: opHex(24), Amount: "10", Payload: a.Payload}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestIssuedAttestationOnlyCoversItsOperation(t *testing.T) {
	env := newTestGateway(t, "")
	gw := env.gateway

	a, err := gw.Authorize.Authorize(authorizeRequest(opHex(30), "10"))
	if err != nil || !a.Approved {
		t.Fatalf("authorize: %v %+v", err, a)
	}
	issued, err := payload.DecodeHex(a.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for i := byte(0); i < 3; i++ {
		op := opHex(100 + i)
		opHash, err := crypto.ParseHash(op)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		forged := issued
		forged.Epoch = a.Epoch + 1000 + uint64(i)
		forged.PolicyHash = crypto.PolicyHash(opHash, forged.Epoch)
		resp, err := gw.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: op, Amount: "1000", Payload: forged.Hex()})
		if !errors.Is(err, validator.ErrPolicyMismatch) || resp.Admitted || resp.Class != "suspected_attack" {
			t.Fatalf("op %d: expected PolicyMismatch, got %v %+v", 100+i, err, resp)
		}
		if status, _ := gw.EpochStatus(restrictedID, forged.Epoch); status.Spent != "0" {
			t.Fatalf("op %d: forged epoch recorded spend %s", 100+i, status.Spent)
		}
	}
}

func TestValidateMalformedPayload(t *testing.T) {
	env := newTestGateway(t, "")

	resp, err := env.gateway.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: opHex(1), Amount: "1", Payload: "not-hex"})
	if !errors.Is(err, validator.ErrMalformedPayload) || resp.Class != "fix_request" {
		t.Fatalf("expected malformed payload: %v %+v", err, resp)
	}
	resp, err = env.gateway.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: opHex(1), Amount: "1", Payload: "0x00"})
	if !errors.Is(err, validator.ErrMalformedPayload) || resp.State != "received" {
		t.Fatalf("expected malformed payload: %v %+v", err, resp)
	}
	if _, err := env.gateway.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: "0x1", Amount: "1", Payload: "0x00"}); !errors.Is(err, risk.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAdmissionQueuesOutboxEvent(t *testing.T) {
	env := newTestGateway(t, "sponsorgate.admissions")
	gw := env.gateway

	a, err := gw.Authorize.Authorize(authorizeRequest(opHex(30), "5"))
	if err != nil || !a.Approved {
		t.Fatalf("authorize: %v %+v", err, a)
	}
	adm, err := gw.Validate.Validate(ValidateRequest{PolicyID: restrictedID, OpHash: opHex(30), Amount: "5", Payload: a.Payload})
	if err != nil || adm.EventID == "" {
		t.Fatalf("validate: %v %+v", err, adm)
	}
	rec, ok := env.store.GetOutbox(adm.EventID)
	if !ok || rec.Topic != "sponsorgate.admissions" || rec.Key != restrictedID || rec.Status != "pending" {
		t.Fatalf("unexpected outbox record: ok=%v %+v", ok, rec)
	}
}

func TestAuditRecordVerification(t *testing.T) {
	env := newTestGateway(t, "")
	a, err := env.gateway.Authorize.Authorize(authorizeRequest(opHex(40), "5"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	rec, ok, err := env.gateway.Authorize.GetAuditRecord(a.AuditRecordID)
	if err != nil || !ok {
		t.Fatalf("get audit: ok=%v err=%v", ok, err)
	}
	if rec.Payload != a.Payload || rec.Attestation == nil || rec.Attestation.UID != a.Attestation.UID.Hex() {
		t.Fatalf("audit record does not match response: %+v", rec)
	}
	found, err := env.gateway.Authorize.VerifyAuditRecord(a.AuditRecordID)
	if !found || err != nil {
		t.Fatalf("verify: found=%v err=%v", found, err)
	}
	if found, _ := env.gateway.Authorize.VerifyAuditRecord("sha256:missing"); found {
		t.Fatalf("expected missing record")
	}
}
