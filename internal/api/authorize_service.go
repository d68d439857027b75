package api

import (
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/davidahmann/sponsorgate/internal/attest"
	"github.com/davidahmann/sponsorgate/internal/attestation"
	"github.com/davidahmann/sponsorgate/internal/audit"
	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/payload"
	"github.com/davidahmann/sponsorgate/internal/policy"
	"github.com/davidahmann/sponsorgate/internal/risk"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

var ErrUnknownPolicy = errors.New("unknown policy")

type AuthorizeRequest struct {
	PolicyID    string            `json:"policy_id"`
	OpHash      string            `json:"op_hash"`
	Epoch       *uint64           `json:"epoch,omitempty"`
	Merchant    string            `json:"merchant"`
	Asset       string            `json:"asset"`
	Amount      string            `json:"amount"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ModelID     string            `json:"model_id"`
	Intent      string            `json:"intent"`
	Plan        string            `json:"plan"`
}

type AuthorizeResponse struct {
	Approved      bool                   `json:"approved"`
	PolicyID      string                 `json:"policy_id"`
	Epoch         uint64                 `json:"epoch"`
	Decision      types.RiskDecision     `json:"decision"`
	Validation    types.PolicyValidation `json:"validation"`
	Attestation   *types.Attestation     `json:"attestation,omitempty"`
	PolicyHash    string                 `json:"policy_hash,omitempty"`
	Payload       string                 `json:"payload,omitempty"`
	AuditRecordID string                 `json:"audit_record_id"`
}

// AuthorizeService scores requests and, for approved ones, issues the
// attestation and payload the executing ledger submits for validation.
type AuthorizeService struct {
	bundle     *policy.Bundle
	store      ledger.Store
	ledger     ledger.EpochLedger
	evaluators map[string]*risk.Evaluator
	history    *risk.History
	builder    *attest.Builder
	signer     Signer
	authority  common.Address
	idem       *InMemoryIdemStore
	logger     *slog.Logger
	now        func() time.Time
}

func (s *AuthorizeService) Authorize(req AuthorizeRequest) (AuthorizeResponse, error) {
	pol, ok := s.bundle.Lookup(req.PolicyID)
	if !ok {
		return AuthorizeResponse{}, ErrUnknownPolicy
	}
	opHash, err := crypto.ParseHash(req.OpHash)
	if err != nil {
		return AuthorizeResponse{}, &risk.ValidationError{Field: "op_hash", Reason: "must be a 0x-prefixed 32-byte hex string"}
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return AuthorizeResponse{}, &risk.ValidationError{Field: "amount", Reason: "must be a decimal integer"}
	}

	now := s.now()
	epoch := pol.CurrentEpoch(now)
	if req.Epoch != nil {
		epoch = *req.Epoch
	}

	idemKey, err := computeIdemKey(req, opHash, epoch)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	if rec, ok := s.idem.Get(idemKey); ok && DetermineNextAction(&rec) == ActionReturnCached {
		return rec.Response, nil
	}

	payment := types.PaymentRequest{
		Merchant:    req.Merchant,
		Asset:       req.Asset,
		Amount:      amount,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	decision, err := s.evaluators[pol.PolicyID].Evaluate(payment, epoch)
	if err != nil {
		return AuthorizeResponse{}, err
	}

	spent, err := ledger.Spent(s.ledger, pol.PolicyID, epoch)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	compliance := policy.Check(pol, policy.CheckInput{
		Merchant: req.Merchant,
		Asset:    req.Asset,
		Amount:   amount,
		Epoch:    epoch,
		Spent:    spent,
		Now:      now,
	})
	if len(compliance.Violations) > 0 {
		s.history.RecordFailure(req.Merchant, now)
		if decision.Approved {
			decision = refuseForViolations(decision, compliance.Violations)
		}
	}

	resp := AuthorizeResponse{
		PolicyID:   pol.PolicyID,
		Epoch:      epoch,
		Decision:   decision,
		Validation: compliance.Export(),
	}
	buildIn := audit.BuildInput{
		CreatedAt:     now,
		Policy:        pol,
		PolicyDocHash: s.bundle.Hash,
		OperationHash: opHash,
		Epoch:         epoch,
		Request:       payment,
		Decision:      decision,
		Validation:    compliance,
	}

	var attRecord *ledger.AttestationRecord
	if decision.Approved {
		att, policyHash, err := s.builder.Attest(decision, payment, opHash, epoch, req.ModelID, req.Intent, req.Plan)
		if err != nil {
			s.idem.Put(IdemRecord{IdemKey: idemKey, Status: IdemErrored})
			return AuthorizeResponse{}, err
		}
		raw := payload.Payload{
			TargetAuthority: s.authority,
			AttestationRef:  att.UID,
			PolicyHash:      policyHash,
			Epoch:           epoch,
		}.Encode()
		rec, err := attestation.Record(att)
		if err != nil {
			return AuthorizeResponse{}, err
		}
		attRecord = &rec

		resp.Approved = true
		resp.Attestation = &att
		resp.PolicyHash = policyHash.Hex()
		resp.Payload = hexutil.Encode(raw)
		buildIn.Attestation = &att
		buildIn.PolicyHash = &policyHash
		buildIn.Payload = raw
	}

	record, err := audit.Build(buildIn)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	sealed, err := audit.Seal(record, s.signer)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	err = s.store.WithTx(func(tx ledger.Tx) error {
		if attRecord != nil {
			if err := tx.PutAttestation(*attRecord); err != nil {
				return err
			}
		}
		return tx.PutAuditRecord(sealed)
	})
	if err != nil {
		s.idem.Put(IdemRecord{IdemKey: idemKey, Status: IdemErrored})
		return AuthorizeResponse{}, err
	}
	resp.AuditRecordID = sealed.RecordID

	s.idem.Put(IdemRecord{IdemKey: idemKey, Status: StatusFromDecision(resp.Approved), Response: resp})

	s.logger.Info("authorization decided",
		"event", "authorization_decided",
		"module", "api",
		"policy_id", pol.PolicyID,
		"epoch", epoch,
		"approved", resp.Approved,
		"risk_score", decision.RiskScore,
		"audit_record_id", sealed.RecordID,
	)
	return resp, nil
}

// RecordRejection feeds a validator rejection back into the failed-attempt
// factor of the merchant the attestation was issued for. The merchant is the
// stored attestation's recipient, so rejections of attestations issued by an
// earlier process still count.
func (s *AuthorizeService) RecordRejection(uid common.Hash, at time.Time) {
	rec, ok := s.store.GetAttestation(uid.Hex())
	if !ok || rec.Recipient == "" {
		return
	}
	s.history.RecordFailure(rec.Recipient, at)
}

// GetAuditRecord returns a stored audit record in export form.
func (s *AuthorizeService) GetAuditRecord(recordID string) (types.AuditRecord, bool, error) {
	stored, ok := s.store.GetAuditRecord(recordID)
	if !ok {
		return types.AuditRecord{}, false, nil
	}
	rec, err := audit.Decode(stored.RecordID, stored.BodyJSON)
	if err != nil {
		return types.AuditRecord{}, true, err
	}
	return rec, true, nil
}

// VerifyAuditRecord checks the seal of a stored record against the key it
// names.
func (s *AuthorizeService) VerifyAuditRecord(recordID string) (bool, error) {
	stored, ok := s.store.GetAuditRecord(recordID)
	if !ok {
		return false, nil
	}
	key, ok := s.store.GetKey(stored.KeyID)
	if !ok {
		return true, attestation.ErrUnknownKey
	}
	pub, err := crypto.ParsePublicKey(key.PublicKey)
	if err != nil {
		return true, err
	}
	return true, audit.Verify(stored, pub)
}

func refuseForViolations(d types.RiskDecision, violations []string) types.RiskDecision {
	d.Approved = false
	d.Reason = "policy violation: " + strings.Join(violations, ", ")
	d.SuggestedAction = types.ActionBlock
	flags := make([]string, 0, len(d.Flags)+len(violations))
	for _, f := range d.Flags {
		if f != types.FlagRequiresMonitoring {
			flags = append(flags, f)
		}
	}
	d.Flags = append(flags, violations...)
	return d
}

func computeIdemKey(req AuthorizeRequest, opHash common.Hash, epoch uint64) (string, error) {
	body := map[string]any{
		"policy_id":   req.PolicyID,
		"op_hash":     opHash,
		"epoch":       epoch,
		"merchant":    strings.ToLower(req.Merchant),
		"asset":       strings.ToLower(req.Asset),
		"amount":      strings.TrimSpace(req.Amount),
		"description": req.Description,
		"metadata":    req.Metadata,
		"model_id":    req.ModelID,
		"intent":      req.Intent,
		"plan":        req.Plan,
	}
	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return "", err
	}
	return crypto.DigestOf(canonical).String(), nil
}
