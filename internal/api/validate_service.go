package api

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/outbox"
	"github.com/davidahmann/sponsorgate/internal/payload"
	"github.com/davidahmann/sponsorgate/internal/risk"
	"github.com/davidahmann/sponsorgate/internal/validator"
)

type ValidateRequest struct {
	PolicyID string `json:"policy_id"`
	OpHash   string `json:"op_hash"`
	Amount   string `json:"amount"`
	Payload  string `json:"payload"`
}

type ValidateResponse struct {
	Admitted       bool   `json:"admitted"`
	PolicyID       string `json:"policy_id"`
	Epoch          uint64 `json:"epoch,omitempty"`
	Nullifier      string `json:"nullifier,omitempty"`
	AttestationUID string `json:"attestation_uid,omitempty"`
	Spent          string `json:"spent,omitempty"`
	CapRemaining   string `json:"cap_remaining,omitempty"`
	EventID        string `json:"event_id,omitempty"`

	Reason    string `json:"reason,omitempty"`
	Class     string `json:"class,omitempty"`
	State     string `json:"state,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// FailureRecorder receives rejected attestation references.
type FailureRecorder interface {
	RecordRejection(uid common.Hash, at time.Time)
}

// ValidateService runs payloads through the validator on behalf of the
// executing ledger.
type ValidateService struct {
	validator   *validator.Validator
	store       ledger.Store
	failures    FailureRecorder
	outboxTopic string
	logger      *slog.Logger
	now         func() time.Time
}

// Validate returns the response body for both outcomes. A refusal is also
// returned as a *validator.Rejection error.
func (s *ValidateService) Validate(req ValidateRequest) (ValidateResponse, error) {
	opHash, err := crypto.ParseHash(req.OpHash)
	if err != nil {
		return ValidateResponse{}, &risk.ValidationError{Field: "op_hash", Reason: "must be a 0x-prefixed 32-byte hex string"}
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return ValidateResponse{}, &risk.ValidationError{Field: "amount", Reason: "must be a decimal integer"}
	}
	now := s.now()
	resp := ValidateResponse{PolicyID: req.PolicyID}

	raw, err := payload.ParseHex(req.Payload)
	if err != nil {
		rej := &validator.Rejection{Reason: validator.ReasonMalformedPayload, State: validator.StateReceived, Detail: err.Error()}
		return rejectionResponse(resp, rej), rej
	}

	adm, err := s.validator.Validate(validator.Operation{
		Hash:     opHash,
		PolicyID: req.PolicyID,
		Amount:   amount,
		Now:      now,
	}, raw)
	if rej, ok := validator.AsRejection(err); ok {
		if p, decodeErr := payload.Decode(raw); decodeErr == nil && s.failures != nil {
			s.failures.RecordRejection(p.AttestationRef, now)
		}
		return rejectionResponse(resp, rej), rej
	}
	if err != nil {
		return ValidateResponse{}, err
	}

	resp.Admitted = true
	resp.Epoch = adm.Epoch
	resp.Nullifier = adm.Nullifier.Hex()
	resp.AttestationUID = adm.AttestationUID.Hex()
	resp.Spent = adm.Spent.String()
	resp.CapRemaining = adm.CapRemaining.String()

	if s.outboxTopic != "" {
		rec, err := outbox.NewAdmissionRecord(adm, opHash, s.outboxTopic, now)
		if err != nil {
			return resp, fmt.Errorf("admission event: %w", err)
		}
		// The admission is committed; a lost event is logged, not undone.
		if err := s.store.PutOutbox(rec); err != nil {
			s.logger.Error("admission event not queued",
				"event", "outbox_enqueue_failed",
				"module", "api",
				"policy_id", adm.PolicyID,
				"nullifier", resp.Nullifier,
				"error", err.Error(),
			)
		} else {
			resp.EventID = rec.EventID
		}
	}
	return resp, nil
}

func rejectionResponse(resp ValidateResponse, rej *validator.Rejection) ValidateResponse {
	resp.Admitted = false
	resp.Reason = string(rej.Reason)
	resp.Class = string(rej.Class())
	resp.State = string(rej.State)
	resp.Detail = rej.Detail
	resp.Retryable = rej.Reason.Retryable()
	return resp
}
