package validator

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/internal/attestation"
	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/payload"
	"github.com/davidahmann/sponsorgate/internal/policy"
)

type State string

const (
	StateReceived           State = "received"
	StateDecoded            State = "decoded"
	StateAttestationChecked State = "attestation_checked"
	StatePolicyBound        State = "policy_bound"
	StateNullifierChecked   State = "nullifier_checked"
	StateCapChecked         State = "cap_checked"
	StateCommitted          State = "committed"
	StateRejected           State = "rejected"
)

// PolicySource resolves policy ids. *policy.Bundle satisfies it.
type PolicySource interface {
	Lookup(policyID string) (policy.Policy, bool)
}

// Operation is what the executing ledger knows about the operation being
// authorized.
type Operation struct {
	Hash     common.Hash
	PolicyID string
	Amount   *big.Int
	Now      time.Time
}

// Admission describes a committed authorization.
type Admission struct {
	PolicyID       string
	Epoch          uint64
	Nullifier      common.Hash
	AttestationUID common.Hash
	Attester       common.Address
	Amount         *big.Int
	Spent          *big.Int
	CapRemaining   *big.Int
	State          State
}

type Config struct {
	Policies     PolicySource
	Ledger       ledger.EpochLedger
	Attestations attestation.Service
	Schema       common.Hash
	Trusted      []common.Address
	// Authority, when set, must equal the payload routing prefix.
	Authority *common.Address
	Logger    *slog.Logger
}

// Validator admits or rejects authorization payloads. A rejected payload
// leaves the ledger untouched.
type Validator struct {
	policies     PolicySource
	ledger       ledger.EpochLedger
	attestations attestation.Service
	schema       common.Hash
	trusted      map[common.Address]struct{}
	authority    *common.Address
	logger       *slog.Logger
}

func New(cfg Config) *Validator {
	trusted := make(map[common.Address]struct{}, len(cfg.Trusted))
	for _, a := range cfg.Trusted {
		trusted[a] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		policies:     cfg.Policies,
		ledger:       cfg.Ledger,
		attestations: cfg.Attestations,
		schema:       cfg.Schema,
		trusted:      trusted,
		authority:    cfg.Authority,
		logger:       logger,
	}
}

// Validate walks raw through every check and, when all pass, records the
// nullifier and spend in one ledger transaction. Refusals are returned as
// *Rejection; any other error comes from the ledger or attestation service.
func (v *Validator) Validate(op Operation, raw []byte) (Admission, error) {
	now := op.Now
	if now.IsZero() {
		now = time.Now()
	}
	state := StateReceived
	reject := func(reason Reason, detail string) (Admission, error) {
		return Admission{State: StateRejected}, v.rejected(op, &Rejection{Reason: reason, State: state, Detail: detail})
	}

	p, err := payload.Decode(raw)
	if err != nil {
		return reject(ReasonMalformedPayload, err.Error())
	}
	if v.authority != nil && p.TargetAuthority != *v.authority {
		return reject(ReasonMalformedPayload, "routing prefix does not name this authority")
	}
	state = StateDecoded

	if op.Amount == nil || op.Amount.Sign() <= 0 {
		return reject(ReasonMalformedPayload, "operation amount must be greater than zero")
	}
	pol, ok := v.policies.Lookup(op.PolicyID)
	if !ok {
		return reject(ReasonPolicyViolation, fmt.Sprintf("unknown policy %q", op.PolicyID))
	}

	exists, err := v.attestations.Exists(p.AttestationRef)
	if err != nil {
		return Admission{}, fmt.Errorf("attestation lookup: %w", err)
	}
	if !exists {
		return reject(ReasonInvalidAttestation, "unknown attestation")
	}
	att, err := v.attestations.Get(p.AttestationRef)
	if errors.Is(err, attestation.ErrNotFound) {
		return reject(ReasonInvalidAttestation, "unknown attestation")
	}
	if err != nil {
		return Admission{}, fmt.Errorf("attestation lookup: %w", err)
	}
	if att.Schema != v.schema {
		return reject(ReasonInvalidAttestation, "schema mismatch")
	}
	valid, err := v.attestations.IsValid(p.AttestationRef)
	if err != nil {
		return Admission{}, fmt.Errorf("attestation lookup: %w", err)
	}
	if !valid {
		return reject(ReasonInvalidAttestation, "revoked or unverifiable")
	}
	if att.ExpirationTime != 0 && att.ExpirationTime < unixSeconds(now) {
		return reject(ReasonExpiredAttestation, fmt.Sprintf("expired at %d", att.ExpirationTime))
	}
	if _, ok := v.trusted[att.Attester]; !ok {
		return reject(ReasonAttesterNotWhitelisted, strings.ToLower(att.Attester.Hex()))
	}
	state = StateAttestationChecked

	if crypto.PolicyHash(op.Hash, p.Epoch) != p.PolicyHash {
		return reject(ReasonPolicyMismatch, "policy hash does not match operation and epoch")
	}
	if att.PolicyHash != p.PolicyHash || att.Epoch != p.Epoch {
		return reject(ReasonPolicyMismatch, "attestation was issued for a different operation or epoch")
	}
	if !pol.EpochValid(p.Epoch, now) {
		return reject(ReasonPolicyViolation, fmt.Sprintf("epoch %d outside window around %d", p.Epoch, pol.CurrentEpoch(now)))
	}
	state = StatePolicyBound

	nullifier := crypto.Nullifier(op.Hash, p.Epoch)
	capValue := pol.CapAmount()
	var total *big.Int

	err = v.ledger.WithEpochTx(func(tx ledger.EpochTx) error {
		used, err := tx.IsNullifierUsed(nullifier.Hex())
		if err != nil {
			return err
		}
		if used {
			return &Rejection{Reason: ReasonNullifierReused, State: state}
		}
		state = StateNullifierChecked

		rec, found, err := tx.GetSpend(op.PolicyID, p.Epoch)
		if err != nil {
			return err
		}
		spent := new(big.Int)
		if found {
			if spent, err = ledger.ParseAmount(rec.Spent); err != nil {
				return err
			}
		}
		if after := new(big.Int).Add(spent, op.Amount); after.Cmp(capValue) > 0 {
			return &Rejection{
				Reason: ReasonCapExceeded,
				State:  state,
				Detail: fmt.Sprintf("spent %s + amount %s > cap %s", spent, op.Amount, capValue),
			}
		}
		state = StateCapChecked

		stamp := now.UTC().Format(time.RFC3339)
		err = ledger.MarkNullifierUsed(tx, ledger.NullifierRecord{
			Nullifier:      nullifier.Hex(),
			PolicyID:       op.PolicyID,
			Epoch:          p.Epoch,
			OperationHash:  op.Hash.Hex(),
			AttestationUID: p.AttestationRef.Hex(),
			Amount:         op.Amount.String(),
			CreatedAt:      stamp,
		})
		if errors.Is(err, ledger.ErrNullifierUsed) {
			return &Rejection{Reason: ReasonNullifierReused, State: StateNullifierChecked}
		}
		if err != nil {
			return err
		}
		total, err = ledger.RecordSpend(tx, op.PolicyID, p.Epoch, op.Amount, stamp)
		return err
	})
	if rej, ok := AsRejection(err); ok {
		return Admission{State: StateRejected}, v.rejected(op, rej)
	}
	if err != nil {
		return Admission{}, fmt.Errorf("epoch ledger: %w", err)
	}

	remaining := new(big.Int).Sub(capValue, total)
	v.logger.Info("authorization admitted",
		"event", "authorization_admitted",
		"module", "validator",
		"policy_id", op.PolicyID,
		"epoch", p.Epoch,
		"nullifier", nullifier.Hex(),
		"amount", op.Amount.String(),
		"cap_remaining", remaining.String(),
	)
	return Admission{
		PolicyID:       op.PolicyID,
		Epoch:          p.Epoch,
		Nullifier:      nullifier,
		AttestationUID: p.AttestationRef,
		Attester:       att.Attester,
		Amount:         new(big.Int).Set(op.Amount),
		Spent:          total,
		CapRemaining:   remaining,
		State:          StateCommitted,
	}, nil
}

func (v *Validator) rejected(op Operation, rej *Rejection) error {
	attrs := []any{
		"event", "authorization_rejected",
		"module", "validator",
		"policy_id", op.PolicyID,
		"op_hash", op.Hash.Hex(),
		"reason", string(rej.Reason),
		"class", string(rej.Class()),
		"state", string(rej.State),
	}
	if rej.Detail != "" {
		attrs = append(attrs, "detail", rej.Detail)
	}
	if rej.Class() == ClassSuspectedAttack {
		v.logger.Warn("authorization rejected", append(attrs, "security_event", true)...)
	} else {
		v.logger.Info("authorization rejected", attrs...)
	}
	return rej
}

func unixSeconds(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}
