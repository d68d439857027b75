package api

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/internal/attest"
	"github.com/davidahmann/sponsorgate/internal/attestation"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/policy"
	"github.com/davidahmann/sponsorgate/internal/risk"
	"github.com/davidahmann/sponsorgate/internal/validator"
)

// Signer is the gateway's attester key.
type Signer interface {
	attest.Signer
	PublicKey() ed25519.PublicKey
}

type GatewayInput struct {
	Bundle *policy.Bundle
	Store  ledger.Store
	// Ledger holds spends and nullifiers; nil uses Store.
	Ledger ledger.EpochLedger
	Signer Signer

	AttestationTTL time.Duration
	// Trusted attesters; empty trusts only Signer.
	Trusted   []common.Address
	Authority *common.Address

	Risk        risk.Config
	HistorySize int
	// IdemCapacity bounds cached authorize responses; zero uses
	// DefaultIdemCapacity.
	IdemCapacity int

	// OutboxTopic enables admission events when non-empty.
	OutboxTopic string

	Logger *slog.Logger
	Now    func() time.Time
}

// Gateway wires the authorize and validate services over shared state.
type Gateway struct {
	Authorize *AuthorizeService
	Validate  *ValidateService

	Bundle    *policy.Bundle
	Store     ledger.Store
	Ledger    ledger.EpochLedger
	PublicKey ed25519.PublicKey
}

func NewGateway(in GatewayInput) (*Gateway, error) {
	if in.Bundle == nil {
		return nil, fmt.Errorf("missing policy bundle")
	}
	if in.Store == nil {
		return nil, fmt.Errorf("missing store")
	}
	if in.Signer == nil {
		return nil, fmt.Errorf("missing signer")
	}
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := in.Now
	if now == nil {
		now = time.Now
	}
	epochLedger := in.Ledger
	if epochLedger == nil {
		epochLedger = in.Store
	}

	if err := in.Store.PutKey(attestation.KeyRecord(in.Signer.KeyID(), in.Signer.PublicKey())); err != nil {
		return nil, fmt.Errorf("register signing key: %w", err)
	}
	if err := in.Store.PutPolicyVersion(ledger.PolicyVersionRecord{
		PolicyHash:    in.Bundle.Hash,
		PolicyID:      strings.Join(in.Bundle.PolicyIDs(), ","),
		PolicyVersion: in.Bundle.Document.Version,
		PolicyYAML:    string(in.Bundle.Bytes),
		CreatedAt:     now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("register policy version: %w", err)
	}

	riskCfg := in.Risk
	if len(riskCfg.KnownAssets) == 0 {
		riskCfg.KnownAssets = in.Bundle.Document.KnownAssets
	}
	history := risk.NewHistory(in.HistorySize)
	registry := risk.NewStaticRegistry(in.Bundle.Document.Merchants)
	evaluators := make(map[string]*risk.Evaluator, len(in.Bundle.Document.Policies))
	for _, id := range in.Bundle.PolicyIDs() {
		pol, _ := in.Bundle.Lookup(id)
		ev := risk.NewEvaluator(pol, registry, history, riskCfg)
		ev.Logger = logger
		ev.Now = now
		evaluators[id] = ev
	}

	builder := attest.NewBuilder(in.Signer, in.AttestationTTL)
	builder.Now = now
	builder.Logger = logger

	trusted := in.Trusted
	if len(trusted) == 0 {
		trusted = []common.Address{in.Signer.Address()}
	}
	atts := attestation.NewStoreService(in.Store)
	atts.Logger = logger

	authority := common.Address{}
	if in.Authority != nil {
		authority = *in.Authority
	}

	authorize := &AuthorizeService{
		bundle:     in.Bundle,
		store:      in.Store,
		ledger:     epochLedger,
		evaluators: evaluators,
		history:    history,
		builder:    builder,
		signer:     in.Signer,
		authority:  authority,
		idem:       NewInMemoryIdemStore(in.IdemCapacity),
		logger:     logger,
		now:        now,
	}
	validate := &ValidateService{
		validator: validator.New(validator.Config{
			Policies:     in.Bundle,
			Ledger:       epochLedger,
			Attestations: atts,
			Schema:       builder.Schema,
			Trusted:      trusted,
			Authority:    in.Authority,
			Logger:       logger,
		}),
		store:       in.Store,
		failures:    authorize,
		outboxTopic: in.OutboxTopic,
		logger:      logger,
		now:         now,
	}

	return &Gateway{
		Authorize: authorize,
		Validate:  validate,
		Bundle:    in.Bundle,
		Store:     in.Store,
		Ledger:    epochLedger,
		PublicKey: in.Signer.PublicKey(),
	}, nil
}

type EpochStatus struct {
	PolicyID  string `json:"policy_id"`
	Epoch     uint64 `json:"epoch"`
	Cap       string `json:"cap"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
	Current   bool   `json:"current"`
}

// EpochStatus reports cap usage for one (policy, epoch).
func (g *Gateway) EpochStatus(policyID string, epoch uint64) (EpochStatus, error) {
	pol, ok := g.Bundle.Lookup(policyID)
	if !ok {
		return EpochStatus{}, ErrUnknownPolicy
	}
	spent, err := ledger.Spent(g.Ledger, policyID, epoch)
	if err != nil {
		return EpochStatus{}, err
	}
	capValue := pol.CapAmount()
	remaining := new(big.Int).Sub(capValue, spent)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return EpochStatus{
		PolicyID:  policyID,
		Epoch:     epoch,
		Cap:       capValue.String(),
		Spent:     spent.String(),
		Remaining: remaining.String(),
		Current:   epoch == pol.CurrentEpoch(g.Authorize.now()),
	}, nil
}
