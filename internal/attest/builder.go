package attest

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/risk"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

// SchemaName identifies the attestation layout produced by this package.
const SchemaName = "sponsorgate.compliance.v1"

const DefaultTTL = time.Hour

var (
	ErrNotApproved      = errors.New("risk decision not approved")
	ErrMissingSigner    = errors.New("attestation signer not configured")
	ErrSignatureInvalid = errors.New("attestation signature invalid")
)

// Signer is the key an attestation is issued under.
type Signer interface {
	KeyID() string
	Address() common.Address
	SignEd25519(digest []byte) ([]byte, error)
}

// Builder issues signed attestations for approved decisions. It keeps no
// state between calls.
type Builder struct {
	Schema common.Hash
	Signer Signer
	// TTL is the validity window from issuance; zero issues attestations
	// that never expire.
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func NewBuilder(signer Signer, ttl time.Duration) *Builder {
	return &Builder{
		Schema: crypto.SchemaID(SchemaName),
		Signer: signer,
		TTL:    ttl,
	}
}

// Attest binds an approved decision to (opHash, epoch) and signs the result.
// It returns the attestation and the policy hash the payload must carry.
func (b *Builder) Attest(decision types.RiskDecision, req types.PaymentRequest, opHash common.Hash, epoch uint64, modelID, intent, plan string) (types.Attestation, common.Hash, error) {
	if !decision.Approved {
		return types.Attestation{}, common.Hash{}, fmt.Errorf("%w: %s", ErrNotApproved, decision.Reason)
	}
	if err := risk.ValidateRequest(req); err != nil {
		return types.Attestation{}, common.Hash{}, err
	}
	if b.Signer == nil {
		return types.Attestation{}, common.Hash{}, ErrMissingSigner
	}

	issuedAt := uint64(b.now().Unix())
	policyHash := crypto.PolicyHash(opHash, epoch)
	dataHash := crypto.DataHash(modelID, intent, plan, opHash, policyHash, epoch)
	attester := b.Signer.Address()

	att := types.Attestation{
		UID:        crypto.AttestationUID(b.Schema, attester, dataHash, issuedAt),
		Schema:     b.Schema,
		Attester:   attester,
		Recipient:  common.HexToAddress(req.Merchant),
		Time:       issuedAt,
		PolicyHash: policyHash,
		Epoch:      epoch,
		DataHash:   dataHash,
		KeyID:      b.Signer.KeyID(),
	}
	if b.TTL > 0 {
		att.ExpirationTime = issuedAt + uint64(b.TTL/time.Second)
	}

	digest, err := SigningDigest(att)
	if err != nil {
		return types.Attestation{}, common.Hash{}, err
	}
	sig, err := b.Signer.SignEd25519(digest)
	if err != nil {
		return types.Attestation{}, common.Hash{}, err
	}
	att.Signature = sig

	resolveLogger(b.Logger).Info("attestation issued",
		"event", "attestation_issued",
		"module", "attest",
		"uid", att.UID.Hex(),
		"epoch", epoch,
		"expires_at", att.ExpirationTime,
	)
	return att, policyHash, nil
}

// SigningView is the canonical body an attestation signature covers.
// Revocation and the signature itself are excluded.
func SigningView(att types.Attestation) map[string]any {
	return map[string]any{
		"uid":             att.UID,
		"schema":          att.Schema,
		"attester":        att.Attester,
		"recipient":       att.Recipient,
		"time":            att.Time,
		"expiration_time": att.ExpirationTime,
		"policy_hash":     att.PolicyHash,
		"epoch":           att.Epoch,
		"data_hash":       att.DataHash,
		"key_id":          att.KeyID,
	}
}

// SigningDigest is the sha256 of the canonical signing view.
func SigningDigest(att types.Attestation) ([]byte, error) {
	body, err := crypto.Canonicalize(SigningView(att))
	if err != nil {
		return nil, err
	}
	return crypto.DigestOf(body).Bytes(), nil
}

// VerifySignature checks att against pub and that pub belongs to the
// attester named in att.
func VerifySignature(att types.Attestation, pub ed25519.PublicKey) error {
	if crypto.AttesterAddress(pub) != att.Attester {
		return fmt.Errorf("%w: key does not belong to attester", ErrSignatureInvalid)
	}
	digest, err := SigningDigest(att)
	if err != nil {
		return err
	}
	err = crypto.VerifyDigest(pub, digest, att.Signature)
	if errors.Is(err, crypto.ErrBadSignature) {
		return ErrSignatureInvalid
	}
	return err
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
