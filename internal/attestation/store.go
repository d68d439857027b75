package attestation

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/internal/attest"
	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

var ErrUnknownKey = errors.New("attester key not registered")

// StoreService is a Service backed by the ledger store. Validity requires a
// registered key for the attester, a good signature and no revocation.
type StoreService struct {
	Store  ledger.Store
	Logger *slog.Logger
}

func NewStoreService(store ledger.Store) *StoreService {
	return &StoreService{Store: store}
}

// RegisterKey records the public key an attester signs with.
func (s *StoreService) RegisterKey(keyID string, pub ed25519.PublicKey) error {
	return s.Store.PutKey(KeyRecord(keyID, pub))
}

func (s *StoreService) Put(att types.Attestation) error {
	rec, err := Record(att)
	if err != nil {
		return err
	}
	return s.Store.PutAttestation(rec)
}

func (s *StoreService) Revoke(uid common.Hash, at time.Time) error {
	return s.Store.RevokeAttestation(uid.Hex(), at.Unix())
}

func (s *StoreService) Exists(uid common.Hash) (bool, error) {
	_, ok := s.Store.GetAttestation(uid.Hex())
	return ok, nil
}

func (s *StoreService) Get(uid common.Hash) (types.Attestation, error) {
	rec, ok := s.Store.GetAttestation(uid.Hex())
	if !ok {
		return types.Attestation{}, ErrNotFound
	}
	return FromRecord(rec)
}

func (s *StoreService) IsValid(uid common.Hash) (bool, error) {
	att, err := s.Get(uid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if att.RevocationTime != 0 {
		return false, nil
	}
	key, ok := s.Store.GetKey(att.KeyID)
	if !ok {
		s.logInvalid(uid, ErrUnknownKey)
		return false, nil
	}
	pub, err := crypto.ParsePublicKey(key.PublicKey)
	if err != nil {
		s.logInvalid(uid, err)
		return false, nil
	}
	if err := attest.VerifySignature(att, pub); err != nil {
		s.logInvalid(uid, err)
		return false, nil
	}
	return true, nil
}

func (s *StoreService) logInvalid(uid common.Hash, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("attestation failed verification",
		"event", "attestation_invalid",
		"module", "attestation",
		"uid", uid.Hex(),
		"error", err.Error(),
	)
}

// KeyRecord builds the ledger row for an attester key.
func KeyRecord(keyID string, pub ed25519.PublicKey) ledger.KeyRecord {
	return ledger.KeyRecord{
		KeyID:     keyID,
		Attester:  strings.ToLower(crypto.AttesterAddress(pub).Hex()),
		PublicKey: append([]byte(nil), pub...),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Record converts an attestation to its ledger row. BodyJSON is the
// canonical signing view.
func Record(att types.Attestation) (ledger.AttestationRecord, error) {
	body, err := crypto.Canonicalize(attest.SigningView(att))
	if err != nil {
		return ledger.AttestationRecord{}, err
	}
	return ledger.AttestationRecord{
		UID:        att.UID.Hex(),
		Schema:     att.Schema.Hex(),
		Attester:   strings.ToLower(att.Attester.Hex()),
		Recipient:  strings.ToLower(att.Recipient.Hex()),
		KeyID:      att.KeyID,
		IssuedAt:   int64(att.Time),
		ExpiresAt:  int64(att.ExpirationTime),
		RevokedAt:  int64(att.RevocationTime),
		PolicyHash: att.PolicyHash.Hex(),
		Epoch:      att.Epoch,
		DataHash:   att.DataHash.Hex(),
		BodyJSON:   body,
		Sig:        att.Signature,
	}, nil
}

func FromRecord(rec ledger.AttestationRecord) (types.Attestation, error) {
	uid, err := crypto.ParseHash(rec.UID)
	if err != nil {
		return types.Attestation{}, fmt.Errorf("uid: %w", err)
	}
	schema, err := crypto.ParseHash(rec.Schema)
	if err != nil {
		return types.Attestation{}, fmt.Errorf("schema: %w", err)
	}
	dataHash, err := crypto.ParseHash(rec.DataHash)
	if err != nil {
		return types.Attestation{}, fmt.Errorf("data hash: %w", err)
	}
	if !common.IsHexAddress(rec.Attester) {
		return types.Attestation{}, fmt.Errorf("attester: invalid address %q", rec.Attester)
	}
	// Rows written before the binding columns existed carry empty values
	// and decode to zero, which never matches a payload.
	var policyHash common.Hash
	if rec.PolicyHash != "" {
		if policyHash, err = crypto.ParseHash(rec.PolicyHash); err != nil {
			return types.Attestation{}, fmt.Errorf("policy hash: %w", err)
		}
	}
	var recipient common.Address
	if rec.Recipient != "" {
		if !common.IsHexAddress(rec.Recipient) {
			return types.Attestation{}, fmt.Errorf("recipient: invalid address %q", rec.Recipient)
		}
		recipient = common.HexToAddress(rec.Recipient)
	}
	return types.Attestation{
		UID:            uid,
		Schema:         schema,
		Attester:       common.HexToAddress(rec.Attester),
		Recipient:      recipient,
		Time:           uint64(rec.IssuedAt),
		ExpirationTime: uint64(rec.ExpiresAt),
		RevocationTime: uint64(rec.RevokedAt),
		PolicyHash:     policyHash,
		Epoch:          rec.Epoch,
		DataHash:       dataHash,
		KeyID:          rec.KeyID,
		Signature:      rec.Sig,
	}, nil
}
