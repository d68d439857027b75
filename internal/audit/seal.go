package audit

import (
	"crypto/ed25519"
	"errors"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

var (
	ErrDigestMismatch = errors.New("audit record digest mismatch")
	ErrSignature      = errors.New("audit record signature invalid")
)

type Signer interface {
	KeyID() string
	SignEd25519(digest []byte) ([]byte, error)
}

// Seal signs the canonical body of rec and returns the stored form.
func Seal(rec types.AuditRecord, signer Signer) (ledger.AuditRecord, error) {
	body, err := CanonicalBody(rec)
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	sum := crypto.DigestOf(body)
	digest := sum.String()
	if rec.RecordID != "" && rec.RecordID != digest {
		return ledger.AuditRecord{}, ErrDigestMismatch
	}
	sig, err := signer.SignEd25519(sum.Bytes())
	if err != nil {
		return ledger.AuditRecord{}, err
	}
	return ledger.AuditRecord{
		RecordID:   digest,
		PolicyID:   rec.Policy.PolicyID,
		Approved:   rec.Decision.Approved,
		BodyJSON:   body,
		BodyDigest: digest,
		KeyID:      signer.KeyID(),
		Sig:        sig,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// Verify checks digest consistency and the signature of a stored record.
func Verify(stored ledger.AuditRecord, publicKey ed25519.PublicKey) error {
	sum := crypto.DigestOf(stored.BodyJSON)
	if digest := sum.String(); stored.BodyDigest != digest || stored.RecordID != digest {
		return ErrDigestMismatch
	}
	err := crypto.VerifyDigest(publicKey, sum.Bytes(), stored.Sig)
	if errors.Is(err, crypto.ErrBadSignature) {
		return ErrSignature
	}
	return err
}
