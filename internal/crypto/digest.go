package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

const digestPrefix = "sha256:"

// Digest is the sha256 of a canonical body. Audit records, policy documents
// and idempotency keys are addressed by its prefixed String form; signatures
// cover the raw Bytes.
type Digest [sha256.Size]byte

func DigestOf(data []byte) Digest {
	return sha256.Sum256(data)
}

func (d Digest) Bytes() []byte {
	return d[:]
}

func (d Digest) String() string {
	return digestPrefix + hex.EncodeToString(d[:])
}

// VerifyDigest checks sig over a sha256 digest under pub.
func VerifyDigest(pub ed25519.PublicKey, digest, sig []byte) error {
	if len(digest) != sha256.Size {
		return ErrInvalidDigestLen
	}
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	if !ed25519.Verify(pub, digest, sig) {
		return ErrBadSignature
	}
	return nil
}
