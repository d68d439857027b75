package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common"
)

// KeySigner signs sha256 digests with an in-process ed25519 key.
type KeySigner struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

func NewKeySigner(keyID string, priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{
		keyID: keyID,
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
	}
}

func (s *KeySigner) KeyID() string {
	return s.keyID
}

func (s *KeySigner) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Address is the attester identity derived from the public key.
func (s *KeySigner) Address() common.Address {
	return AttesterAddress(s.pub)
}

// SignEd25519 signs a sha256 digest.
func (s *KeySigner) SignEd25519(digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigestLen
	}
	return ed25519.Sign(s.priv, digest), nil
}
