package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadKeySigner reads an attester key file and wraps it in a KeySigner.
func LoadKeySigner(keyID, path string) (*KeySigner, error) {
	priv, _, err := LoadEd25519PrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load attester key %s: %w", keyID, err)
	}
	return NewKeySigner(keyID, priv), nil
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a file holding a
// 64-byte private key or a 32-byte seed, either raw or encoded. Encoded
// forms may carry a "hex:" or "base64:" prefix.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := decodeKeyBytes(raw)
	if err != nil {
		return nil, nil, err
	}

	switch len(data) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(data)
		return priv, priv.Public().(ed25519.PublicKey), nil
	case ed25519.SeedSize:
		return KeyPairFromSeed(data)
	default:
		return nil, nil, fmt.Errorf("unsupported private key length: %d", len(data))
	}
}

func decodeKeyBytes(raw []byte) ([]byte, error) {
	trim := strings.TrimSpace(string(raw))
	if trim == "" {
		return nil, fmt.Errorf("empty key file")
	}
	switch {
	case strings.HasPrefix(trim, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(trim, "base64:"))
	case strings.HasPrefix(trim, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(trim, "hex:"))
	case strings.HasPrefix(trim, "0x"):
		return hex.DecodeString(strings.TrimPrefix(trim, "0x"))
	}

	// binary key files
	if len(raw) == ed25519.PrivateKeySize || len(raw) == ed25519.SeedSize {
		return raw, nil
	}

	if out, err := hex.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.RawURLEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
