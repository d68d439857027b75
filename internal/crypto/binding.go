package crypto

import (
	"crypto/ed25519"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// nullifierTag separates nullifier preimages from policy hash preimages,
// which otherwise share the (operation hash, epoch) input.
const nullifierTag = "sponsorgate.nullifier.v1"

// EpochWord encodes an epoch as a 32-byte big-endian unsigned word.
func EpochWord(epoch uint64) []byte {
	return math.U256Bytes(new(big.Int).SetUint64(epoch))
}

// PolicyHash binds an operation to an epoch:
// keccak256(opHash || uint256_be(epoch)).
func PolicyHash(opHash common.Hash, epoch uint64) common.Hash {
	return ethcrypto.Keccak256Hash(opHash.Bytes(), EpochWord(epoch))
}

// Nullifier is the single-use marker recorded when an operation is admitted
// for an epoch.
func Nullifier(opHash common.Hash, epoch uint64) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(nullifierTag), opHash.Bytes(), EpochWord(epoch))
}

// DataHash commits an attestation to the decision inputs and the binding.
func DataHash(modelID, intent, plan string, opHash, policyHash common.Hash, epoch uint64) common.Hash {
	return ethcrypto.Keccak256Hash(
		ethcrypto.Keccak256([]byte(modelID)),
		ethcrypto.Keccak256([]byte(intent)),
		ethcrypto.Keccak256([]byte(plan)),
		opHash.Bytes(),
		policyHash.Bytes(),
		EpochWord(epoch),
	)
}

// AttestationUID derives the attestation reference carried in payloads.
func AttestationUID(schema common.Hash, attester common.Address, dataHash common.Hash, issuedAt uint64) common.Hash {
	return ethcrypto.Keccak256Hash(schema.Bytes(), attester.Bytes(), dataHash.Bytes(), EpochWord(issuedAt))
}

// SchemaID hashes a human readable schema name into a 32-byte identifier.
func SchemaID(name string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(name))
}

// AttesterAddress derives the 20-byte attester identity of an ed25519 key.
func AttesterAddress(pub ed25519.PublicKey) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256(pub)[12:])
}

// ParseHash decodes a 0x-prefixed 32-byte hex string.
func ParseHash(s string) (common.Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, ErrInvalidHash
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, ErrInvalidHash
	}
	return common.BytesToHash(raw), nil
}
