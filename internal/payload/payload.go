package payload

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/davidahmann/sponsorgate/internal/crypto"
)

// Wire layout: targetAuthority(20) || attestationRef(32) || policyHash(32) || epoch(32, big-endian).
const (
	authoritySize = common.AddressLength
	wordSize      = 32
	Size          = authoritySize + 3*wordSize
)

var (
	ErrLength        = errors.New("authorization payload has wrong length")
	ErrEpochOverflow = errors.New("authorization payload epoch exceeds 64 bits")
	ErrHex           = errors.New("authorization payload is not valid hex")
)

// Payload is the authorization bundle handed to the validator.
type Payload struct {
	TargetAuthority common.Address
	AttestationRef  common.Hash
	PolicyHash      common.Hash
	Epoch           uint64
}

func (p Payload) Encode() []byte {
	out := make([]byte, 0, Size)
	out = append(out, p.TargetAuthority.Bytes()...)
	out = append(out, p.AttestationRef.Bytes()...)
	out = append(out, p.PolicyHash.Bytes()...)
	out = append(out, crypto.EpochWord(p.Epoch)...)
	return out
}

func (p Payload) Hex() string {
	return hexutil.Encode(p.Encode())
}

// Decode splits raw into its fields. The routing prefix is returned as
// TargetAuthority; the remaining 96 bytes carry the binding.
func Decode(raw []byte) (Payload, error) {
	if len(raw) != Size {
		return Payload{}, fmt.Errorf("%w: got %d bytes, want %d", ErrLength, len(raw), Size)
	}
	body := raw[authoritySize:]
	epochWord := new(big.Int).SetBytes(body[2*wordSize:])
	if !epochWord.IsUint64() {
		return Payload{}, ErrEpochOverflow
	}
	return Payload{
		TargetAuthority: common.BytesToAddress(raw[:authoritySize]),
		AttestationRef:  common.BytesToHash(body[:wordSize]),
		PolicyHash:      common.BytesToHash(body[wordSize : 2*wordSize]),
		Epoch:           epochWord.Uint64(),
	}, nil
}

// DecodeHex parses a 0x-prefixed hex payload.
func DecodeHex(s string) (Payload, error) {
	raw, err := ParseHex(s)
	if err != nil {
		return Payload{}, err
	}
	return Decode(raw)
}

// ParseHex returns the raw bytes of a 0x-prefixed hex payload without
// checking its length.
func ParseHex(s string) ([]byte, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHex, err)
	}
	return raw, nil
}
