package attestation

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/pkg/types"
)

var (
	ErrNotFound = errors.New("attestation not found")
	ErrRevoked  = errors.New("attestation revoked")
)

// Service answers attestation lookups for the validator. IsValid covers
// revocation and signature checks; expiry is judged by the caller.
type Service interface {
	Exists(uid common.Hash) (bool, error)
	IsValid(uid common.Hash) (bool, error)
	Get(uid common.Hash) (types.Attestation, error)
}
