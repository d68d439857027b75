package types

import "github.com/ethereum/go-ethereum/common"

// Attestation is a signed compliance claim about one operation in one epoch.
// PolicyHash and Epoch name the (operation, epoch) binding the claim was
// issued for; Recipient is the merchant being paid. ExpirationTime and
// RevocationTime are unix seconds; zero means unset.
type Attestation struct {
	UID            common.Hash    `json:"uid"`
	Schema         common.Hash    `json:"schema"`
	Attester       common.Address `json:"attester"`
	Recipient      common.Address `json:"recipient"`
	Time           uint64         `json:"time"`
	ExpirationTime uint64         `json:"expiration_time"`
	RevocationTime uint64         `json:"revocation_time,omitempty"`
	PolicyHash     common.Hash    `json:"policy_hash"`
	Epoch          uint64         `json:"epoch"`
	DataHash       common.Hash    `json:"data_hash"`
	KeyID          string         `json:"key_id"`
	Signature      []byte         `json:"signature"`
}
