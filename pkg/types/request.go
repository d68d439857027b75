package types

import "math/big"

// PaymentRequest is a gas-sponsored payment intent submitted for scoring.
// Merchant and Asset are 0x-prefixed 20-byte hex addresses.
type PaymentRequest struct {
	Merchant    string            `json:"merchant"`
	Asset       string            `json:"asset"`
	Amount      *big.Int          `json:"amount"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
