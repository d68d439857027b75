package policy

import (
	"math/big"
	"time"

	"github.com/davidahmann/sponsorgate/pkg/types"
)

const (
	ViolationAssetNotAllowed    = "asset_not_allowed"
	ViolationMerchantNotAllowed = "merchant_not_allowed"
	ViolationCapExceeded        = "cap_exceeded"
	ViolationEpochOutOfRange    = "epoch_out_of_range"

	WarningEpochNotCurrent    = "epoch_not_current"
	WarningCapNearlyExhausted = "cap_nearly_exhausted"
)

// nearlyExhaustedPercent is the post-spend cap usage that raises a warning.
const nearlyExhaustedPercent = 90

type CheckInput struct {
	Merchant string
	Asset    string
	Amount   *big.Int
	Epoch    uint64
	Spent    *big.Int
	Now      time.Time
}

type Compliance struct {
	Violations   []string
	Warnings     []string
	CapRemaining *big.Int
	EpochValid   bool
}

// Check validates a request against the policy and the spend already
// recorded for the epoch. It has no side effects.
func Check(p Policy, in CheckInput) Compliance {
	spent := in.Spent
	if spent == nil {
		spent = new(big.Int)
	}
	amount := in.Amount
	if amount == nil {
		amount = new(big.Int)
	}

	out := Compliance{EpochValid: p.EpochValid(in.Epoch, in.Now)}

	if !p.AssetAllowed(in.Asset) {
		out.Violations = append(out.Violations, ViolationAssetNotAllowed)
	}
	if !p.MerchantAllowed(in.Merchant) {
		out.Violations = append(out.Violations, ViolationMerchantNotAllowed)
	}
	if !out.EpochValid {
		out.Violations = append(out.Violations, ViolationEpochOutOfRange)
	} else if in.Epoch != p.CurrentEpoch(in.Now) {
		out.Warnings = append(out.Warnings, WarningEpochNotCurrent)
	}

	capValue := p.CapAmount()
	remaining := new(big.Int).Sub(capValue, spent)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	out.CapRemaining = remaining

	if amount.Cmp(remaining) > 0 {
		out.Violations = append(out.Violations, ViolationCapExceeded)
	} else if capValue.Sign() > 0 {
		after := new(big.Int).Add(spent, amount)
		after.Mul(after, big.NewInt(100))
		threshold := new(big.Int).Mul(capValue, big.NewInt(nearlyExhaustedPercent))
		if after.Cmp(threshold) >= 0 {
			out.Warnings = append(out.Warnings, WarningCapNearlyExhausted)
		}
	}

	return out
}

// Export converts the result to the audit export shape.
func (c Compliance) Export() types.PolicyValidation {
	remaining := "0"
	if c.CapRemaining != nil {
		remaining = c.CapRemaining.String()
	}
	return types.PolicyValidation{
		Violations:   c.Violations,
		Warnings:     c.Warnings,
		CapRemaining: remaining,
		EpochValid:   c.EpochValid,
	}
}
