package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrNullifierUsed = errors.New("nullifier already used")
	ErrInvalidAmount = errors.New("invalid amount")
)

// ParseAmount parses a non-negative decimal amount. An empty string is zero.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return n, nil
}

// Spent returns the recorded spend for (policyID, epoch); missing is zero.
func Spent(l EpochLedger, policyID string, epoch uint64) (*big.Int, error) {
	rec, ok, err := l.GetSpend(policyID, epoch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(big.Int), nil
	}
	return ParseAmount(rec.Spent)
}

// CapRemaining returns cap minus spent, floored at zero.
func CapRemaining(l EpochLedger, policyID string, epoch uint64, capValue *big.Int) (*big.Int, error) {
	spent, err := Spent(l, policyID, epoch)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Sub(capValue, spent)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining, nil
}

// RecordSpend adds amount to the epoch total and returns the new total.
func RecordSpend(tx EpochTx, policyID string, epoch uint64, amount *big.Int, now string) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	rec, ok, err := tx.GetSpend(policyID, epoch)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	if ok {
		if total, err = ParseAmount(rec.Spent); err != nil {
			return nil, err
		}
	}
	total.Add(total, amount)
	if err := tx.PutSpend(SpendRecord{PolicyID: policyID, Epoch: epoch, Spent: total.String(), UpdatedAt: now}); err != nil {
		return nil, err
	}
	return total, nil
}

// MarkNullifierUsed records rec, failing with ErrNullifierUsed when the
// nullifier is already present.
func MarkNullifierUsed(tx EpochTx, rec NullifierRecord) error {
	used, err := tx.IsNullifierUsed(rec.Nullifier)
	if err != nil {
		return err
	}
	if used {
		return ErrNullifierUsed
	}
	return tx.PutNullifier(rec)
}
