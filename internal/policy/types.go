package policy

import (
	"math/big"
	"strings"
	"time"
)

const DefaultEpochSeconds = 86400

// Document is the on-disk policy file.
type Document struct {
	Version     string     `yaml:"version"`
	Policies    []Policy   `yaml:"policies"`
	Merchants   []Merchant `yaml:"merchants"`
	KnownAssets []string   `yaml:"known_assets"`
}

// Policy caps cumulative sponsored spend per epoch and restricts which
// assets and merchants may be paid.
type Policy struct {
	PolicyID         string      `yaml:"policy_id"`
	PolicyVersion    string      `yaml:"policy_version"`
	Epoch            EpochConfig `yaml:"epoch"`
	CapPerEpoch      string      `yaml:"cap_per_epoch"`
	AllowedAssets    []string    `yaml:"allowed_assets"`
	AllowedMerchants []string    `yaml:"allowed_merchants"`

	// Cap is CapPerEpoch parsed by the loader.
	Cap *big.Int `yaml:"-"`
}

type EpochConfig struct {
	LengthSeconds uint64 `yaml:"length_seconds"`
	// Skew is how many epochs away from the current one a request may name.
	Skew uint64 `yaml:"skew"`
}

// Merchant is a reputation registry entry.
type Merchant struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Score   int    `yaml:"score"`
}

func (p Policy) epochLength() uint64 {
	if p.Epoch.LengthSeconds == 0 {
		return DefaultEpochSeconds
	}
	return p.Epoch.LengthSeconds
}

// CurrentEpoch returns the epoch index containing now.
func (p Policy) CurrentEpoch(now time.Time) uint64 {
	unix := now.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / p.epochLength()
}

// EpochValid reports whether epoch is within the allowed skew of now.
func (p Policy) EpochValid(epoch uint64, now time.Time) bool {
	current := p.CurrentEpoch(now)
	if epoch > current {
		return epoch-current <= p.Epoch.Skew
	}
	return current-epoch <= p.Epoch.Skew
}

// CapAmount returns a copy of the per-epoch cap; an unset cap is zero.
func (p Policy) CapAmount() *big.Int {
	if p.Cap == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(p.Cap)
}

// AssetAllowed reports allowlist membership. An empty allowlist admits nothing.
func (p Policy) AssetAllowed(asset string) bool {
	return containsAddress(p.AllowedAssets, asset)
}

// MerchantAllowed reports allowlist membership. An empty allowlist admits
// every merchant.
func (p Policy) MerchantAllowed(merchant string) bool {
	if len(p.AllowedMerchants) == 0 {
		return true
	}
	return containsAddress(p.AllowedMerchants, merchant)
}

func containsAddress(list []string, addr string) bool {
	for _, item := range list {
		if strings.EqualFold(item, addr) {
			return true
		}
	}
	return false
}
