package policy

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Bundle is a parsed policy document plus the hash of its raw bytes.
type Bundle struct {
	Document Document
	Hash     string
	Bytes    []byte

	byID map[string]Policy
}

// LoadBundle loads a YAML policy document and computes its hash from raw bytes.
func LoadBundle(path string) (*Bundle, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBundle(data)
}

// ParseBundle parses and validates policy document bytes.
func ParseBundle(data []byte) (*Bundle, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	byID := make(map[string]Policy, len(doc.Policies))
	for i := range doc.Policies {
		p := &doc.Policies[i]
		if err := normalizePolicy(p); err != nil {
			return nil, err
		}
		if _, dup := byID[p.PolicyID]; dup {
			return nil, fmt.Errorf("duplicate policy_id %q", p.PolicyID)
		}
		byID[p.PolicyID] = *p
	}
	for _, m := range doc.Merchants {
		if !isAddress(m.Address) {
			return nil, fmt.Errorf("merchant %q: invalid address %q", m.Name, m.Address)
		}
		if m.Score < 0 || m.Score > 100 {
			return nil, fmt.Errorf("merchant %q: score must be 0..100", m.Name)
		}
	}
	for _, a := range doc.KnownAssets {
		if !isAddress(a) {
			return nil, fmt.Errorf("known_assets: invalid address %q", a)
		}
	}

	return &Bundle{
		Document: doc,
		Hash:     crypto.DigestOf(data).String(),
		Bytes:    data,
		byID:     byID,
	}, nil
}

// Lookup returns the policy with the given id.
func (b *Bundle) Lookup(policyID string) (Policy, bool) {
	if b == nil {
		return Policy{}, false
	}
	p, ok := b.byID[policyID]
	return p, ok
}

// PolicyIDs lists policies in document order.
func (b *Bundle) PolicyIDs() []string {
	ids := make([]string, 0, len(b.Document.Policies))
	for _, p := range b.Document.Policies {
		ids = append(ids, p.PolicyID)
	}
	return ids
}

func normalizePolicy(p *Policy) error {
	if strings.TrimSpace(p.PolicyID) == "" {
		return fmt.Errorf("policy_id is required")
	}
	capValue, ok := new(big.Int).SetString(strings.TrimSpace(p.CapPerEpoch), 10)
	if !ok || capValue.Sign() < 0 {
		return fmt.Errorf("policy %q: invalid cap_per_epoch %q", p.PolicyID, p.CapPerEpoch)
	}
	p.Cap = capValue
	for _, a := range p.AllowedAssets {
		if !isAddress(a) {
			return fmt.Errorf("policy %q: invalid asset %q", p.PolicyID, a)
		}
	}
	for _, m := range p.AllowedMerchants {
		if !isAddress(m) {
			return fmt.Errorf("policy %q: invalid merchant %q", p.PolicyID, m)
		}
	}
	return nil
}

func isAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && len(s) == 2+2*common.AddressLength && common.IsHexAddress(s)
}
