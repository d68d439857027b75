package attestation

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davidahmann/sponsorgate/pkg/types"
)

// Memory is an in-process Service. Every stored attestation is valid until
// revoked.
type Memory struct {
	mu      sync.RWMutex
	records map[common.Hash]types.Attestation
}

func NewMemory() *Memory {
	return &Memory{records: make(map[common.Hash]types.Attestation)}
}

func (m *Memory) Put(att types.Attestation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[att.UID] = att
}

func (m *Memory) Revoke(uid common.Hash, at uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.records[uid]
	if !ok {
		return ErrNotFound
	}
	if att.RevocationTime == 0 {
		att.RevocationTime = at
		m.records[uid] = att
	}
	return nil
}

func (m *Memory) Exists(uid common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[uid]
	return ok, nil
}

func (m *Memory) IsValid(uid common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	att, ok := m.records[uid]
	return ok && att.RevocationTime == 0, nil
}

func (m *Memory) Get(uid common.Hash) (types.Attestation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	att, ok := m.records[uid]
	if !ok {
		return types.Attestation{}, ErrNotFound
	}
	return att, nil
}
