package ledger

import (
	"fmt"
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	spends       map[string]SpendRecord
	nullifiers   map[string]NullifierRecord
	keys         map[string]KeyRecord
	attestations map[string]AttestationRecord
	audits       map[string]AuditRecord
	outbox       map[string]OutboxRecord
	policies     map[string]PolicyVersionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		spends:       make(map[string]SpendRecord),
		nullifiers:   make(map[string]NullifierRecord),
		keys:         make(map[string]KeyRecord),
		attestations: make(map[string]AttestationRecord),
		audits:       make(map[string]AuditRecord),
		outbox:       make(map[string]OutboxRecord),
		policies:     make(map[string]PolicyVersionRecord),
	}
}

func spendKey(policyID string, epoch uint64) string {
	return fmt.Sprintf("%s/%d", policyID, epoch)
}

// WithTx holds the store lock for the duration of fn. Writes are staged and
// applied only when fn returns nil.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *InMemoryStore) WithEpochTx(fn func(EpochTx) error) error {
	return s.WithTx(func(tx Tx) error { return fn(tx) })
}

func (s *InMemoryStore) GetSpend(policyID string, epoch uint64) (SpendRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.spends[spendKey(policyID, epoch)]
	return rec, ok, nil
}

func (s *InMemoryStore) IsNullifierUsed(nullifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nullifiers[nullifier]
	return ok, nil
}

// GetNullifier returns the committed row for nullifier.
func (s *InMemoryStore) GetNullifier(nullifier string) (NullifierRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nullifiers[nullifier]
	return rec, ok
}

func (s *InMemoryStore) PutKey(key KeyRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutKey(key) })
}

func (s *InMemoryStore) GetKey(keyID string) (KeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	return key, ok
}

func (s *InMemoryStore) PutAttestation(rec AttestationRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutAttestation(rec) })
}

func (s *InMemoryStore) GetAttestation(uid string) (AttestationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attestations[uid]
	return rec, ok
}

func (s *InMemoryStore) RevokeAttestation(uid string, revokedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attestations[uid]
	if !ok {
		return fmt.Errorf("attestation not found: %s", uid)
	}
	if rec.RevokedAt == 0 {
		rec.RevokedAt = revokedAt
		s.attestations[uid] = rec
	}
	return nil
}

func (s *InMemoryStore) PutAuditRecord(rec AuditRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutAuditRecord(rec) })
}

func (s *InMemoryStore) GetAuditRecord(recordID string) (AuditRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.audits[recordID]
	return rec, ok
}

func (s *InMemoryStore) PutOutbox(rec OutboxRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutOutbox(rec) })
}

func (s *InMemoryStore) GetOutbox(eventID string) (OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[eventID]
	return rec, ok
}

func (s *InMemoryStore) ListOutboxDue(now string, limit int) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []OutboxRecord{}
	for _, rec := range s.outbox {
		if rec.Status != "pending" {
			continue
		}
		if rec.NextAttemptAt > now {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutPolicyVersion(policy PolicyVersionRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutPolicyVersion(policy) })
}

func (s *InMemoryStore) GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[policyHash]
	return policy, ok
}

// memTx stages writes over the locked store so a failed callback leaves the
// store untouched.
type memTx struct {
	s *InMemoryStore

	spends     map[string]SpendRecord
	nullifiers map[string]NullifierRecord
	keys       map[string]KeyRecord
	outbox     map[string]OutboxRecord
	writes     []func()
}

func newMemTx(s *InMemoryStore) *memTx {
	return &memTx{
		s:          s,
		spends:     make(map[string]SpendRecord),
		nullifiers: make(map[string]NullifierRecord),
		keys:       make(map[string]KeyRecord),
		outbox:     make(map[string]OutboxRecord),
	}
}

func (t *memTx) commit() {
	for _, w := range t.writes {
		w()
	}
}

func (t *memTx) GetSpend(policyID string, epoch uint64) (SpendRecord, bool, error) {
	k := spendKey(policyID, epoch)
	if rec, ok := t.spends[k]; ok {
		return rec, true, nil
	}
	rec, ok := t.s.spends[k]
	return rec, ok, nil
}

func (t *memTx) PutSpend(rec SpendRecord) error {
	k := spendKey(rec.PolicyID, rec.Epoch)
	t.spends[k] = rec
	t.writes = append(t.writes, func() { t.s.spends[k] = rec })
	return nil
}

func (t *memTx) IsNullifierUsed(nullifier string) (bool, error) {
	if _, ok := t.nullifiers[nullifier]; ok {
		return true, nil
	}
	_, ok := t.s.nullifiers[nullifier]
	return ok, nil
}

func (t *memTx) PutNullifier(rec NullifierRecord) error {
	if used, _ := t.IsNullifierUsed(rec.Nullifier); used {
		return ErrNullifierUsed
	}
	t.nullifiers[rec.Nullifier] = rec
	t.writes = append(t.writes, func() { t.s.nullifiers[rec.Nullifier] = rec })
	return nil
}

func (t *memTx) PutKey(key KeyRecord) error {
	if existing, ok := t.GetKey(key.KeyID); ok {
		return SameKey(existing, key)
	}
	t.keys[key.KeyID] = key
	t.writes = append(t.writes, func() { t.s.keys[key.KeyID] = key })
	return nil
}

func (t *memTx) GetKey(keyID string) (KeyRecord, bool) {
	if key, ok := t.keys[keyID]; ok {
		return key, true
	}
	key, ok := t.s.keys[keyID]
	return key, ok
}

func (t *memTx) PutAttestation(rec AttestationRecord) error {
	t.writes = append(t.writes, func() {
		if _, ok := t.s.attestations[rec.UID]; !ok {
			t.s.attestations[rec.UID] = rec
		}
	})
	return nil
}

func (t *memTx) PutAuditRecord(rec AuditRecord) error {
	t.writes = append(t.writes, func() {
		if _, ok := t.s.audits[rec.RecordID]; !ok {
			t.s.audits[rec.RecordID] = rec
		}
	})
	return nil
}

func (t *memTx) PutOutbox(rec OutboxRecord) error {
	t.outbox[rec.EventID] = rec
	t.writes = append(t.writes, func() { t.s.outbox[rec.EventID] = rec })
	return nil
}

func (t *memTx) GetOutbox(eventID string) (OutboxRecord, bool) {
	if rec, ok := t.outbox[eventID]; ok {
		return rec, true
	}
	rec, ok := t.s.outbox[eventID]
	return rec, ok
}

func (t *memTx) PutPolicyVersion(policy PolicyVersionRecord) error {
	t.writes = append(t.writes, func() {
		if _, ok := t.s.policies[policy.PolicyHash]; !ok {
			t.s.policies[policy.PolicyHash] = policy
		}
	})
	return nil
}
