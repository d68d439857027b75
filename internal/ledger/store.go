package ledger

import (
	"bytes"
	"errors"
)

// ErrKeyConflict reports a key id already registered with a different
// public key.
var ErrKeyConflict = errors.New("key id registered with a different public key")

// EpochLedger is the spend and nullifier state consulted and mutated when an
// authorization is admitted. Every mutation happens inside WithEpochTx; a
// callback error discards all of its writes.
type EpochLedger interface {
	WithEpochTx(fn func(EpochTx) error) error
	GetSpend(policyID string, epoch uint64) (SpendRecord, bool, error)
	IsNullifierUsed(nullifier string) (bool, error)
}

type EpochTx interface {
	GetSpend(policyID string, epoch uint64) (SpendRecord, bool, error)
	PutSpend(rec SpendRecord) error
	IsNullifierUsed(nullifier string) (bool, error)
	PutNullifier(rec NullifierRecord) error
}

// Store is the full persistence surface of the gateway.
type Store interface {
	EpochLedger
	WithTx(fn func(Tx) error) error

	PutKey(key KeyRecord) error
	GetKey(keyID string) (KeyRecord, bool)

	PutAttestation(rec AttestationRecord) error
	GetAttestation(uid string) (AttestationRecord, bool)
	RevokeAttestation(uid string, revokedAt int64) error

	PutAuditRecord(rec AuditRecord) error
	GetAuditRecord(recordID string) (AuditRecord, bool)

	PutOutbox(rec OutboxRecord) error
	GetOutbox(eventID string) (OutboxRecord, bool)
	ListOutboxDue(now string, limit int) ([]OutboxRecord, error)

	PutPolicyVersion(policy PolicyVersionRecord) error
	GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool)
}

type Tx interface {
	EpochTx

	PutKey(key KeyRecord) error
	GetKey(keyID string) (KeyRecord, bool)

	PutAttestation(rec AttestationRecord) error
	PutAuditRecord(rec AuditRecord) error

	PutOutbox(rec OutboxRecord) error
	GetOutbox(eventID string) (OutboxRecord, bool)

	PutPolicyVersion(policy PolicyVersionRecord) error
}

// SpendRecord holds cumulative spend for one (policy, epoch) as a decimal
// string.
type SpendRecord struct {
	PolicyID  string
	Epoch     uint64
	Spent     string
	UpdatedAt string
}

// NullifierRecord marks an (operation, epoch) pair as consumed. Nullifiers
// are never deleted.
type NullifierRecord struct {
	Nullifier      string
	PolicyID       string
	Epoch          uint64
	OperationHash  string
	AttestationUID string
	Amount         string
	CreatedAt      string
}

type AttestationRecord struct {
	UID        string
	Schema     string
	Attester   string
	Recipient  string
	KeyID      string
	IssuedAt   int64
	ExpiresAt  int64
	RevokedAt  int64
	PolicyHash string
	Epoch      uint64
	DataHash   string
	BodyJSON   []byte
	Sig        []byte
}

type AuditRecord struct {
	RecordID   string
	PolicyID   string
	Approved   bool
	BodyJSON   []byte
	BodyDigest string
	KeyID      string
	Sig        []byte
	CreatedAt  string
}

type OutboxRecord struct {
	EventID       string
	Topic         string
	Key           string
	PayloadJSON   []byte
	Status        string // pending | sent
	AttemptCount  int
	NextAttemptAt string
	LastError     *string
	SentAt        *string
	CreatedAt     string
	UpdatedAt     string
}

type PolicyVersionRecord struct {
	PolicyHash    string
	PolicyID      string
	PolicyVersion string
	PolicyYAML    string
	CreatedAt     string
}

// KeyRecord registers an attester signing key.
type KeyRecord struct {
	KeyID     string
	Attester  string
	PublicKey []byte
	CreatedAt string
	RotatedAt *string
}

// SameKey reports whether an existing row for key.KeyID may stand in for
// key. Re-registering identical material is a no-op; anything else is
// ErrKeyConflict.
func SameKey(existing, key KeyRecord) error {
	if !bytes.Equal(existing.PublicKey, key.PublicKey) {
		return ErrKeyConflict
	}
	return nil
}
