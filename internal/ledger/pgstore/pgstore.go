package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "github.com/lib/pq"

	"github.com/davidahmann/sponsorgate/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) WithEpochTx(fn func(ledger.EpochTx) error) error {
	return s.WithTx(func(tx ledger.Tx) error { return fn(tx) })
}

func (s *Store) GetSpend(policyID string, epoch uint64) (ledger.SpendRecord, bool, error) {
	return getSpend(s.db, policyID, epoch, false)
}

func (s *Store) IsNullifierUsed(nullifier string) (bool, error) {
	return nullifierUsed(s.db, nullifier)
}

func (s *Store) PutKey(key ledger.KeyRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutKey(key) })
}

func (s *Store) GetKey(keyID string) (ledger.KeyRecord, bool) {
	return getKey(s.db, keyID)
}

func (s *Store) PutAttestation(rec ledger.AttestationRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutAttestation(rec) })
}

func (s *Store) GetAttestation(uid string) (ledger.AttestationRecord, bool) {
	var rec ledger.AttestationRecord
	var body string
	row := s.db.QueryRow(`SELECT uid, schema_id, attester, recipient, key_id, issued_at, expires_at, revoked_at, policy_hash, epoch, data_hash, body_json::text, sig
FROM sponsorgate_attestations WHERE uid = $1`, uid)
	if err := row.Scan(&rec.UID, &rec.Schema, &rec.Attester, &rec.Recipient, &rec.KeyID, &rec.IssuedAt, &rec.ExpiresAt, &rec.RevokedAt, &rec.PolicyHash, &rec.Epoch, &rec.DataHash, &body, &rec.Sig); err != nil {
		return ledger.AttestationRecord{}, false
	}
	rec.BodyJSON = []byte(body)
	return rec, true
}

func (s *Store) RevokeAttestation(uid string, revokedAt int64) error {
	res, err := s.db.Exec(`UPDATE sponsorgate_attestations SET revoked_at = $1 WHERE uid = $2 AND revoked_at = 0`, revokedAt, uid)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, ok := s.GetAttestation(uid); !ok {
			return errors.New("attestation not found: " + uid)
		}
	}
	return nil
}

func (s *Store) PutAuditRecord(rec ledger.AuditRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutAuditRecord(rec) })
}

func (s *Store) GetAuditRecord(recordID string) (ledger.AuditRecord, bool) {
	var rec ledger.AuditRecord
	var body string
	row := s.db.QueryRow(`SELECT record_id, policy_id, approved, body_json::text, body_digest, key_id, sig, created_at::text
FROM sponsorgate_audit_records WHERE record_id = $1`, recordID)
	if err := row.Scan(&rec.RecordID, &rec.PolicyID, &rec.Approved, &body, &rec.BodyDigest, &rec.KeyID, &rec.Sig, &rec.CreatedAt); err != nil {
		return ledger.AuditRecord{}, false
	}
	rec.BodyJSON = []byte(body)
	return rec, true
}

func (s *Store) PutOutbox(rec ledger.OutboxRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutOutbox(rec) })
}

func (s *Store) GetOutbox(eventID string) (ledger.OutboxRecord, bool) {
	return getOutbox(s.db, eventID)
}

func (s *Store) ListOutboxDue(now string, limit int) ([]ledger.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+outboxColumns+`
FROM sponsorgate_event_outbox
WHERE status = 'pending' AND next_attempt_at <= $1::timestamptz
ORDER BY created_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutboxRecord{}
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutPolicyVersion(policy) })
}

func (s *Store) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	row := s.db.QueryRow(`SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at::text FROM sponsorgate_policy_versions WHERE policy_hash = $1`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	return rec, true
}

type Tx struct {
	tx *sql.Tx
}

// GetSpend seeds and then locks the spend row so concurrent admissions for
// the same (policy, epoch) serialize on it, including the first one.
func (t *Tx) GetSpend(policyID string, epoch uint64) (ledger.SpendRecord, bool, error) {
	if _, err := t.tx.Exec(`INSERT INTO sponsorgate_epoch_spend(policy_id, epoch, spent, updated_at)
VALUES($1,$2,0,now())
ON CONFLICT(policy_id, epoch) DO NOTHING`, policyID, int64(epoch)); err != nil {
		return ledger.SpendRecord{}, false, err
	}
	return getSpend(t.tx, policyID, epoch, true)
}

func (t *Tx) PutSpend(rec ledger.SpendRecord) error {
	_, err := t.tx.Exec(`INSERT INTO sponsorgate_epoch_spend(policy_id, epoch, spent, updated_at)
VALUES($1,$2,$3::numeric,$4::timestamptz)
ON CONFLICT(policy_id, epoch) DO UPDATE SET spent=excluded.spent, updated_at=excluded.updated_at`,
		rec.PolicyID, int64(rec.Epoch), rec.Spent, rec.UpdatedAt,
	)
	return err
}

func (t *Tx) IsNullifierUsed(nullifier string) (bool, error) {
	return nullifierUsed(t.tx, nullifier)
}

func (t *Tx) PutNullifier(rec ledger.NullifierRecord) error {
	res, err := t.tx.Exec(`INSERT INTO sponsorgate_nullifiers(nullifier, policy_id, epoch, operation_hash, attestation_uid, amount, created_at)
VALUES($1,$2,$3,$4,$5,$6::numeric,$7::timestamptz)
ON CONFLICT(nullifier) DO NOTHING`,
		rec.Nullifier, rec.PolicyID, int64(rec.Epoch), rec.OperationHash, rec.AttestationUID, rec.Amount, rec.CreatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNullifierUsed
	}
	return nil
}

func (t *Tx) PutKey(key ledger.KeyRecord) error {
	res, err := t.tx.Exec(
		`INSERT INTO sponsorgate_attester_keys(key_id, attester, public_key, created_at, rotated_at)
VALUES($1,$2,$3,$4::timestamptz,$5::timestamptz)
ON CONFLICT(key_id) DO NOTHING`,
		key.KeyID,
		strings.ToLower(key.Attester),
		key.PublicKey,
		key.CreatedAt,
		key.RotatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	existing, ok := getKey(t.tx, key.KeyID)
	if !ok {
		return errors.New("attester key vanished: " + key.KeyID)
	}
	return ledger.SameKey(existing, key)
}

func (t *Tx) GetKey(keyID string) (ledger.KeyRecord, bool) {
	return getKey(t.tx, keyID)
}

func (t *Tx) PutAttestation(rec ledger.AttestationRecord) error {
	if !json.Valid(rec.BodyJSON) {
		return errors.New("invalid body_json")
	}
	_, err := t.tx.Exec(`INSERT INTO sponsorgate_attestations(uid, schema_id, attester, recipient, key_id, issued_at, expires_at, revoked_at, policy_hash, epoch, data_hash, body_json, sig)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13)
ON CONFLICT(uid) DO NOTHING`,
		rec.UID, rec.Schema, rec.Attester, rec.Recipient, rec.KeyID, rec.IssuedAt, rec.ExpiresAt, rec.RevokedAt, rec.PolicyHash, rec.Epoch, rec.DataHash, string(rec.BodyJSON), rec.Sig,
	)
	return err
}

func (t *Tx) PutAuditRecord(rec ledger.AuditRecord) error {
	if !json.Valid(rec.BodyJSON) {
		return errors.New("invalid body_json")
	}
	_, err := t.tx.Exec(`INSERT INTO sponsorgate_audit_records(record_id, policy_id, approved, body_json, body_digest, key_id, sig, created_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6,$7,$8::timestamptz)
ON CONFLICT(record_id) DO NOTHING`,
		rec.RecordID, rec.PolicyID, rec.Approved, string(rec.BodyJSON), rec.BodyDigest, rec.KeyID, rec.Sig, rec.CreatedAt,
	)
	return err
}

func (t *Tx) PutOutbox(rec ledger.OutboxRecord) error {
	if !json.Valid(rec.PayloadJSON) {
		return errors.New("invalid payload_json")
	}
	_, err := t.tx.Exec(
		`INSERT INTO sponsorgate_event_outbox(event_id, topic, event_key, payload_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6,$7::timestamptz,$8,$9::timestamptz,$10::timestamptz,$11::timestamptz)
ON CONFLICT(event_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.EventID,
		rec.Topic,
		rec.Key,
		string(rec.PayloadJSON),
		rec.Status,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.LastError,
		rec.SentAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetOutbox(eventID string) (ledger.OutboxRecord, bool) {
	return getOutbox(t.tx, eventID)
}

func (t *Tx) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO sponsorgate_policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES($1,$2,$3,$4,$5::timestamptz)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const outboxColumns = `event_id, topic, event_key, payload_json::text, status, attempt_count, next_attempt_at::text, last_error, sent_at::text, created_at::text, updated_at::text`

func scanOutbox(row scanner) (ledger.OutboxRecord, error) {
	var rec ledger.OutboxRecord
	var payload string
	if err := row.Scan(&rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.OutboxRecord{}, err
	}
	rec.PayloadJSON = []byte(payload)
	return rec, nil
}

func getOutbox(q queryer, eventID string) (ledger.OutboxRecord, bool) {
	rec, err := scanOutbox(q.QueryRow(`SELECT `+outboxColumns+` FROM sponsorgate_event_outbox WHERE event_id = $1`, eventID))
	if err != nil {
		return ledger.OutboxRecord{}, false
	}
	return rec, true
}

func getSpend(q queryer, policyID string, epoch uint64, forUpdate bool) (ledger.SpendRecord, bool, error) {
	query := `SELECT spent::text, updated_at::text FROM sponsorgate_epoch_spend WHERE policy_id = $1 AND epoch = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rec := ledger.SpendRecord{PolicyID: policyID, Epoch: epoch}
	err := q.QueryRow(query, policyID, int64(epoch)).Scan(&rec.Spent, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SpendRecord{}, false, nil
	}
	if err != nil {
		return ledger.SpendRecord{}, false, err
	}
	return rec, true, nil
}

func nullifierUsed(q queryer, nullifier string) (bool, error) {
	var used bool
	err := q.QueryRow(`SELECT EXISTS(SELECT 1 FROM sponsorgate_nullifiers WHERE nullifier = $1)`, nullifier).Scan(&used)
	return used, err
}

func getKey(q queryer, keyID string) (ledger.KeyRecord, bool) {
	var rec ledger.KeyRecord
	row := q.QueryRow(`SELECT key_id, attester, public_key, created_at::text, rotated_at::text FROM sponsorgate_attester_keys WHERE key_id = $1`, keyID)
	if err := row.Scan(&rec.KeyID, &rec.Attester, &rec.PublicKey, &rec.CreatedAt, &rec.RotatedAt); err != nil {
		return ledger.KeyRecord{}, false
	}
	return rec, true
}
