package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/davidahmann/sponsorgate/internal/ledger"
)

var (
	ErrLockTimeout = errors.New("epoch ledger lock not acquired")
	ErrLockLost    = errors.New("epoch ledger lock lost before commit")
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is an EpochLedger on redis. Transactions hold a lock key for their
// duration and apply buffered writes in one MULTI/EXEC guarded by WATCH on
// that lock.
type Store struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
	timeout time.Duration
	retry   time.Duration
}

func New(client *redis.Client) *Store {
	return &Store{
		client:  client,
		prefix:  "sg:",
		lockTTL: 5 * time.Second,
		timeout: 2 * time.Second,
		retry:   5 * time.Millisecond,
	}
}

// Open connects and pings redis before returning the store.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) lockKey() string {
	return s.prefix + "lock:epoch"
}

func (s *Store) spendKey(policyID string, epoch uint64) string {
	return fmt.Sprintf("%sspend:%s:%d", s.prefix, policyID, epoch)
}

func (s *Store) nullifierKey(nullifier string) string {
	return s.prefix + "nullifier:" + nullifier
}

func (s *Store) WithEpochTx(fn func(ledger.EpochTx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	token := uuid.NewString()
	if err := s.acquire(ctx, token); err != nil {
		return err
	}
	defer s.release(token)

	tx := &epochTx{
		s:          s,
		ctx:        ctx,
		spends:     make(map[string]ledger.SpendRecord),
		nullifiers: make(map[string]ledger.NullifierRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(ctx, token, tx)
}

func (s *Store) GetSpend(policyID string, epoch uint64) (ledger.SpendRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.getSpend(ctx, policyID, epoch)
}

func (s *Store) IsNullifierUsed(nullifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.nullifierUsed(ctx, nullifier)
}

func (s *Store) acquire(ctx context.Context, token string) error {
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(), token, s.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ErrLockTimeout
			}
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrLockTimeout
		case <-time.After(s.retry):
		}
	}
}

func (s *Store) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, s.client, []string{s.lockKey()}, token).Err()
}

func (s *Store) commit(ctx context.Context, token string, tx *epochTx) error {
	if len(tx.spends) == 0 && len(tx.nullifiers) == 0 {
		return nil
	}
	return s.client.Watch(ctx, func(rtx *redis.Tx) error {
		owner, err := rtx.Get(ctx, s.lockKey()).Result()
		if errors.Is(err, redis.Nil) || (err == nil && owner != token) {
			return ErrLockLost
		}
		if err != nil {
			return err
		}
		_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, rec := range tx.spends {
				p.HSet(ctx, s.spendKey(rec.PolicyID, rec.Epoch),
					"spent", rec.Spent,
					"updated_at", rec.UpdatedAt,
				)
			}
			for _, rec := range tx.nullifiers {
				p.HSet(ctx, s.nullifierKey(rec.Nullifier),
					"policy_id", rec.PolicyID,
					"epoch", strconv.FormatUint(rec.Epoch, 10),
					"operation_hash", rec.OperationHash,
					"attestation_uid", rec.AttestationUID,
					"amount", rec.Amount,
					"created_at", rec.CreatedAt,
				)
			}
			return nil
		})
		return err
	}, s.lockKey())
}

func (s *Store) getSpend(ctx context.Context, policyID string, epoch uint64) (ledger.SpendRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.spendKey(policyID, epoch)).Result()
	if err != nil {
		return ledger.SpendRecord{}, false, err
	}
	if len(fields) == 0 {
		return ledger.SpendRecord{}, false, nil
	}
	return ledger.SpendRecord{
		PolicyID:  policyID,
		Epoch:     epoch,
		Spent:     fields["spent"],
		UpdatedAt: fields["updated_at"],
	}, true, nil
}

func (s *Store) nullifierUsed(ctx context.Context, nullifier string) (bool, error) {
	n, err := s.client.Exists(ctx, s.nullifierKey(nullifier)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type epochTx struct {
	s   *Store
	ctx context.Context

	spends     map[string]ledger.SpendRecord
	nullifiers map[string]ledger.NullifierRecord
}

func (t *epochTx) GetSpend(policyID string, epoch uint64) (ledger.SpendRecord, bool, error) {
	if rec, ok := t.spends[t.s.spendKey(policyID, epoch)]; ok {
		return rec, true, nil
	}
	return t.s.getSpend(t.ctx, policyID, epoch)
}

func (t *epochTx) PutSpend(rec ledger.SpendRecord) error {
	t.spends[t.s.spendKey(rec.PolicyID, rec.Epoch)] = rec
	return nil
}

func (t *epochTx) IsNullifierUsed(nullifier string) (bool, error) {
	if _, ok := t.nullifiers[nullifier]; ok {
		return true, nil
	}
	return t.s.nullifierUsed(t.ctx, nullifier)
}

func (t *epochTx) PutNullifier(rec ledger.NullifierRecord) error {
	used, err := t.IsNullifierUsed(rec.Nullifier)
	if err != nil {
		return err
	}
	if used {
		return ledger.ErrNullifierUsed
	}
	t.nullifiers[rec.Nullifier] = rec
	return nil
}
