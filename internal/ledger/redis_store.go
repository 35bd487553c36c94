package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
}

// createIfAbsent sets the record only when the key is missing and indexes its expiry in the same step.
var createIfAbsent = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	redis.call('ZADD', KEYS[2], ARGV[3], KEYS[1])
	return 1
end
return 0
`)

// purgeExpired removes up to ARGV[2] records indexed with a score below ARGV[1].
// Selection and deletion run in one step so a record re-created in a new window is never touched.
// Returns {deleted records, index entries removed}.
var purgeExpired = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local deleted = 0
for _, member in ipairs(members) do
	deleted = deleted + redis.call('DEL', member)
	redis.call('ZREM', KEYS[1], member)
end
return {deleted, #members}
`)

const purgeBatch = 500

// RedisStore keeps ledger records as JSON strings with a TTL equal to the retention.
// A sorted set indexes expiry so PurgeExpired can report what it removed.
type RedisStore struct {
	client    RedisClient
	opts      Options
	keyPrefix string
	expiryKey string
}

type redisRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	Result      []byte    `json:"result,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewRedisStore constructs a Redis-backed ledger. An empty prefix defaults to "idem:".
func NewRedisStore(client RedisClient, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{
		client:    client,
		opts:      opts.withDefaults(),
		keyPrefix: prefix,
		expiryKey: prefix + "expiry",
	}
}

func (s *RedisStore) recordKey(scope Scope) string {
	return s.keyPrefix + scope.Service + ":" + scope.Endpoint + ":" + scope.Key
}

func (s *RedisStore) CheckOrCreate(ctx context.Context, scope Scope, fingerprint string) (Outcome, error) {
	if err := scope.Validate(); err != nil {
		return Outcome{}, err
	}

	now := s.opts.Now()
	key := s.recordKey(scope)
	fresh := redisRecord{
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.opts.Retention),
	}
	data, err := json.Marshal(fresh)
	if err != nil {
		return Outcome{}, err
	}

	created, err := createIfAbsent.Run(ctx, s.client,
		[]string{key, s.expiryKey},
		data, s.opts.Retention.Milliseconds(), fresh.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger create: %w", err)
	}
	if created == 1 {
		return Outcome{Decision: DecisionExecute, Status: StatusPending, Fingerprint: fingerprint}, nil
	}

	var out Outcome
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, found, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			// Expired between the create attempt and the read; let the caller re-check.
			out = Outcome{Decision: DecisionInFlight, Status: StatusPending, Fingerprint: fingerprint}
			return nil
		}

		switch {
		case rec.Status == StatusCompleted:
			out = Outcome{Decision: DecisionReplay, Status: StatusCompleted, Result: rec.Result, Fingerprint: rec.Fingerprint}
			return nil
		case rec.Status == StatusFailed, s.opts.LeaseExpired(rec.UpdatedAt, now):
			rec.Status = StatusPending
			rec.Result = nil
			rec.ErrorDetail = ""
			rec.UpdatedAt = now
			if err := s.store(ctx, tx, key, rec); err != nil {
				return err
			}
			out = Outcome{Decision: DecisionExecute, Status: StatusPending, Fingerprint: rec.Fingerprint, Retried: true}
			return nil
		default:
			out = Outcome{Decision: DecisionInFlight, Status: StatusPending, Fingerprint: rec.Fingerprint}
			return nil
		}
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else changed the record while we looked at it; they own it now.
		return Outcome{Decision: DecisionInFlight, Status: StatusPending, Fingerprint: fingerprint}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger check: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Complete(ctx context.Context, scope Scope, result []byte) error {
	return s.finish(ctx, scope, func(rec *redisRecord) {
		rec.Status = StatusCompleted
		rec.Result = result
	})
}

func (s *RedisStore) Fail(ctx context.Context, scope Scope, detail string) error {
	return s.finish(ctx, scope, func(rec *redisRecord) {
		rec.Status = StatusFailed
		rec.ErrorDetail = detail
	})
}

func (s *RedisStore) finish(ctx context.Context, scope Scope, apply func(*redisRecord)) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	key := s.recordKey(scope)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, found, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found || rec.Status != StatusPending {
			return ErrRecordNotFound
		}
		apply(&rec)
		rec.UpdatedAt = s.opts.Now()
		return s.store(ctx, tx, key, rec)
	}, key)
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, key string) (redisRecord, bool, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisRecord{}, false, nil
	}
	if err != nil {
		return redisRecord{}, false, err
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return redisRecord{}, false, fmt.Errorf("decode ledger record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisStore) store(ctx context.Context, tx *redis.Tx, key string, rec redisRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, redis.KeepTTL)
		return nil
	})
	return err
}

// PurgeExpired deletes records whose expiry is before now. Redis also expires them on its own;
// this removes anything the TTL has not reached yet and keeps the expiry index small.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	var purged int64
	for {
		res, err := purgeExpired.Run(ctx, s.client, []string{s.expiryKey}, cutoff, purgeBatch).Int64Slice()
		if err != nil {
			return purged, fmt.Errorf("ledger purge: %w", err)
		}
		if len(res) != 2 {
			return purged, fmt.Errorf("ledger purge: unexpected reply %v", res)
		}
		purged += res[0]
		if res[1] < purgeBatch {
			return purged, nil
		}
	}
}
