package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusStore はジョブレコードの永続ストアです。
type StatusStore interface {
	// Get はジョブ情報を取得します。存在しない場合は ErrJobNotFound を返します。
	Get(ctx context.Context, jobID string) (*Record, error)
	// Update はジョブ情報を更新します。存在しない場合は ErrJobNotFound を返します。
	Update(ctx context.Context, jobID string, update Update) error
	// Scan は指定状態のレコードを列挙します。
	// 個々のレコードを読み取れない場合は ErrCorruptRecord をラップしたエラーを返して列挙を続けます。
	// それ以外のエラーは列挙の終了を表します。
	Scan(ctx context.Context, status Status) iter.Seq2[*Record, error]
}

const (
	jobKeyPrefix = "job:"
	scanBatch    = 100
)

// RedisStore はジョブ状態を Redis に JSON で保存します。
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合は既存の期限を維持します。
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return decodeRecord(jobID, data)
}

// Update はジョブ情報を楽観ロック（WATCH）で更新します。
func (s *RedisStore) Update(ctx context.Context, jobID string, update Update) error {
	if err := update.validate(); err != nil {
		return err
	}
	return s.updatePartial(ctx, jobID, update.apply)
}

// Scan は SCAN でキーを走査し、状態が一致するレコードを返します。
func (s *RedisStore) Scan(ctx context.Context, status Status) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		it := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", scanBatch).Iterator()
		for it.Next(ctx) {
			key := it.Val()
			data, err := s.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			record, err := decodeRecord(key[len(jobKeyPrefix):], data)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if record.Status != status {
				continue
			}
			if !yield(record, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *RedisStore) updatePartial(ctx context.Context, jobID string, mutate func(*Record) error) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}
		record, err := decodeRecord(jobID, data)
		if err != nil {
			return err
		}
		if err := mutate(record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := s.ttl
			if ttl == 0 {
				ttl = redis.KeepTTL
			}
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func decodeRecord(jobID string, data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: decode job %s: %v", ErrCorruptRecord, jobID, err)
	}
	if record.JobID == "" {
		record.JobID = jobID
	}
	return &record, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
