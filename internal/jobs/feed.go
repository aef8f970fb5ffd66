package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
)

// Feed はジョブの進捗スナップショットを外部へ配信します。
// 配信は補助的なもので、失敗してもジョブの状態には影響しません。
type Feed interface {
	Publish(ctx context.Context, record Record) error
}

// NopFeed は何もしない Feed です。
type NopFeed struct{}

// Publish は何もしません。
func (NopFeed) Publish(context.Context, Record) error { return nil }

// RedisFeed はスナップショットを Redis に保存します。
type RedisFeed struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisFeed は RedisFeed を作成します。
func NewRedisFeed(rdb *redis.Client, ttl time.Duration) *RedisFeed {
	return &RedisFeed{
		rdb: rdb,
		ttl: ttl,
	}
}

// Publish は保存済みのものより新しいリビジョンのときだけスナップショットを書き込みます。
func (f *RedisFeed) Publish(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := jobKey(record.ID)

	for {
		err := f.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				var stored struct {
					Revision int64 `json:"revision"`
				}
				if json.Unmarshal(data, &stored) == nil && stored.Revision >= record.Revision {
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, f.ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// Load は配信済みのスナップショットを取得します。存在しない場合は nil を返します。
// 進捗を参照する外部のコンシューマー向けの読み出し口です。
func (f *RedisFeed) Load(ctx context.Context, jobID string) (*Record, error) {
	data, err := f.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
