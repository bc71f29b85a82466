package relay

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// HeightNone is returned by a checkpoint read when no height has been
// committed yet for the key.
const HeightNone = int64(-1)

// CheckpointKey builds the storage key for one relay direction, e.g.
// "xbd-inbox-source-xrpl".
func CheckpointKey(service, channel, side, chain string) string {
	return fmt.Sprintf("%s-%s-%s-%s", service, channel, side, chain)
}

// CheckpointStore is a durable key -> height mapping recording the last fully
// committed block/ledger height per relay direction.
type CheckpointStore interface {
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, height int64) error
}

// RedisCheckpointStore keeps checkpoints in Redis, one key per direction.
// Each daemon process owns its own keys, so no coordination is needed beyond
// Redis itself.
type RedisCheckpointStore struct {
	client *redis.Client
}

var _ CheckpointStore = (*RedisCheckpointStore)(nil)

func NewRedisCheckpointStore(redisURL string) (*RedisCheckpointStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	return &RedisCheckpointStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisCheckpointStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return HeightNone, nil
	} else if err != nil {
		return 0, errors.Wrapf(err, "failed to read checkpoint %q", key)
	}
	height, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "checkpoint %q holds a non-integer value %q", key, val)
	}
	return height, nil
}

func (s *RedisCheckpointStore) Set(ctx context.Context, key string, height int64) error {
	if err := s.client.Set(ctx, key, strconv.FormatInt(height, 10), 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to advance checkpoint %q", key)
	}
	return nil
}

func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}
