package export

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// streamAdder is the slice of the Redis client this consumer needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisConsumer appends each message to a Redis stream.
type RedisConsumer struct {
	client streamAdder
	stream string
	maxLen int64
	close  func() error
}

func NewRedisConsumer(client streamAdder, stream string, maxLen int64) *RedisConsumer {
	return &RedisConsumer{client: client, stream: stream, maxLen: maxLen}
}

// NewRedisConsumerFromConfig dials lazily; the first Export opens the connection.
func NewRedisConsumerFromConfig(stream string, cfg RedisConfig) *RedisConsumer {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c := NewRedisConsumer(rdb, stream, cfg.MaxLen)
	c.close = rdb.Close
	return c
}

func (r *RedisConsumer) Name() string { return "redis" }

// Export stops at the first failed XADD. Messages before it are already in
// the stream and will be added again on retry; readers dedupe on entryId.
func (r *RedisConsumer) Export(ctx context.Context, batch []domain.BufferedMessage) error {
	for _, m := range batch {
		args := &redis.XAddArgs{
			Stream: r.stream,
			ID:     "*",
			Values: map[string]interface{}{
				"entryId":       m.EntryID,
				"propertyAlias": m.PropertyAlias,
				"value":         strconv.FormatFloat(m.Value, 'g', -1, 64),
				"quality":       string(m.Quality),
				"timeInSeconds": m.IngestTime.Seconds,
				"offsetInNanos": m.IngestTime.OffsetNanos,
				"seq":           m.Sequence,
			},
		}
		if r.maxLen > 0 {
			args.MaxLen = r.maxLen
			args.Approx = true
		}
		if err := r.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis xadd %s seq %d: %w", r.stream, m.Sequence, err)
		}
	}
	return nil
}

func (r *RedisConsumer) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

var _ ports.Consumer = (*RedisConsumer)(nil)
