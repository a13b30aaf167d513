package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
)

// DefaultStream is the stream key events are appended to.
const DefaultStream = "mailkeeper:events"

// StreamAdder is the subset of *redis.Client used by RedisSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

var _ repository.EventSink = (*RedisSink)(nil)

// NewRedisSink creates a sink on stream (DefaultStream if empty).
// maxLen > 0 caps the stream approximately.
func NewRedisSink(client StreamAdder, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Append issues XADD with actor_id, account_id, kind, payload and ts fields.
func (r *RedisSink) Append(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"actor_id":   ev.ActorID.String(),
			"account_id": ev.AccountID.String(),
			"kind":       string(ev.Kind),
			"payload":    string(payload),
			"ts":         ev.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return errs.Transient(err)
	}
	return nil
}

// NewRedisClient dials addr and verifies the connection with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
