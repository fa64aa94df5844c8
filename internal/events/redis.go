package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends events to one Redis stream per run, capped at maxLen
// entries, keyed {prefix}:runs:{run_id}:events.
type RedisSink struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// NewRedisSink connects using a redis:// URL.
func NewRedisSink(url, prefix string, maxLen int64) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisSinkFromClient(redis.NewClient(opts), prefix, maxLen), nil
}

func NewRedisSinkFromClient(client *redis.Client, prefix string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, ev TraceEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.StreamKey(ev.RunID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.StreamKey(ev.RunID), err)
	}
	return nil
}

// StreamKey returns the stream holding runID's events.
func (s *RedisSink) StreamKey(runID string) string {
	return fmt.Sprintf("%s:runs:%s:events", s.prefix, runID)
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func streamValues(ev TraceEvent) map[string]interface{} {
	return map[string]interface{}{
		"seq":       strconv.FormatInt(ev.Seq, 10),
		"stage":     ev.Stage,
		"phase":     string(ev.Phase),
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		"summary":   ev.Summary,
	}
}
