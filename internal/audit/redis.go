package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends entries to a Redis stream, one JSON document per message.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"entry": string(data)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisSink) Entries(ctx context.Context) ([]*Entry, error) {
	msgs, err := s.client.XRange(ctx, s.stream, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeMessage(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisSink) LastHash(ctx context.Context) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil || len(msgs) == 0 {
		return "", err
	}
	entry, err := decodeMessage(msgs[0])
	if err != nil {
		return "", err
	}
	return entry.Hash, nil
}

// Purge trims stream messages whose id (ms timestamp) is older than before.
func (s *RedisSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	return s.client.XTrimMinID(ctx, s.stream, strconv.FormatInt(before.UnixMilli(), 10)+"-0").Result()
}

// Close is a no-op; the client is shared.
func (s *RedisSink) Close() error {
	return nil
}

func decodeMessage(msg redis.XMessage) (*Entry, error) {
	raw, ok := msg.Values["entry"].(string)
	if !ok {
		return nil, fmt.Errorf("stream message %s has no entry field", msg.ID)
	}
	return decodeEntry([]byte(raw))
}
