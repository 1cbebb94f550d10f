package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/tokenward/internal/domain"
)

const DefaultDeadLetterStream = "tokenward:dead_letters"

type deadLetterRecord struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	TriggerID      string `json:"trigger_id"`
	TemplateID     string `json:"template_id"`
	Recipient      string `json:"recipient"`
	ScheduledAt    string `json:"scheduled_at"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error"`
	Reason         string `json:"reason"`
	CreatedAt      string `json:"created_at"`
}

// RedisStreamSink appends dead letters to a Redis stream, trimmed
// approximately to maxLen entries.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultDeadLetterStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, dl domain.DeadLetter) error {
	rec := deadLetterRecord{
		ID:             dl.ID.String(),
		IdempotencyKey: dl.IdempotencyKey,
		TriggerID:      dl.TriggerID,
		TemplateID:     dl.TemplateID,
		Recipient:      dl.Recipient,
		ScheduledAt:    dl.ScheduledAt.UTC().Format(time.RFC3339),
		Attempts:       dl.Attempts,
		LastError:      dl.LastError,
		Reason:         string(dl.Reason),
		CreatedAt:      dl.CreatedAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"idempotency_key": dl.IdempotencyKey,
			"reason":          string(dl.Reason),
			"dead_letter":     string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
