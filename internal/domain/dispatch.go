package domain

import (
	"time"

	"github.com/google/uuid"
)

// DispatchEvent is one materialized firing of a trigger.
type DispatchEvent struct {
	ID        uuid.UUID
	TriggerID string
	Payload   JobPayload

	ScheduledAt    time.Time // intended fire time (UTC)
	FiredAt        time.Time // actual emission time
	IdempotencyKey string

	// CatchUp is set on the coalesced event emitted for missed firings.
	CatchUp bool
	Missed  int
}

// OrderingKey groups events that must execute in scheduled-time order.
func (e DispatchEvent) OrderingKey() string {
	return e.TriggerID
}

type DeadLetterReason string

const (
	DeadLetterExhausted DeadLetterReason = "exhausted"
	DeadLetterAbandoned DeadLetterReason = "abandoned"
)

// DeadLetter records an event that was never executed successfully.
type DeadLetter struct {
	ID             uuid.UUID
	IdempotencyKey string
	TriggerID      string
	TemplateID     string
	Recipient      string
	ScheduledAt    time.Time
	Attempts       int
	LastError      string
	Reason         DeadLetterReason
	CreatedAt      time.Time
}
