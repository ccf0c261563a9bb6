package queue

import (
	"time"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/history"
)

// Job is the unit of work handed to the downstream processor.
type Job struct {
	ID             string            `json:"id"`
	ReceivedEvent  admission.Record  `json:"receivedEvent"`
	History        []history.Message `json:"history"`
	App            apps.Ref          `json:"app"`
	SensitiveWords []string          `json:"sensitiveWords"`
	EnqueuedAt     time.Time         `json:"enqueuedAt"`
}

// Delivery is a dequeued job. Attempts counts deliveries including this one.
type Delivery struct {
	Job      Job
	Attempts int
}
