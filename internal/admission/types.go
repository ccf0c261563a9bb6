package admission

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/memohai/imhub/internal/channel"
)

// ErrNotFound is returned when no received event exists for an id.
var ErrNotFound = errors.New("received event not found")

// Outcome is the result of an admission attempt.
type Outcome int

const (
	// Admitted means the caller owns the event and must dispatch it.
	Admitted Outcome = iota + 1
	// InFlight means another delivery of the event is being processed.
	InFlight
	// Completed means the event was already answered.
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Record is a persisted received event keyed by the provider message id.
type Record struct {
	ID          string              `json:"id"`
	AppID       string              `json:"appId"`
	Provider    channel.ChannelType `json:"provider"`
	EventName   string              `json:"eventName"`
	Data        json.RawMessage     `json:"data"`
	Processing  bool                `json:"processing"`
	CreatedAt   time.Time           `json:"createdAt"`
	AdmittedAt  time.Time           `json:"admittedAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// NewRecord builds the record admitted for a normalized event.
func NewRecord(event channel.InboundEvent) (Record, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:         event.ExternalID,
		AppID:      event.AppID,
		Provider:   event.Provider,
		EventName:  event.EventKind,
		Data:       data,
		Processing: true,
		CreatedAt:  event.CreatedAt,
	}, nil
}

// Event decodes the normalized event stored in Data.
func (r Record) Event() (channel.InboundEvent, error) {
	var event channel.InboundEvent
	err := json.Unmarshal(r.Data, &event)
	return event, err
}
