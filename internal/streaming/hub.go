// Package streaming fans processed domain events out to live subscribers.
package streaming

import (
	"context"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// StreamEvent is a domain event as seen by live subscribers.
type StreamEvent struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Severity     schema.Severity `json:"severity,omitempty"`
	SourceEntity string          `json:"source_entity,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	Payload      map[string]any  `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EventFilter selects the events a subscriber receives. Zero fields match
// everything.
type EventFilter struct {
	SourceEntity string          `json:"source_entity,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	EventTypes   []string        `json:"event_types,omitempty"`
	MinSeverity  schema.Severity `json:"min_severity,omitempty"`
}

// EventHub provides pub/sub for domain events. A subscription ends when its
// cancel func is called or the subscribe context is done.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
