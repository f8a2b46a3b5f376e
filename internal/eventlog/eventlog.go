package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks storage failures that are expected to heal; callers retry them.
var ErrUnavailable = errors.New("eventlog: storage unavailable")

type SequenceNumber uint64

type TenantID string

type ScopeID string

const DefaultScope ScopeID = "default"

type PartitionID string

const Unpartitioned PartitionID = ""

type ScopeKey struct {
	Tenant TenantID `json:"tenant_id"`
	Scope  ScopeID  `json:"scope_id"`
}

func (k ScopeKey) String() string {
	return fmt.Sprintf("%s/%s", k.Tenant, k.Scope)
}

func (k ScopeKey) Validate() error {
	if k.Tenant == "" {
		return fmt.Errorf("tenant id is required")
	}
	if k.Scope == "" {
		return fmt.Errorf("scope id is required")
	}
	return nil
}

type CommittedEvent struct {
	Sequence    SequenceNumber  `json:"sequence"`
	Tenant      TenantID        `json:"tenant_id"`
	Scope       ScopeID         `json:"scope_id"`
	EventType   string          `json:"event_type"`
	EventSource string          `json:"event_source"`
	Partition   PartitionID     `json:"partition,omitempty"`
	Occurred    time.Time       `json:"occurred"`
	Content     json.RawMessage `json:"content"`
	Public      bool            `json:"public,omitempty"`
}

type UncommittedEvent struct {
	EventType   string
	EventSource string
	Partition   PartitionID
	Occurred    time.Time
	Content     json.RawMessage
	Public      bool
}

// CommitBatch is one atomic append: events with contiguous sequence numbers
// FromOffset..ToOffset.
type CommitBatch struct {
	Scope      ScopeKey         `json:"scope"`
	FromOffset SequenceNumber   `json:"from_offset"`
	ToOffset   SequenceNumber   `json:"to_offset"`
	Events     []CommittedEvent `json:"events"`
}

func (b CommitBatch) Validate() error {
	if err := b.Scope.Validate(); err != nil {
		return err
	}
	if len(b.Events) == 0 {
		return fmt.Errorf("commit batch has no events")
	}
	if b.ToOffset < b.FromOffset {
		return fmt.Errorf("commit batch to offset %d is before from offset %d", b.ToOffset, b.FromOffset)
	}
	if b.Events[0].Sequence != b.FromOffset || b.Events[len(b.Events)-1].Sequence != b.ToOffset {
		return fmt.Errorf("commit batch offsets [%d,%d] do not match its events", b.FromOffset, b.ToOffset)
	}
	for i := 1; i < len(b.Events); i++ {
		if b.Events[i].Sequence <= b.Events[i-1].Sequence {
			return fmt.Errorf("commit batch events are not strictly ordered at index %d", i)
		}
	}
	return nil
}

// TrimBefore drops the events below offset. The second result is false when
// nothing is left.
func (b CommitBatch) TrimBefore(offset SequenceNumber) (CommitBatch, bool) {
	if b.FromOffset >= offset {
		return b, len(b.Events) > 0
	}
	kept := make([]CommittedEvent, 0, len(b.Events))
	for _, event := range b.Events {
		if event.Sequence >= offset {
			kept = append(kept, event)
		}
	}
	if len(kept) == 0 {
		return CommitBatch{Scope: b.Scope}, false
	}
	return CommitBatch{
		Scope:      b.Scope,
		FromOffset: kept[0].Sequence,
		ToOffset:   kept[len(kept)-1].Sequence,
		Events:     kept,
	}, true
}

type Reader interface {
	FetchRange(ctx context.Context, scope ScopeKey, from, toInclusive SequenceNumber, maxCount int, eventTypes []string) ([]CommittedEvent, error)
	NextSequenceNumber(ctx context.Context, scope ScopeKey) (SequenceNumber, error)
}

type Appender interface {
	Append(ctx context.Context, scope ScopeKey, events []UncommittedEvent) (CommitBatch, error)
}
