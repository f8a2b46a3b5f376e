package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledgerline/ledgerline/internal/catchup"
	"github.com/ledgerline/ledgerline/internal/eventlog"
)

var (
	ErrAlreadyExists  = errors.New("subscription: already exists")
	ErrUnroutable     = errors.New("subscription: target is unroutable")
	ErrManagerStopped = errors.New("subscription: manager stopped")
	ErrConsentDenied  = errors.New("subscription: consent denied")
)

// ID identifies one subscription: which producer log is read, by whom, into
// which stream and partition.
type ID struct {
	ProducerTenant eventlog.TenantID    `json:"producer_tenant"`
	Scope          eventlog.ScopeID     `json:"scope"`
	ConsumerTenant eventlog.TenantID    `json:"consumer_tenant"`
	Consumer       string               `json:"consumer"`
	Stream         string               `json:"stream"`
	Partition      eventlog.PartitionID `json:"partition,omitempty"`
}

func (id ID) ScopeKey() eventlog.ScopeKey {
	return eventlog.ScopeKey{Tenant: id.ProducerTenant, Scope: id.Scope}
}

func (id ID) CrossTenant() bool {
	return id.ConsumerTenant != id.ProducerTenant
}

func (id ID) Validate() error {
	if err := id.ScopeKey().Validate(); err != nil {
		return err
	}
	if id.ConsumerTenant == "" {
		return fmt.Errorf("consumer tenant is required")
	}
	if strings.TrimSpace(id.Consumer) == "" {
		return fmt.Errorf("consumer is required")
	}
	if strings.TrimSpace(id.Stream) == "" {
		return fmt.Errorf("stream is required")
	}
	return nil
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s->%s/%s/%s[%s]", id.ProducerTenant, id.Scope, id.ConsumerTenant, id.Consumer, id.Stream, id.Partition)
}

// Batch is what a target receives. FromOffset..ToOffset is the log range the
// batch covers; filtered-out events inside it are not included.
type Batch struct {
	Subscription ID                        `json:"subscription"`
	FromOffset   eventlog.SequenceNumber   `json:"from_offset"`
	ToOffset     eventlog.SequenceNumber   `json:"to_offset"`
	Events       []eventlog.CommittedEvent `json:"events"`
}

type Ack struct {
	ContinueFrom eventlog.SequenceNumber `json:"continue_from"`
}

type Target interface {
	Deliver(ctx context.Context, batch Batch) (Ack, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, scope eventlog.ScopeKey, from, toInclusive eventlog.SequenceNumber, eventTypes []string, maxBatchSize int) (catchup.Result, error)
}

type Request struct {
	ID         ID
	FromOffset eventlog.SequenceNumber
	Filter     Filter
	Target     Target
}

func (r Request) Validate() error {
	if err := r.ID.Validate(); err != nil {
		return err
	}
	if r.Target == nil {
		return fmt.Errorf("subscription target is required")
	}
	return nil
}
