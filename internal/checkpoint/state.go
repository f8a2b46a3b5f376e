package checkpoint

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

type ProcessorID struct {
	Tenant       eventlog.TenantID
	Scope        eventlog.ScopeID
	Processor    string
	SourceStream string
}

// Group is the persistence group the processor belongs to.
func (id ProcessorID) Group() eventlog.ScopeKey {
	return eventlog.ScopeKey{Tenant: id.Tenant, Scope: id.Scope}
}

func (id ProcessorID) Validate() error {
	if err := id.Group().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(id.Processor) == "" {
		return fmt.Errorf("processor id is required")
	}
	return nil
}

func (id ProcessorID) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", id.Tenant, id.Scope, id.Processor, id.SourceStream)
}

type Kind string

const (
	KindUnpartitioned Kind = "unpartitioned"
	KindPartitioned   Kind = "partitioned"
)

func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindUnpartitioned:
		return KindUnpartitioned, nil
	case KindPartitioned:
		return KindPartitioned, nil
	default:
		return "", fmt.Errorf("unknown checkpoint kind %q", value)
	}
}

// State is either *UnpartitionedState or *PartitionedState.
type State interface {
	Kind() Kind
	CurrentPosition() eventlog.SequenceNumber
	clone() State
}

type UnpartitionedState struct {
	Position                  eventlog.SequenceNumber
	IsFailing                 bool
	FailureReason             string
	RetryTime                 time.Time
	ProcessingAttempts        uint32
	LastSuccessfullyProcessed time.Time
}

func (s *UnpartitionedState) Kind() Kind { return KindUnpartitioned }

func (s *UnpartitionedState) CurrentPosition() eventlog.SequenceNumber { return s.Position }

func (s *UnpartitionedState) clone() State {
	copied := *s
	return &copied
}

type FailingPartition struct {
	Position           eventlog.SequenceNumber `json:"position"`
	RetryTime          time.Time               `json:"retry_time"`
	Reason             string                  `json:"reason"`
	ProcessingAttempts uint32                  `json:"processing_attempts"`
	LastFailed         time.Time               `json:"last_failed"`
}

type PartitionedState struct {
	Position                  eventlog.SequenceNumber
	FailingPartitions         map[eventlog.PartitionID]FailingPartition
	LastSuccessfullyProcessed time.Time
}

func (s *PartitionedState) Kind() Kind { return KindPartitioned }

func (s *PartitionedState) CurrentPosition() eventlog.SequenceNumber { return s.Position }

func (s *PartitionedState) clone() State {
	copied := *s
	copied.FailingPartitions = maps.Clone(s.FailingPartitions)
	if copied.FailingPartitions == nil {
		copied.FailingPartitions = map[eventlog.PartitionID]FailingPartition{}
	}
	return &copied
}

func (s *PartitionedState) addFailingPartition(partition eventlog.PartitionID, failing FailingPartition) error {
	if _, ok := s.FailingPartitions[partition]; ok {
		return fmt.Errorf("%w: failing partition %q", ErrAlreadyExists, partition)
	}
	s.FailingPartitions[partition] = failing
	return nil
}

func (s *PartitionedState) setFailingPartition(partition eventlog.PartitionID, failing FailingPartition) error {
	if _, ok := s.FailingPartitions[partition]; !ok {
		return fmt.Errorf("%w: failing partition %q", ErrNotFound, partition)
	}
	s.FailingPartitions[partition] = failing
	return nil
}

func (s *PartitionedState) removeFailingPartition(partition eventlog.PartitionID) error {
	if _, ok := s.FailingPartitions[partition]; !ok {
		return fmt.Errorf("%w: failing partition %q", ErrNotFound, partition)
	}
	delete(s.FailingPartitions, partition)
	return nil
}

// NewState returns the state of a processor that has not processed anything yet.
func NewState(kind Kind) (State, error) {
	switch kind {
	case KindUnpartitioned:
		return &UnpartitionedState{}, nil
	case KindPartitioned:
		return &PartitionedState{FailingPartitions: map[eventlog.PartitionID]FailingPartition{}}, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint kind %q", kind)
	}
}

func Clone(state State) State {
	if isNilState(state) {
		return nil
	}
	return state.clone()
}

// isNilState also catches typed nil pointers held in the interface.
func isNilState(state State) bool {
	switch s := state.(type) {
	case nil:
		return true
	case *UnpartitionedState:
		return s == nil
	case *PartitionedState:
		return s == nil
	}
	return false
}
