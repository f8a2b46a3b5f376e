package checkpoint

import (
	"fmt"
	"maps"
	"time"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

// Record is the persisted and wire form of a State. Kind is always written
// and decides which fields apply.
type Record struct {
	Kind                      Kind                                      `json:"kind"`
	Position                  eventlog.SequenceNumber                   `json:"position"`
	IsFailing                 bool                                      `json:"is_failing,omitempty"`
	FailureReason             string                                    `json:"failure_reason,omitempty"`
	RetryTime                 time.Time                                 `json:"retry_time"`
	ProcessingAttempts        uint32                                    `json:"processing_attempts,omitempty"`
	LastSuccessfullyProcessed time.Time                                 `json:"last_successfully_processed"`
	FailingPartitions         map[eventlog.PartitionID]FailingPartition `json:"failing_partitions,omitempty"`
}

func EncodeState(state State) (Record, error) {
	switch s := state.(type) {
	case *UnpartitionedState:
		return Record{
			Kind:                      KindUnpartitioned,
			Position:                  s.Position,
			IsFailing:                 s.IsFailing,
			FailureReason:             s.FailureReason,
			RetryTime:                 s.RetryTime,
			ProcessingAttempts:        s.ProcessingAttempts,
			LastSuccessfullyProcessed: s.LastSuccessfullyProcessed,
		}, nil
	case *PartitionedState:
		return Record{
			Kind:                      KindPartitioned,
			Position:                  s.Position,
			LastSuccessfullyProcessed: s.LastSuccessfullyProcessed,
			FailingPartitions:         maps.Clone(s.FailingPartitions),
		}, nil
	case nil:
		return Record{}, fmt.Errorf("checkpoint state is required")
	default:
		return Record{}, fmt.Errorf("unsupported checkpoint state %T", state)
	}
}

func DecodeState(record Record) (State, error) {
	switch record.Kind {
	case KindUnpartitioned:
		return &UnpartitionedState{
			Position:                  record.Position,
			IsFailing:                 record.IsFailing,
			FailureReason:             record.FailureReason,
			RetryTime:                 record.RetryTime,
			ProcessingAttempts:        record.ProcessingAttempts,
			LastSuccessfullyProcessed: record.LastSuccessfullyProcessed,
		}, nil
	case KindPartitioned:
		if record.IsFailing {
			return nil, fmt.Errorf("partitioned checkpoint cannot carry an unpartitioned failure")
		}
		failing := maps.Clone(record.FailingPartitions)
		if failing == nil {
			failing = map[eventlog.PartitionID]FailingPartition{}
		}
		return &PartitionedState{
			Position:                  record.Position,
			FailingPartitions:         failing,
			LastSuccessfullyProcessed: record.LastSuccessfullyProcessed,
		}, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint kind %q", record.Kind)
	}
}
