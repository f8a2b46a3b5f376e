package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

const envelopeVersion = 1

// CommitHandler receives committed batches. Implementations must tolerate
// duplicates and out-of-order delivery.
type CommitHandler interface {
	OnCommit(batch eventlog.CommitBatch)
}

type CommitHandlerFunc func(batch eventlog.CommitBatch)

func (f CommitHandlerFunc) OnCommit(batch eventlog.CommitBatch) {
	f(batch)
}

type CommitPublisher interface {
	PublishCommit(ctx context.Context, batch eventlog.CommitBatch) error
}

// Local hands commits straight to an in-process handler.
type Local struct {
	Handler CommitHandler
}

func (l Local) PublishCommit(_ context.Context, batch eventlog.CommitBatch) error {
	if l.Handler != nil {
		l.Handler.OnCommit(batch)
	}
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []CommitPublisher

func (f Fanout) PublishCommit(ctx context.Context, batch eventlog.CommitBatch) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.PublishCommit(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Envelope is the wire form of a commit notification.
type Envelope struct {
	Version int                  `json:"version"`
	Origin  string               `json:"origin,omitempty"`
	Batch   eventlog.CommitBatch `json:"batch"`
}

func EncodeCommit(origin string, batch eventlog.CommitBatch) ([]byte, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}
	return json.Marshal(Envelope{Version: envelopeVersion, Origin: origin, Batch: batch})
}

func DecodeCommit(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode commit: %w", err)
	}
	if envelope.Version != envelopeVersion {
		return Envelope{}, fmt.Errorf("unsupported commit envelope version %d", envelope.Version)
	}
	if err := envelope.Batch.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("decode commit: %w", err)
	}
	return envelope, nil
}
