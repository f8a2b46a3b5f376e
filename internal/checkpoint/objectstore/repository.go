package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/ledgerline/internal/checkpoint"
	"github.com/ledgerline/ledgerline/internal/eventlog"
	"github.com/ledgerline/ledgerline/internal/storage"
)

const (
	documentVersion = 1
	// maxWriteAttempts bounds how often a persist re-reads the document after
	// losing a conditional write to another replica.
	maxWriteAttempts = 5
)

// document holds every processor state of one group. Writes are conditioned
// on the revision they were merged into, so replicas sharing a bucket never
// drop each other's entries.
type document struct {
	Version    int               `json:"version"`
	Tenant     eventlog.TenantID `json:"tenant_id"`
	Scope      eventlog.ScopeID  `json:"scope_id"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Processors map[string]entry  `json:"processors"`
}

type entry struct {
	Processor    string            `json:"processor"`
	SourceStream string            `json:"source_stream"`
	State        checkpoint.Record `json:"state"`
}

type Repository struct {
	store storage.ObjectStore
	clock func() time.Time
}

func NewRepository(store storage.ObjectStore) *Repository {
	return &Repository{store: store, clock: time.Now}
}

func (r *Repository) TryGet(ctx context.Context, id checkpoint.ProcessorID) (checkpoint.State, bool, error) {
	doc, _, err := r.load(ctx, id.Group())
	if err != nil {
		return nil, false, err
	}
	found, ok := doc.Processors[entryKey(id)]
	if !ok {
		return nil, false, nil
	}
	state, err := checkpoint.DecodeState(found.State)
	if err != nil {
		return nil, false, fmt.Errorf("decode stream processor state %s: %w", id, err)
	}
	return state, true, nil
}

func (r *Repository) PersistBatch(ctx context.Context, group eventlog.ScopeKey, states map[checkpoint.ProcessorID]checkpoint.State) error {
	if len(states) == 0 {
		return nil
	}
	entries := make(map[string]entry, len(states))
	for id, state := range states {
		if id.Group() != group {
			return fmt.Errorf("processor %s does not belong to group %s", id, group)
		}
		record, err := checkpoint.EncodeState(state)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		entries[entryKey(id)] = entry{Processor: id.Processor, SourceStream: id.SourceStream, State: record}
	}

	key, err := storage.BuildCheckpointPath(string(group.Tenant), string(group.Scope))
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		doc, revision, err := r.load(ctx, group)
		if err != nil {
			return err
		}
		for name, e := range entries {
			doc.Processors[name] = e
		}
		doc.UpdatedAt = r.clock().UTC()

		opts := storage.PutOptions{IfMatch: revision}
		if revision == "" {
			opts.IfAbsent = true
		}
		_, err = storage.PutJSON(ctx, r.store, key, doc, opts)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) || attempt >= maxWriteAttempts {
			return fmt.Errorf("write checkpoint document %s: %w", key, err)
		}
	}
}

// load returns the group document and the revision it was read at. A
// missing document yields an empty one with no revision.
func (r *Repository) load(ctx context.Context, group eventlog.ScopeKey) (document, string, error) {
	key, err := storage.BuildCheckpointPath(string(group.Tenant), string(group.Scope))
	if err != nil {
		return document{}, "", err
	}
	doc := document{}
	info, err := storage.GetJSON(ctx, r.store, key, &doc)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		doc = document{Version: documentVersion, Tenant: group.Tenant, Scope: group.Scope}
	case err != nil:
		return document{}, "", fmt.Errorf("read checkpoint document %s: %w", key, err)
	}
	if doc.Version > documentVersion {
		return document{}, "", fmt.Errorf("checkpoint document %s has unsupported version %d", key, doc.Version)
	}
	if doc.Processors == nil {
		doc.Processors = map[string]entry{}
	}
	doc.Version = documentVersion
	return doc, info.ETag, nil
}

func entryKey(id checkpoint.ProcessorID) string {
	return id.Processor + "|" + id.SourceStream
}

var _ checkpoint.Repository = (*Repository)(nil)
