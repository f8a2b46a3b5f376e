package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	// ErrPreconditionFailed reports a conditional write that lost against a
	// concurrent writer.
	ErrPreconditionFailed = errors.New("object precondition failed")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// PutOptions carries the content type and an optional write condition.
// IfMatch and IfAbsent are mutually exclusive.
type PutOptions struct {
	ContentType string
	IfMatch     string
	IfAbsent    bool
}

func (o PutOptions) Validate() error {
	if o.IfMatch != "" && o.IfAbsent {
		return fmt.Errorf("put options: if-match and if-absent are mutually exclusive")
	}
	return nil
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	// Get returns the object body together with the revision it was read at.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

func PutJSON(ctx context.Context, store ObjectStore, key string, value any, opts PutOptions) (ObjectInfo, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("encode %s: %w", key, err)
	}
	opts.ContentType = "application/json"
	return store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), opts)
}

// GetJSON decodes the object at key into out and returns its revision. A
// missing object yields ErrObjectNotFound.
func GetJSON(ctx context.Context, store ObjectStore, key string, out any) (ObjectInfo, error) {
	reader, info, err := store.Get(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer func() { _ = reader.Close() }()
	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return ObjectInfo{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return info, nil
}
