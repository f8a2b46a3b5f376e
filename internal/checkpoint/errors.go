package checkpoint

import "errors"

var (
	ErrNotFound       = errors.New("checkpoint: not found")
	ErrAlreadyExists  = errors.New("checkpoint: already exists")
	ErrShuttingDown   = errors.New("checkpoint: store is shutting down")
	ErrNotPartitioned = errors.New("checkpoint: processor is not partitioned")
)
