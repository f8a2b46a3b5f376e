package api

import (
	"net/http"
	"strings"

	"github.com/ledgerline/ledgerline/internal/auth"
	"github.com/ledgerline/ledgerline/internal/checkpoint"
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/eventlog"
)

type checkpointResponse struct {
	TenantID     string            `json:"tenant_id"`
	ScopeID      string            `json:"scope_id"`
	Processor    string            `json:"processor"`
	SourceStream string            `json:"source_stream"`
	State        checkpoint.Record `json:"state"`
}

type initCheckpointRequest struct {
	Kind string `json:"kind"`
}

func handleGetCheckpoint(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	id, ok := checkpointRequest(deps, w, r, auth.RoleEventReader)
	if !ok {
		return
	}
	state, err := deps.Checkpoints.Get(r.Context(), id)
	if err != nil {
		writeServiceError(r, w, err, "CHECKPOINT_READ_FAILED")
		return
	}
	writeCheckpoint(w, r, http.StatusOK, id, state)
}

func handleInitCheckpoint(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	id, ok := checkpointRequest(deps, w, r, auth.RoleCheckpointWriter)
	if !ok {
		return
	}
	var body initCheckpointRequest
	if !decodeBody(w, r, &body) {
		return
	}
	kind, err := checkpoint.ParseKind(body.Kind)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_KIND", err.Error(), false, nil)
		return
	}
	state, err := deps.Checkpoints.GetOrCreate(r.Context(), id, kind)
	if err != nil {
		writeServiceError(r, w, err, "CHECKPOINT_INIT_FAILED")
		return
	}
	writeCheckpoint(w, r, http.StatusOK, id, state)
}

func handlePutCheckpoint(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	id, ok := checkpointRequest(deps, w, r, auth.RoleCheckpointWriter)
	if !ok {
		return
	}
	var record checkpoint.Record
	if !decodeBody(w, r, &record) {
		return
	}
	state, err := checkpoint.DecodeState(record)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_STATE", err.Error(), false, nil)
		return
	}
	if err := deps.Checkpoints.Set(r.Context(), id, state); err != nil {
		writeServiceError(r, w, err, "CHECKPOINT_WRITE_FAILED")
		return
	}
	writeCheckpoint(w, r, http.StatusOK, id, state)
}

func handleAddFailingPartition(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	id, partition, failing, ok := failingPartitionRequest(deps, w, r, true)
	if !ok {
		return
	}
	state, err := deps.Checkpoints.AddFailingPartition(r.Context(), id, partition, failing)
	if err != nil {
		writeServiceError(r, w, err, "CHECKPOINT_WRITE_FAILED")
		return
	}
	writeCheckpoint(w, r, http.StatusCreated, id, state)
}

func handleSetFailingPartition(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	id, partition, failing, ok := failingPartitionRequest(deps, w, r, true)
	if !ok {
		return
	}
	state, err := deps.Checkpoints.SetFailingPartition(r.Context(), id, partition, failing)
	if err != nil {
		writeServiceError(r, w, err, "CHECKPOINT_WRITE_FAILED")
		return
	}
	writeCheckpoint(w, r, http.StatusOK, id, state)
}

func handleRemoveFailingPartition(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	id, partition, _, ok := failingPartitionRequest(deps, w, r, false)
	if !ok {
		return
	}
	state, err := deps.Checkpoints.RemoveFailingPartition(r.Context(), id, partition)
	if err != nil {
		writeServiceError(r, w, err, "CHECKPOINT_WRITE_FAILED")
		return
	}
	writeCheckpoint(w, r, http.StatusOK, id, state)
}

func checkpointRequest(deps Dependencies, w http.ResponseWriter, r *http.Request, role string) (checkpoint.ProcessorID, bool) {
	if deps.Checkpoints == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHECKPOINTS_NOT_CONFIGURED", "checkpoints are not configured", false, nil)
		return checkpoint.ProcessorID{}, false
	}
	scope, ok := requestScope(w, r, role)
	if !ok {
		return checkpoint.ProcessorID{}, false
	}
	id := checkpoint.ProcessorID{
		Tenant:       scope.Tenant,
		Scope:        scope.Scope,
		Processor:    strings.TrimSpace(r.PathValue("processor")),
		SourceStream: strings.TrimSpace(r.PathValue("stream")),
	}
	if err := id.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PROCESSOR", err.Error(), false, nil)
		return checkpoint.ProcessorID{}, false
	}
	return id, true
}

func failingPartitionRequest(deps Dependencies, w http.ResponseWriter, r *http.Request, withBody bool) (checkpoint.ProcessorID, eventlog.PartitionID, checkpoint.FailingPartition, bool) {
	var failing checkpoint.FailingPartition
	id, ok := checkpointRequest(deps, w, r, auth.RoleCheckpointWriter)
	if !ok {
		return id, "", failing, false
	}
	partition := eventlog.PartitionID(strings.TrimSpace(r.PathValue("partition")))
	if partition == eventlog.Unpartitioned {
		writeError(r.Context(), w, http.StatusBadRequest, "PARTITION_REQUIRED", "partition path parameter is required", false, nil)
		return id, "", failing, false
	}
	if withBody && !decodeBody(w, r, &failing) {
		return id, "", failing, false
	}
	return id, partition, failing, true
}

func writeCheckpoint(w http.ResponseWriter, r *http.Request, status int, id checkpoint.ProcessorID, state checkpoint.State) {
	record, err := checkpoint.EncodeState(state)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CHECKPOINT_ENCODE_FAILED", err.Error(), false, nil)
		return
	}
	writeJSON(w, status, checkpointResponse{
		TenantID:     string(id.Tenant),
		ScopeID:      string(id.Scope),
		Processor:    id.Processor,
		SourceStream: id.SourceStream,
		State:        record,
	})
}
