package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/compute"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler is the HTTP shim in front of the compute manager. Lifecycle
// operations run in the background unless the request asks to wait.
type Handler struct {
	mgr     *compute.Manager
	store   storage.Store
	log     *zap.Logger
	host    string
	timeout time.Duration

	inflight sync.WaitGroup
}

func NewHandler(mgr *compute.Manager, store storage.Store, log *zap.Logger, host string, timeout time.Duration) *Handler {
	return &Handler{
		mgr:     mgr,
		store:   store,
		log:     log,
		host:    host,
		timeout: timeout,
	}
}

// Routes returns the HTTP routes of the shim.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("POST /instances", h.handleCreate)
	mux.HandleFunc("GET /instances", h.handleList)
	mux.HandleFunc("GET /instances/{id}", h.handleGet)
	mux.HandleFunc("GET /instances/{id}/fault", h.handleFault)
	mux.HandleFunc("POST /instances/{id}/base", h.handleBase)
	mux.HandleFunc("POST /instances/{id}/overlay", h.handleOverlay)
	mux.HandleFunc("POST /instances/{id}/handoff", h.handleHandoff)
	mux.HandleFunc("POST /instances/{id}/terminate", h.handleTerminate)
	return mux
}

// Wait blocks until background operations have returned.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from cloudlet"})
}

type blockDevice struct {
	DeviceName          string `json:"device_name"`
	VolumeID            string `json:"volume_id"`
	SourceType          string `json:"source_type"`
	BootIndex           int    `json:"boot_index"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// handleCreate registers an instance record that the lifecycle operations
// can act on.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string        `json:"name"`
		ProjectID    string        `json:"project_id"`
		VCPUs        int64         `json:"vcpus"`
		MemoryMB     int64         `json:"memory_mb"`
		BlockDevices []blockDevice `json:"block_devices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Name == "" || req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "name and project_id required")
		return
	}

	now := time.Now().UTC()
	inst := &models.Instance{
		ID:        uuid.NewString(),
		Name:      req.Name,
		ProjectID: req.ProjectID,
		Host:      h.host,
		VCPUs:     req.VCPUs,
		MemoryMB:  req.MemoryMB,
		VMState:   models.VMActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
	ctx := r.Context()
	if err := h.store.SaveInstance(ctx, inst); err != nil {
		h.log.Error("save instance", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create instance")
		return
	}
	for _, bd := range req.BlockDevices {
		bdm := &models.BlockDeviceMapping{
			InstanceID:          inst.ID,
			DeviceName:          bd.DeviceName,
			VolumeID:            bd.VolumeID,
			SourceType:          bd.SourceType,
			BootIndex:           bd.BootIndex,
			DeleteOnTermination: bd.DeleteOnTermination,
		}
		if err := h.store.SaveBlockDeviceMapping(ctx, bdm); err != nil {
			h.log.Error("save block device mapping", logging.Instance(inst.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to attach block device")
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       inst.ID,
		"vm_state": inst.VMState,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	insts, err := h.store.ListInstances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	if insts == nil {
		insts = []*models.Instance{}
	}
	writeJSON(w, http.StatusOK, insts)
}

// handleGet also returns deleted instances so callers can observe the
// outcome of a teardown.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.GetInstanceReadDeleted(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) handleFault(w http.ResponseWriter, r *http.Request) {
	fault, err := h.store.GetInstanceFault(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fault)
}

func (h *Handler) handleBase(w http.ResponseWriter, r *http.Request) {
	var req models.BaseCapture
	if !decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, compute.OpCreateBase, func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		return h.mgr.CreateBase(ctx, rc, inst, req)
	})
}

func (h *Handler) handleOverlay(w http.ResponseWriter, r *http.Request) {
	var req models.OverlayCapture
	if !decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, compute.OpFinishOverlay, func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		return h.mgr.FinishOverlay(ctx, rc, inst, req)
	})
}

func (h *Handler) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req models.Handoff
	if !decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, compute.OpHandoff, func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		return h.mgr.Handoff(ctx, rc, inst, req)
	})
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rc := requestContext(r)
	err := h.mgr.TerminateInstance(r.Context(), rc, &models.Instance{ID: id})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "request_id": rc.RequestID, "result": "terminated"})
}

// dispatch runs op under the operation timeout. With ?wait=true the result
// is returned in the response; otherwise the call is accepted and runs in
// the background, detached from the request's cancellation.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, name string,
	op func(context.Context, models.RequestContext, *models.Instance) error) {
	inst, err := h.store.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	rc := requestContext(r)
	resp := map[string]string{"id": inst.ID, "operation": name, "request_id": rc.RequestID}

	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := op(ctx, rc, inst); err != nil {
			writeFailure(w, err)
			return
		}
		resp["result"] = "ok"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
		defer cancel()
		if err := op(ctx, rc, inst); err != nil {
			h.log.Warn("background operation failed", logging.Instance(inst.ID),
				zap.String("operation", name), zap.String("request_id", rc.RequestID), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, resp)
}

func requestContext(r *http.Request) models.RequestContext {
	rc := models.RequestContext{
		RequestID: r.Header.Get("X-Request-ID"),
		UserID:    r.Header.Get("X-User-ID"),
		ProjectID: r.Header.Get("X-Project-ID"),
	}
	if rc.RequestID == "" {
		rc.RequestID = "req-" + uuid.NewString()
	}
	return rc
}

// validator is implemented by the operation descriptors.
type validator interface {
	Validate() error
}

func decode(w http.ResponseWriter, r *http.Request, v validator) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	if err := v.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, "instance not found")
	case storage.IsStateConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
