package api

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codexec/internal/monitor"
	"codexec/internal/sandbox"
	"codexec/internal/storage"
)

type Handlers struct {
	orch        *sandbox.Orchestrator
	db          *storage.DB
	auditWriter *storage.AuditWriter
	metrics     *monitor.Metrics
	tracer      *monitor.Tracer

	defaultIsolate bool

	// Isolated executions share one environment, so they run one at a
	// time; direct executions bypass this lock entirely.
	execMu sync.Mutex
}

func NewHandlers(orch *sandbox.Orchestrator, db *storage.DB, auditWriter *storage.AuditWriter,
	metrics *monitor.Metrics, defaultIsolate bool) *Handlers {
	return &Handlers{
		orch:           orch,
		db:             db,
		auditWriter:    auditWriter,
		metrics:        metrics,
		tracer:         monitor.NewTracer(),
		defaultIsolate: defaultIsolate,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, false)
}

func (h *Handlers) HandleExecuteMonitor(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, true)
}

func (h *Handlers) execute(w http.ResponseWriter, r *http.Request, monitored bool) {
	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Source == "" {
		writeError(w, "source is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Source)))

	execReq := sandbox.ExecutionRequest{
		Source:  req.Source,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
		Isolate: req.Isolate,
	}

	isolated := h.defaultIsolate
	if req.Isolate != nil {
		isolated = *req.Isolate
	}
	if isolated {
		h.execMu.Lock()
		defer h.execMu.Unlock()
	}

	execID := uuid.New().String()
	ctx, span := h.tracer.StartSpan(r.Context(), "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrMode.String(modeLabel(isolated)),
	)
	defer span.End()

	h.metrics.ActiveExecutions.Inc()
	start := time.Now()

	var (
		result sandbox.ExecutionResult
		err    error
	)
	if monitored {
		result, err = h.orch.ExecuteWithMonitoring(ctx, execReq)
	} else {
		result, err = h.orch.Execute(ctx, execReq)
	}
	h.metrics.ActiveExecutions.Dec()

	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNoIsolation):
			writeError(w, err.Error(), "MONITORING_UNAVAILABLE", http.StatusBadRequest, r)
		case errors.Is(err, sandbox.ErrInvalidRequest):
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
			writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		}
		return
	}

	outcome := "success"
	if !result.Success {
		outcome = string(result.Kind)
	}
	h.metrics.RecordExecution(modeLabel(result.Isolated), outcome, result.Duration.Seconds())
	if result.Kind == sandbox.KindSyntax {
		h.metrics.SyntaxRejections.Inc()
	}
	h.metrics.OutputSizeBytes.Observe(float64(len(result.Output)))
	if result.Usage != nil {
		h.metrics.RecordSample(result.Usage.CPUPercent, result.Usage.MemoryMB)
	}

	span.SetAttributes(
		monitor.AttrErrorKind.String(string(result.Kind)),
		monitor.AttrExitCode.Int(result.ExitCode),
		monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
	)

	h.logAudit(execID, req.Source, &result, start, r)

	writeJSON(w, http.StatusOK, toResponse(execID, &result))
}

func (h *Handlers) HandleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req LimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.MemoryMB == nil && req.CPU == nil {
		writeError(w, "at least one of memory_mb or cpu is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	patch := sandbox.LimitsPatch{MemoryMB: req.MemoryMB, CPUFraction: req.CPU}
	if err := h.orch.UpdateLimits(r.Context(), patch); err != nil {
		switch {
		case errors.Is(err, sandbox.ErrInvalidRequest):
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		case errors.Is(err, sandbox.ErrNotReady):
			writeError(w, "no isolated environment to update", "NO_ENVIRONMENT", http.StatusConflict, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("limits update failed")
			writeError(w, "limits update failed", "INTERNAL", http.StatusInternalServerError, r)
		}
		return
	}

	limits := h.orch.Limits()
	writeJSON(w, http.StatusOK, LimitsResponse{MemoryMB: limits.MemoryMB, CPU: limits.CPUFraction})
}

func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Usage(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNotReady):
			writeError(w, "no isolated environment to sample", "NO_ENVIRONMENT", http.StatusConflict, r)
		case errors.Is(err, sandbox.ErrSampleUnavailable):
			writeError(w, "resource sample unavailable", "SAMPLE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		default:
			writeError(w, "usage query failed", "INTERNAL", http.StatusInternalServerError, r)
		}
		return
	}

	h.metrics.RecordSample(snap.CPUPercent, snap.MemoryMB)
	writeJSON(w, http.StatusOK, ResourceUsage{
		CPUPercent:    snap.CPUPercent,
		MemoryMB:      snap.MemoryMB,
		MemoryPercent: snap.MemoryPercent,
	})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		Mode:      r.URL.Query().Get("mode"),
		ErrorKind: r.URL.Query().Get("error_kind"),
		Limit:     100,
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) logAudit(execID, source string, result *sandbox.ExecutionResult, start time.Time, r *http.Request) {
	if h.auditWriter == nil {
		return
	}

	record := &storage.Execution{
		ID:         execID,
		Mode:       modeLabel(result.Isolated),
		CodeHash:   fmt.Sprintf("%x", sha256.Sum256([]byte(source))),
		Success:    result.Success,
		ErrorKind:  string(result.Kind),
		ExitCode:   result.ExitCode,
		Output:     result.Output,
		Error:      result.Error,
		DurationMS: result.Duration.Milliseconds(),
		RequestIP:  r.RemoteAddr,
		CreatedAt:  start,
	}
	if result.Usage != nil {
		record.CPUPercent = result.Usage.CPUPercent
		record.MemoryMB = result.Usage.MemoryMB
	}
	completedAt := time.Now()
	record.CompletedAt = &completedAt

	h.auditWriter.Log(record)
}

func toResponse(execID string, result *sandbox.ExecutionResult) ExecutionResponse {
	resp := ExecutionResponse{
		ID:        execID,
		Success:   result.Success,
		Output:    result.Output,
		ErrorKind: string(result.Kind),
		Isolated:  result.Isolated,
		ExitCode:  result.ExitCode,
		Duration:  result.Duration.String(),
	}
	if !result.Success {
		msg := result.Error
		resp.Error = &msg
	}
	if result.Usage != nil {
		resp.ResourceUsage = &ResourceUsage{
			CPUPercent:    result.Usage.CPUPercent,
			MemoryMB:      result.Usage.MemoryMB,
			MemoryPercent: result.Usage.MemoryPercent,
		}
	}
	return resp
}

func modeLabel(isolated bool) string {
	if isolated {
		return "isolated"
	}
	return "direct"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
