package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/factually-labs/pipeline/internal/bus"
	"github.com/factually-labs/pipeline/internal/workflow"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// createWorkflowRequest is the JSON body for POST /workflows.
type createWorkflowRequest struct {
	WorkflowType   string         `json:"workflow_type"`
	InitialPayload map[string]any `json:"initial_payload"`
}

// createWorkflowResponse is the JSON response for POST /workflows.
type createWorkflowResponse struct {
	CorrelationID string          `json:"correlation_id"`
	WorkflowType  string          `json:"workflow_type"`
	Status        workflow.Status `json:"status"`
}

// handleCreateWorkflow validates the request, resolves an Idempotency-Key
// against a prior creation if present, and otherwise builds and persists a
// new workflow before publishing its first task.
func handleCreateWorkflow(store workflow.Store, idem idempotencyStore, js bus.Publisher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.WorkflowType == "" {
			writeJSONError(w, http.StatusBadRequest, "workflow_type is required")
			return
		}

		ctx := r.Context()
		idemKey := r.Header.Get("Idempotency-Key")
		if idemKey != "" {
			existing, err := idem.Lookup(ctx, idemKey)
			if err != nil {
				logger.Error("idempotency lookup failed", "err", err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if existing != "" {
				wf, err := store.Load(ctx, existing)
				if err == nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					json.NewEncoder(w).Encode(createWorkflowResponse{
						CorrelationID: wf.CorrelationID,
						WorkflowType:  wf.WorkflowType,
						Status:        wf.Status,
					})
					return
				}
			}
		}

		correlationID := uuid.NewString()
		wf, task, err := workflow.Create(correlationID, req.WorkflowType, req.InitialPayload, time.Now().UTC())
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := store.Create(ctx, wf); err != nil {
			logger.Error("workflow create failed", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		if err := bus.Publish(ctx, js, bus.TaskSubject(task.Task), task); err != nil {
			logger.Error("initial task publish failed", "err", err, "correlation_id", correlationID)
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		if idemKey != "" {
			if err := idem.Record(ctx, idemKey, correlationID); err != nil {
				logger.Warn("idempotency record failed", "err", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(createWorkflowResponse{
			CorrelationID: wf.CorrelationID,
			WorkflowType:  wf.WorkflowType,
			Status:        wf.Status,
		})
	}
}

// getWorkflowResponse is the JSON response for GET /workflows/{id}.
type getWorkflowResponse struct {
	CorrelationID    string              `json:"correlation_id"`
	WorkflowType     string              `json:"workflow_type"`
	Status           workflow.Status     `json:"status"`
	CurrentIndex     int                 `json:"current_index"`
	CurrentStage     string              `json:"current_stage,omitempty"`
	StageOutput      map[string]any      `json:"stage_output"`
	PendingChildren  int                 `json:"pending_children"`
	AttemptsPerStage map[string]int      `json:"attempts_per_stage"`
	LastError        *workflow.LastError `json:"last_error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func handleGetWorkflow(store workflow.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeJSONError(w, http.StatusBadRequest, "id required")
			return
		}

		wf, err := store.Load(r.Context(), id)
		if err != nil {
			if errors.Is(err, workflow.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "workflow not found")
				return
			}
			logger.Error("workflow load failed", "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		resp := getWorkflowResponse{
			CorrelationID:    wf.CorrelationID,
			WorkflowType:     wf.WorkflowType,
			Status:           wf.Status,
			CurrentIndex:     wf.CurrentIndex,
			StageOutput:      wf.StageOutput,
			PendingChildren:  wf.PendingChildren,
			AttemptsPerStage: wf.AttemptsPerStage,
			LastError:        wf.LastError,
			CreatedAt:        wf.CreatedAt,
			UpdatedAt:        wf.UpdatedAt,
		}
		if stage := wf.CurrentStage(); stage != nil {
			resp.CurrentStage = stage.Name
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleCancelWorkflow(store workflow.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeJSONError(w, http.StatusBadRequest, "id required")
			return
		}

		ctx := r.Context()
		for {
			wf, err := store.Load(ctx, id)
			if err != nil {
				if errors.Is(err, workflow.ErrNotFound) {
					writeJSONError(w, http.StatusNotFound, "workflow not found")
					return
				}
				logger.Error("workflow load failed", "err", err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if wf.Status.Terminal() {
				writeJSONError(w, http.StatusConflict, "workflow already terminal")
				return
			}
			version := wf.Version
			next := workflow.Cancel(wf, time.Now().UTC())
			if err := store.CompareAndSet(ctx, id, version, next); err != nil {
				if errors.Is(err, workflow.ErrConflict) {
					continue
				}
				logger.Error("workflow cancel CAS failed", "err", err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
}

// busPinger is satisfied by *nats.Conn; narrowed so tests can fake a
// connected/disconnected bus without dialing a real server.
type busPinger interface {
	Status() nats.Status
}

// kvPinger is satisfied by workflow.KVStore; narrowed so tests can fake it
// without standing up a real JetStream KV bucket.
type kvPinger interface {
	Status(ctx context.Context) error
}

// handleHealth reports 200 only when both the bus connection and the
// workflow KV bucket are reachable, per spec §6.
func handleHealth(nc busPinger, kv kvPinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if nc.Status() != nats.CONNECTED {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "bus unavailable"})
			return
		}
		if err := kv.Status(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "store unavailable"})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
