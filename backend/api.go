package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/zhilfond/domo/backend/credentials"
	"github.com/zhilfond/domo/backend/dispatch"
	"github.com/zhilfond/domo/backend/middleware"
	"github.com/zhilfond/domo/backend/requestnum"
	"github.com/zhilfond/domo/backend/servicemode"
	"github.com/zhilfond/domo/backend/statemachine"
	"github.com/zhilfond/domo/backend/store"
	"github.com/zhilfond/domo/backend/webhooks"
)

// API holds the HTTP handlers and their dependencies.
type API struct {
	db         store.Store
	allocator  *requestnum.Allocator
	machine    *statemachine.Machine
	dispatcher *dispatch.Dispatcher
	creds      *credentials.Store
	ingestor   *webhooks.Ingestor
	modes      *servicemode.Controller
	opsHub     *OpsHub
}

func NewAPI(db store.Store, allocator *requestnum.Allocator, machine *statemachine.Machine,
	dispatcher *dispatch.Dispatcher, creds *credentials.Store, ingestor *webhooks.Ingestor,
	modes *servicemode.Controller, opsHub *OpsHub) *API {
	return &API{
		db:         db,
		allocator:  allocator,
		machine:    machine,
		dispatcher: dispatcher,
		creds:      creds,
		ingestor:   ingestor,
		modes:      modes,
		opsHub:     opsHub,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response failed: %v", err)
	}
}

// --- Requests ---

type createRequestInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priority    int      `json:"priority"`
	Address     string   `json:"address"`
	BuildingID  string   `json:"building_id"`
	Apartment   string   `json:"apartment"`
	District    string   `json:"district"`
	ApplicantID string   `json:"applicant_id"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

func (a *API) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in createRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "malformed body")
		return
	}
	if in.Title == "" || in.ApplicantID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "title and applicant_id are required")
		return
	}
	if in.Priority < 1 || in.Priority > 5 {
		in.Priority = 3
	}

	number, err := a.allocator.Next(r.Context())
	if err != nil {
		if errors.Is(err, requestnum.ErrExhausted) {
			middleware.WriteError(w, http.StatusConflict, "allocator_exhausted", "daily request capacity reached")
			return
		}
		middleware.WriteError(w, http.StatusServiceUnavailable, "dependency_unavailable", "number allocation failed")
		return
	}

	now := time.Now().UTC()
	req := &store.Request{
		Number:      number,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Priority:    in.Priority,
		Status:      statemachine.StatusNew,
		Address:     in.Address,
		BuildingID:  in.BuildingID,
		Apartment:   in.Apartment,
		District:    in.District,
		ApplicantID: in.ApplicantID,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.db.CreateRequest(r.Context(), req); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "persist request failed")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.db.GetRequest(r.Context(), r.PathValue("number"))
	if errors.Is(err, store.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "no such request")
		return
	}
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionInput struct {
	To       string   `json:"to"`
	Comment  string   `json:"comment"`
	Media    []string `json:"media"`
	Internal bool     `json:"internal"`
	ActorID  string   `json:"actor_id"`
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	var in transitionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "malformed body")
		return
	}

	cred, _ := middleware.CredentialFrom(r.Context())
	actor := statemachine.Actor{ID: in.ActorID}
	if cred != nil {
		actor.Permissions = cred.Permissions
		if actor.ID == "" {
			actor.ID = cred.ServiceName
		}
	}

	err := a.machine.Transition(r.Context(), statemachine.TransitionInput{
		RequestNumber: r.PathValue("number"),
		To:            in.To,
		Actor:         actor,
		Comment:       in.Comment,
		Media:         in.Media,
		Internal:      in.Internal,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "status": in.To})
	case errors.Is(err, store.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not_found", "no such request")
	case errors.Is(err, statemachine.ErrIllegalTransition), errors.Is(err, statemachine.ErrUnknownStatus):
		middleware.WriteError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, statemachine.ErrUnauthorized):
		middleware.WriteError(w, http.StatusForbidden, "insufficient_permissions", err.Error())
	case errors.Is(err, store.ErrStaleState):
		middleware.WriteError(w, http.StatusConflict, "stale_state", "status changed concurrently, re-read and retry")
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "transition failed")
	}
}

func (a *API) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := a.db.ListComments(r.Context(), r.PathValue("number"))
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "list comments failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comments": comments})
}

// --- Dispatch ---

func (a *API) handleDispatchOne(w http.ResponseWriter, r *http.Request) {
	res, err := a.dispatcher.DispatchOne(r.Context(), r.PathValue("number"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, store.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not_found", "no such request")
	case errors.Is(err, dispatch.ErrNotDispatchable):
		middleware.WriteError(w, http.StatusConflict, "illegal_transition", err.Error())
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "dispatch failed")
	}
}

func (a *API) handleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Numbers []string `json:"numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.Numbers) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "numbers is required")
		return
	}
	results, err := a.dispatcher.DispatchBatch(r.Context(), in.Numbers)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "batch dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (a *API) handlePendingAssignments(w http.ResponseWriter, r *http.Request) {
	maxWait := 0
	if v := r.URL.Query().Get("max_wait_minutes"); v != "" {
		maxWait, _ = strconv.Atoi(v)
	}
	pending, err := a.dispatcher.GetPendingAssignments(r.Context(), maxWait)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "enumerate pending failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending, "count": len(pending)})
}

func (a *API) handleConfirmAssignment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ExecutorID string  `json:"executor_id"`
		AssignerID string  `json:"assigner_id"`
		Score      float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ExecutorID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "executor_id is required")
		return
	}
	err := a.dispatcher.ConfirmAssignment(r.Context(), r.PathValue("number"), in.ExecutorID, in.AssignerID, in.Score)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	case errors.Is(err, store.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not_found", "no such request")
	case errors.Is(err, dispatch.ErrNotDispatchable):
		middleware.WriteError(w, http.StatusConflict, "illegal_transition", err.Error())
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "confirm failed")
	}
}

// --- Webhooks ---

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "unreadable body")
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	out, err := a.ingestor.Ingest(r.Context(), r.PathValue("source"), headers, body)
	if err != nil {
		switch {
		case errors.Is(err, webhooks.ErrUnknownSource):
			middleware.WriteError(w, http.StatusNotFound, "not_found", "unknown webhook source")
		case errors.Is(err, webhooks.ErrInvalidSignature):
			middleware.WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid signature")
		default:
			middleware.WriteError(w, http.StatusInternalServerError, "internal", "webhook processing failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.Status)
	if len(out.Body) > 0 {
		w.Write(out.Body)
	} else {
		w.Write([]byte(`{"ok":true}`))
	}
}

// --- Admin ---

func (a *API) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ServiceName string   `json:"service_name"`
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ServiceName == "" {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "service_name is required")
		return
	}
	rawKey, err := a.creds.Issue(r.Context(), in.ServiceName, in.Permissions)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "issue failed")
		return
	}
	// the raw key is returned exactly once and never stored
	writeJSON(w, http.StatusCreated, map[string]string{
		"service_name": in.ServiceName,
		"api_key":      rawKey,
	})
}

func (a *API) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Reason  string `json:"reason"`
		AdminID string `json:"admin_id"`
	}
	json.NewDecoder(r.Body).Decode(&in)

	if err := a.creds.Revoke(r.Context(), r.PathValue("service"), in.Reason, in.AdminID); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "revoke failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (a *API) handleRestoreCredential(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AdminID string `json:"admin_id"`
	}
	json.NewDecoder(r.Body).Decode(&in)

	if err := a.creds.Restore(r.Context(), r.PathValue("service"), in.AdminID); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "restore failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (a *API) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	creds, err := a.creds.Status(r.Context())
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "status failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds})
}

func (a *API) handleCredentialAudit(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, _ = strconv.Atoi(v)
	}
	records, err := a.creds.Audit(r.Context(), hours)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "audit failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// handleHealth reports liveness along with the current service mode, so
// operators see degradation without the admin surface.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"service_mode": a.modes.Mode(),
	})
}

func (a *API) handleServiceMode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":       a.modes.Mode(),
			"changed_at": a.modes.ChangedAt(),
		})
		return
	}

	var in struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "malformed body")
		return
	}
	mode := servicemode.Mode(in.Mode)
	if !mode.Valid() {
		middleware.WriteError(w, http.StatusBadRequest, "validation_error", "unknown service mode")
		return
	}
	a.modes.Set(mode)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mode": mode})
}

// handleLegacyToken answers the retired self-issuance endpoint. Static
// HMAC keys are the only supported credential.
func (a *API) handleLegacyToken(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, http.StatusGone, "gone", "token self-issuance is retired; use service API keys")
}
