// Package handlers is the thin HTTP binding of the verification gateway.
// Each endpoint maps 1:1 to a gateway operation; no business logic here.
// Authentication (JWT, PIN login) is terminated upstream by the platform's
// API gateway and is out of scope for the engine.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/gateway"
	"github.com/1withall/nabr/internal/orchestrator"
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/timers"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	switch {
	case errors.Is(err, orchestrator.ErrMethodNotApplicable):
		status, code = http.StatusUnprocessableEntity, "method_not_applicable"
	case errors.Is(err, orchestrator.ErrAlreadyActive):
		status, code = http.StatusConflict, "already_active"
	case errors.Is(err, orchestrator.ErrAlreadyMaxed):
		status, code = http.StatusConflict, "already_maxed"
	case errors.Is(err, orchestrator.ErrNoActiveRun):
		status, code = http.StatusNotFound, "no_active_run"
	case errors.Is(err, orchestrator.ErrNothingToRevoke):
		status, code = http.StatusNotFound, "nothing_to_revoke"
	case errors.Is(err, orchestrator.ErrAlreadyAttested):
		status, code = http.StatusConflict, "already_attested"
	case errors.Is(err, gateway.ErrTokenUnknown):
		status, code = http.StatusNotFound, "token_unknown"
	case errors.Is(err, gateway.ErrTokenExpired):
		status, code = http.StatusGone, "token_expired"
	case errors.Is(err, gateway.ErrVerifierDenied):
		status, code = http.StatusForbidden, "verifier_denied"
	case errors.Is(err, protocols.ErrAttestorDenied):
		status, code = http.StatusForbidden, "attestor_denied"
	case errors.Is(err, protocols.ErrTokenExpired):
		status, code = http.StatusGone, "token_expired"
	case errors.Is(err, protocols.ErrTokenUnknown):
		status, code = http.StatusNotFound, "token_unknown"
	case errors.Is(err, orchestrator.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "temporarily_unavailable"
	}

	writeJSON(w, status, map[string]interface{}{"error": code, "detail": err.Error()})
}

func methodFromVars(w http.ResponseWriter, r *http.Request) (core.Method, bool) {
	m, ok := core.ParseMethod(mux.Vars(r)["method"])
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "unknown_method"})
		return "", false
	}
	return m, true
}

// HandleStartMethod starts a verification method for a subject.
// POST /v1/subjects/{subjectId}/methods/{method}/start
func HandleStartMethod(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]
		method, ok := methodFromVars(w, r)
		if !ok {
			return
		}

		var req struct {
			Params    map[string]interface{} `json:"params"`
			Class     string                 `json:"class"`
			CommandID string                 `json:"command_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
			return
		}
		if req.CommandID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "command_id_required"})
			return
		}
		if req.Class != "" {
			gw.RegisterSubject(subjectID, core.SubjectClass(req.Class))
		}

		res, err := gw.StartMethod(r.Context(), subjectID, method, req.Params, req.CommandID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"protocol_run_id": res.ProtocolRunID})
	}
}

// HandleVerifierConfirm accepts a two-party confirmation by QR token.
// POST /v1/confirmations
func HandleVerifierConfirm(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token      string `json:"token"`
			VerifierID string `json:"verifier_id"`
			Evidence   []byte `json:"evidence"`
			CommandID  string `json:"command_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.VerifierID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
			return
		}

		accepted, err := gw.VerifierConfirm(r.Context(), req.Token, req.VerifierID, req.Evidence, req.CommandID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": accepted})
	}
}

// HandleAttest receives a reference or community attestation.
// POST /v1/subjects/{subjectId}/attestations
func HandleAttest(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]

		var req struct {
			Method     string `json:"method"`
			AttestorID string `json:"attestor_id"`
			Text       string `json:"text"`
			CommandID  string `json:"command_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttestorID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
			return
		}
		method := core.MethodCommunityAttestation
		if req.Method != "" {
			m, ok := core.ParseMethod(req.Method)
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "unknown_method"})
				return
			}
			method = m
		}

		accepted, err := gw.Attest(r.Context(), subjectID, method, req.AttestorID, req.Text, req.CommandID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": accepted})
	}
}

// HandleSignal feeds a protocol signal (code entry, review decision).
// POST /v1/subjects/{subjectId}/methods/{method}/signal
func HandleSignal(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]
		method, ok := methodFromVars(w, r)
		if !ok {
			return
		}

		var req struct {
			Code     string `json:"code,omitempty"`
			Approved *bool  `json:"approved,omitempty"`
			Reason   string `json:"reason,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
			return
		}

		var sig protocols.Signal
		switch {
		case req.Code != "":
			sig = protocols.CodeEntered{Code: req.Code}
		case req.Approved != nil:
			sig = protocols.ReviewDecision{Approved: *req.Approved, Reason: req.Reason}
		default:
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "unknown_signal"})
			return
		}

		if err := gw.Signal(r.Context(), subjectID, method, sig); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
	}
}

// HandleRevoke voids a method completion.
// POST /v1/subjects/{subjectId}/methods/{method}/revoke
func HandleRevoke(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]
		method, ok := methodFromVars(w, r)
		if !ok {
			return
		}

		var req struct {
			Reason    string `json:"reason"`
			ActorID   string `json:"actor_id"`
			CommandID string `json:"command_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
			return
		}

		res, err := gw.Revoke(r.Context(), subjectID, method, req.Reason, req.ActorID, req.CommandID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"new_level": res.NewLevel.String()})
	}
}

// HandleCancelMethod cancels the active protocol for a method.
// POST /v1/subjects/{subjectId}/methods/{method}/cancel
func HandleCancelMethod(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]
		method, ok := methodFromVars(w, r)
		if !ok {
			return
		}
		if err := gw.CancelMethod(r.Context(), subjectID, method); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
	}
}

// HandleVerificationStatus returns score, level, and completions.
// GET /v1/subjects/{subjectId}/verification
func HandleVerificationStatus(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]
		ctx := r.Context()

		score, err := gw.Score(ctx, subjectID)
		if err != nil {
			writeError(w, err)
			return
		}
		level, err := gw.Level(ctx, subjectID)
		if err != nil {
			writeError(w, err)
			return
		}
		completed, err := gw.CompletedMethods(ctx, subjectID)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"subject_id": subjectID,
			"score":      score,
			"level":      level.String(),
			"completed":  completed,
		})
	}
}

// HandleNextLevel returns the gap to the next band with suggested paths.
// GET /v1/subjects/{subjectId}/next-level
func HandleNextLevel(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]
		nl, err := gw.NextLevel(r.Context(), subjectID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"target_level":    nl.TargetLevel.String(),
			"points_needed":   nl.PointsNeeded,
			"suggested_paths": nl.SuggestedPaths,
		})
	}
}

// HandleMethodStatus returns one method's standing.
// GET /v1/subjects/{subjectId}/methods/{method}
func HandleMethodStatus(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := mux.Vars(r)["subjectId"]
		method, ok := methodFromVars(w, r)
		if !ok {
			return
		}
		status, err := gw.MethodStatus(r.Context(), subjectID, method)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// HandleStuckRuns lists compensation-incomplete runs for operators.
// GET /v1/ops/stuck-runs
func HandleStuckRuns(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"stuck": gw.StuckRuns()})
	}
}

// HandleExpiryFire is the Cloud Tasks callback for durable expiry timers.
// POST /v1/internal/expiry-fire
func HandleExpiryFire(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fire timers.ExpiryFire
		if err := json.NewDecoder(r.Body).Decode(&fire); err != nil || fire.SubjectID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
			return
		}
		gw.HandleExpiry(fire)
		writeJSON(w, http.StatusOK, map[string]interface{}{"processed": true})
	}
}

// HandleHealthz is the liveness probe.
// GET /healthz
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	}
}
