package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/finaceverse/orchestrator/pkg/engineerrors"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeDomainError maps a domain error to an HTTP status and stable error
// code. Unrecognized errors fall back to a generic 500 rather than
// leaking internal detail to the caller.
func writeDomainError(w http.ResponseWriter, err error) {
	var invalid *workflowtypes.InvalidWorkflowError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, string(invalid.Kind), invalid.Error())
		return
	}

	var ee *engineerrors.EngineError
	if errors.As(err, &ee) {
		switch ee.Kind {
		case engineerrors.KindInvalidWorkflow, engineerrors.KindUnknownNodeType,
			engineerrors.KindMissingInput, engineerrors.KindCyclicDependency, engineerrors.KindExpression:
			writeError(w, http.StatusBadRequest, string(ee.Kind), ee.Error())
		case engineerrors.KindEngineBusy:
			writeError(w, http.StatusServiceUnavailable, string(ee.Kind), ee.Error())
		case engineerrors.KindTimeout:
			writeError(w, http.StatusGatewayTimeout, string(ee.Kind), ee.Error())
		default:
			writeError(w, http.StatusInternalServerError, string(ee.Kind), ee.Error())
		}
		return
	}

	switch {
	case errors.Is(err, engineerrors.ErrWorkflowNotFound),
		errors.Is(err, engineerrors.ErrExecutionNotFound),
		errors.Is(err, engineerrors.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engineerrors.ErrInvalidVersion):
		writeError(w, http.StatusConflict, "invalid_version", err.Error())
	case errors.Is(err, engineerrors.ErrApprovalAlreadyVoted):
		writeError(w, http.StatusConflict, "already_voted", err.Error())
	case errors.Is(err, engineerrors.ErrExecutionNotSuspended):
		writeError(w, http.StatusConflict, "not_suspended", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
