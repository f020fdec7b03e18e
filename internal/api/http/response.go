package http

import (
	"encoding/json"
	"net/http"

	strataerrors "github.com/strata/strata/internal/errors"
)

// ErrorBody is the error payload of every failed request.
type ErrorBody struct {
	Category string                 `json:"category"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// StatusFor maps an error category to its HTTP status.
func StatusFor(err error) int {
	se, ok := strataerrors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch se.Category {
	case strataerrors.ErrCategoryValidation:
		if se.Code == strataerrors.CodeInvalidState {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case strataerrors.ErrCategoryScope:
		return http.StatusForbidden
	case strataerrors.ErrCategoryNotFound:
		return http.StatusNotFound
	case strataerrors.ErrCategoryConflict, strataerrors.ErrCategoryRestore:
		return http.StatusConflict
	case strataerrors.ErrCategoryPlan:
		return http.StatusPaymentRequired
	case strataerrors.ErrCategoryStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a structured error response. Internal causes are not
// exposed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	se, ok := strataerrors.As(err)
	if !ok {
		writeMessage(w, r, status, string(strataerrors.ErrCategoryInternal), strataerrors.CodeUnexpected, "internal server error")
		return
	}
	writeJSON(w, status, ErrorResponse{
		Error: ErrorBody{
			Category: string(se.Category),
			Code:     se.Code,
			Message:  se.Message,
			Details:  se.Details,
		},
		RequestID: GetRequestID(r.Context()),
	})
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, category, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     ErrorBody{Category: category, Code: code, Message: message},
		RequestID: GetRequestID(r.Context()),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return strataerrors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}
