package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/qcom/queryportal/internal/service"
)

const (
	StatusFail  = "fail"
	StatusError = "error"

	CodeValidation = "VALIDATION_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
	CodeNotFound   = "NOT_FOUND"
)

type ErrorResponse struct {
	Status  string            `json:"status"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func RespondError(w http.ResponseWriter, status int, code, message string) {
	body := ErrorResponse{Status: StatusFail, Code: code, Message: message}
	if status >= http.StatusInternalServerError {
		body.Status = StatusError
	}
	RespondJSON(w, status, body)
}

// RespondAuthError writes a 401 for authentication failures and a generic 500
// for everything else. Internal details never reach the client.
func RespondAuthError(w http.ResponseWriter, err error) {
	if authErr, ok := service.AsAuthenticationError(err); ok {
		RespondError(w, authErr.StatusCode(), authErr.Code(), authErr.Message())
		return
	}
	RespondError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
}
