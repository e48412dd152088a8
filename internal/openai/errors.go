package openai

import (
	"encoding/json"
	"net/http"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
)

// errorBody is the OpenAI wire error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code,omitempty"`
}

// errType maps gateway error kinds onto the compat error vocabulary.
func errType(kind apierr.Kind) (string, int) {
	switch kind {
	case apierr.KindValidation:
		return "invalid_request_error", http.StatusBadRequest
	case apierr.KindAuthentication:
		return "authentication_error", http.StatusUnauthorized
	case apierr.KindAuthorization:
		return "permission_error", http.StatusForbidden
	case apierr.KindNotFound:
		return "not_found_error", http.StatusNotFound
	case apierr.KindConflict, apierr.KindInvalidState:
		return "invalid_request_error", http.StatusConflict
	case apierr.KindRateLimited:
		return "rate_limit_error", http.StatusTooManyRequests
	case apierr.KindTimeout:
		return "timeout_error", http.StatusRequestTimeout
	case apierr.KindToolUnavailable, apierr.KindUpstream:
		return "service_unavailable", http.StatusServiceUnavailable
	default:
		return "server_error", http.StatusInternalServerError
	}
}

// WriteError renders err in the OpenAI error envelope. Internal causes are
// never echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	e := apierr.From(err)
	typ, status := errType(e.Kind)

	var param *string
	if f, ok := e.Details["field"].(string); ok {
		param = &f
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: e.Message,
		Type:    typ,
		Param:   param,
		Code:    e.Code,
	}})
}
