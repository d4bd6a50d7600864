package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/antigravity-proxy/gateway/pkg/aperrors"
	anthropicconv "github.com/antigravity-proxy/gateway/pkg/convert/anthropic"
	openaiconv "github.com/antigravity-proxy/gateway/pkg/convert/openai"
)

// statusForError maps the error taxonomy of spec §7 to an HTTP status
// code, independent of which public dialect is surfacing it.
func statusForError(err error) int {
	var clientErr *aperrors.ClientError
	if errors.As(err, &clientErr) {
		if clientErr.StatusCode != 0 {
			return clientErr.StatusCode
		}
		return http.StatusBadRequest
	}
	var blockedErr *aperrors.BlockedError
	if errors.As(err, &blockedErr) {
		return http.StatusOK
	}
	if ae, ok := aperrors.AsAccountError(err); ok {
		switch ae.Kind {
		case aperrors.KindCapacity:
			return http.StatusTooManyRequests
		case aperrors.KindAuthExpired:
			return http.StatusUnauthorized
		case aperrors.KindClient:
			if ae.StatusCode != 0 {
				return ae.StatusCode
			}
			return http.StatusBadRequest
		case aperrors.KindBlocked:
			return http.StatusOK
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

// writeOpenAIError writes an OpenAI-dialect error envelope (spec §7).
func writeOpenAIError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	writeJSON(w, status, openaiconv.ErrorResponse{
		Error: openaiconv.ErrorBody{
			Message: errorMessage(err, status),
			Type:    errorType(err),
			Code:    fmt.Sprintf("%d", status),
		},
	})
}

// writeAnthropicError writes an Anthropic-dialect error envelope (spec
// §7).
func writeAnthropicError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	writeJSON(w, status, anthropicconv.ErrorResponse{
		Type: "error",
		Error: anthropicconv.ErrorBody{
			Type:    errorType(err),
			Message: errorMessage(err, status),
		},
	})
}

func errorType(err error) string {
	if ae, ok := aperrors.AsAccountError(err); ok {
		return string(ae.Kind)
	}
	var clientErr *aperrors.ClientError
	if errors.As(err, &clientErr) {
		return "invalid_request_error"
	}
	var blockedErr *aperrors.BlockedError
	if errors.As(err, &blockedErr) {
		return "blocked"
	}
	return "upstream_fatal"
}

// errorMessage retains the "reset after Ns" hint on capacity errors
// (spec §7) and otherwise returns err's plain message.
func errorMessage(err error, status int) string {
	if status == http.StatusTooManyRequests {
		if ae, ok := aperrors.AsAccountError(err); ok {
			return ae.Message
		}
	}
	return err.Error()
}
