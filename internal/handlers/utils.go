package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rxops/apiserver/internal/services"
	"github.com/rxops/apiserver/internal/store"
)

type contextKey string

const contextSubjectKey contextKey = "sub"

// ErrorResponse is the uniform error envelope for all endpoints.
type ErrorResponse struct {
	Error             string   `json:"error"`
	Violations        []string `json:"violations,omitempty"`
	RemainingAttempts *int     `json:"remaining_attempts,omitempty"`
	RetryAfterSeconds *int     `json:"retry_after_seconds,omitempty"`
}

func userIDFromContext(ctx context.Context) (int64, error) {
	value := ctx.Value(contextSubjectKey)
	switch subject := value.(type) {
	case int64:
		if subject < 1 {
			return 0, errors.New("invalid subject")
		}
		return subject, nil
	case int:
		if subject < 1 {
			return 0, errors.New("invalid subject")
		}
		return int64(subject), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(subject), 10, 64)
		if err != nil || parsed < 1 {
			return 0, errors.New("invalid subject")
		}
		return parsed, nil
	default:
		return 0, errors.New("missing subject")
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps service-layer error types onto HTTP responses.
// Dependency failures are logged with their cause but reported to the
// client as a generic message.
func writeServiceError(w http.ResponseWriter, err error) {
	var validation *services.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      "validation failed",
			Violations: validation.Violations,
		})
		return
	}

	var conflict *services.ConflictError
	if errors.As(err, &conflict) {
		writeError(w, http.StatusConflict, conflict.Error())
		return
	}

	var auth *services.AuthError
	if errors.As(err, &auth) {
		resp := ErrorResponse{Error: auth.Error()}
		if auth.RemainingAttempts >= 0 {
			remaining := auth.RemainingAttempts
			resp.RemainingAttempts = &remaining
		}
		if auth.RetryAfter > 0 {
			seconds := int(auth.RetryAfter.Seconds())
			resp.RetryAfterSeconds = &seconds
		}
		writeJSON(w, authStatus(auth.Reason), resp)
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var dependency *services.DependencyError
	if errors.As(err, &dependency) {
		slog.Error("dependency failure", slog.String("op", dependency.Op), slog.String("error", dependency.Err.Error()))
		writeError(w, http.StatusInternalServerError, "service temporarily unavailable")
		return
	}

	slog.Error("unhandled service error", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// authStatus keeps credential failures at an ambiguous 401, but gives
// locked and not-active outcomes their precise statuses: those responses
// already disclose the account's state in their message, so a distinct
// code leaks nothing extra and lets clients branch without parsing text.
func authStatus(reason services.AuthReason) int {
	switch reason {
	case services.ReasonAccountLocked:
		return http.StatusLocked
	case services.ReasonAccountNotActive:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}
