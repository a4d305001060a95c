package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/credentials"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/pipeline"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var validation *ErrValidation
	var cfg *credentials.ConfigError
	var cycle *questions.CycleError
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.As(err, &cfg), errors.As(err, &cycle):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// errorBody maps err to the message shown to callers. Configuration errors
// carry operator-facing details; unexpected errors do not.
func errorBody(err error) ErrorBody {
	var validation *ErrValidation
	var cfg *credentials.ConfigError
	var cycle *questions.CycleError
	switch {
	case errors.As(err, &validation):
		return ErrorBody{Error: "invalid request", Details: validation.Error()}
	case errors.Is(err, pipeline.ErrRunNotFound):
		return ErrorBody{Error: "run not found"}
	case errors.As(err, &cfg):
		return ErrorBody{Error: "model configuration error", Details: cfg.Error()}
	case errors.As(err, &cycle):
		return ErrorBody{Error: "question registry error", Details: cycle.Error()}
	default:
		return ErrorBody{Error: "deep dive failed", Details: err.Error()}
	}
}
