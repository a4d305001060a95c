package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/pipeline"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/server/middleware"
)

// maxBodyBytes bounds consume request bodies
const maxBodyBytes = 64 << 10

// ConsumeRequest is the body of a consume call
type ConsumeRequest struct {
	RunID      string         `json:"run_id" validate:"required,uuid"`
	Limit      int            `json:"limit,omitempty" validate:"gte=0"`
	ClientMeta map[string]any `json:"client_meta,omitempty"`
}

// decodeConsume parses and validates a consume body
func (s *Server) decodeConsume(r *http.Request) (pipeline.Request, error) {
	var body ConsumeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return pipeline.Request{}, &ErrValidation{Field: "body", Message: "request body is empty"}
		}
		return pipeline.Request{}, &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}

	body.RunID = strings.TrimSpace(body.RunID)
	if err := s.validate.Struct(body); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return pipeline.Request{}, &ErrValidation{Field: jsonField(verrs[0].Field()), Message: "failed on '" + verrs[0].Tag() + "'"}
		}
		return pipeline.Request{}, &ErrValidation{Field: "body", Message: err.Error()}
	}

	runID, err := uuid.Parse(body.RunID)
	if err != nil {
		return pipeline.Request{}, &ErrValidation{Field: "run_id", Message: "must be a UUID"}
	}
	return pipeline.Request{RunID: runID, Limit: body.Limit, ClientMeta: body.ClientMeta}, nil
}

func jsonField(name string) string {
	switch name {
	case "RunID":
		return "run_id"
	case "Limit":
		return "limit"
	default:
		return strings.ToLower(name)
	}
}

// detachedContext detaches the batch from the client connection. A claimed
// ticker must reach ok or failed even when the caller hangs up.
func (s *Server) detachedContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.batchTimeout)
}

// handleConsume runs one stage-3 batch and returns its summary
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeConsume(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if p, err := middleware.GetPrincipal(r); err == nil {
		s.logger.Info("consume requested",
			zap.String("run_id", req.RunID.String()),
			zap.Int("limit", req.Limit),
			zap.String("auth", p.Method))
	}

	ctx, cancel := s.detachedContext(r)
	defer cancel()

	resp, err := s.consumer.Run(ctx, req)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleConsumeStream runs a batch and streams per-ticker progress as SSE,
// ending with a result or error event
func (s *Server) handleConsumeStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeConsume(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.jsonResponse(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}

	req.OnProgress = func(event pipeline.ProgressEvent) {
		if err := sse.WriteEvent(EventProgress, event); err != nil {
			s.logger.Debug("failed to write progress event", zap.Error(err))
		}
	}

	ctx, cancel := s.detachedContext(r)
	defer cancel()

	resp, err := s.consumer.Run(ctx, req)
	if err != nil {
		s.logFailure(err)
		sse.WriteError(errorBody(err))
		return
	}
	sse.WriteEvent(EventResult, resp) //nolint:errcheck
}

// handleHealth reports liveness and, when configured, database reachability
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse maps err to a status and error body
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	s.logFailure(err)
	s.jsonResponse(w, HTTPStatus(err), errorBody(err))
}

func (s *Server) logFailure(err error) {
	if status := HTTPStatus(err); status >= http.StatusInternalServerError {
		s.logger.Error("consume failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Info("consume rejected", zap.Int("status", status), zap.Error(err))
	}
}
