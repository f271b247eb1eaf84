package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/health"
	"github.com/go-chi/chi/v5/middleware"
)

// CorrelationIDHeader carries the correlation id of the answered request
const CorrelationIDHeader = "X-Correlation-Id"

// handleEcho handles POST /echo
// The JSON body is published as a request and the worker's reply is
// returned verbatim.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}

	reply, err := s.bridge.Request(r.Context(), body, bridge.WithContentType("application/json"))
	if err != nil {
		s.writeRequestError(w, r, err)
		return
	}

	contentType := reply.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(CorrelationIDHeader, reply.CorrelationID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply.Body)
}

// writeRequestError maps bridge errors onto HTTP statuses
func (s *Server) writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		timeoutErr *bridge.TimeoutError
		publishErr *bridge.PublishError
	)

	switch {
	case errors.As(err, &timeoutErr):
		respondJSON(w, http.StatusGatewayTimeout, ErrorResponse{
			Error:         fmt.Sprintf("Response timed out after %s.", timeoutErr.Timeout),
			CorrelationID: timeoutErr.ID,
		})
	case errors.As(err, &publishErr):
		s.logger.Error("request publish failed",
			"correlationId", publishErr.ID,
			"error", publishErr.Err,
			"request_id", middleware.GetReqID(r.Context()))
		respondJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:         "failed to publish request",
			CorrelationID: publishErr.ID,
		})
	case errors.Is(err, bridge.ErrTooManyPending):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, "too many pending requests")
	case errors.Is(err, bridge.ErrBridgeClosed):
		s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, bridge.ErrAbandoned):
		// the client went away; nobody reads this response
		s.logger.Debug("client abandoned request", "request_id", middleware.GetReqID(r.Context()))
	default:
		s.logger.Error("request failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	overall := s.health.Check(ctx)
	resp := HealthzResponse{
		Status:          overall.Status,
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		Pending:         s.bridge.GetPendingRequestCount(),
		BrokerConnected: overall.Checks["rabbitmq"].Status == health.StatusHealthy,
		Checks:          overall.Checks,
	}

	status := http.StatusOK
	if overall.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleStats handles GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatsResponse{
		Pending:        s.bridge.GetPendingRequestCount(),
		MetricsSummary: s.stats.GetMetricsSummary(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
