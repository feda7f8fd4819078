package ingestion

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/aevon-lab/transitions/internal/api/v1"
	httperr "github.com/aevon-lab/transitions/internal/core/errors"
	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/evaluator"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgProcessFailed  = "Failed to process state change"
	msgConflict       = "Object was updated concurrently, retry the request"
	msgBusy           = "Object is busy, retry the request"
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests carrying one state change.
func (s *Service) IngestHandler(c *gin.Context) {
	sc, payloadSize, ierr := s.parseStateChange(c)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	if err := sc.Validate(); err != nil {
		slog.Warn("[Ingestion] State change validation failed", "error", err, "event_id", sc.EventID)
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
		})
		return
	}

	slog.Debug("[Ingestion] Received state change",
		"event_id", sc.EventID,
		"service", sc.ServiceID,
		"object_type", sc.ObjectType,
		"object_id", sc.ObjectID,
		"state", sc.State,
		"payload_size", payloadSize)

	out, err := s.handler.Handle(c.Request.Context(), evaluator.StateChange{
		ServiceID:  sc.ServiceID,
		EventID:    sc.EventID,
		EventTs:    sc.OccurredAt.UTC(),
		ObjectType: sc.ObjectType,
		ObjectID:   sc.ObjectID,
		Attribute:  sc.Attribute,
		NewState:   sc.State,
	})
	if err != nil {
		writeError(c, classify(err, sc))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":     "accepted",
		"postings":   len(out.Result.Postings),
		"same_state": out.Result.SameState,
		"superseded": out.Superseded,
	})
}

// parseStateChange reads the raw request body and binds it into a StateChange.
func (s *Service) parseStateChange(c *gin.Context) (*v1.StateChange, int, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingestion] Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingestion] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var sc v1.StateChange
	if err := c.ShouldBindJSON(&sc); err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}
	return &sc, len(bodyBytes), nil
}

func classify(err error, sc *v1.StateChange) *ingestionError {
	switch {
	case errors.Is(err, storage.ErrSnapshotConflict):
		slog.Warn("[Ingestion] Snapshot conflict persisted after retries", "event_id", sc.EventID, "error", err)
		return &ingestionError{statusCode: http.StatusConflict, errorType: httperr.HttpConflictError, message: msgConflict}
	case errors.Is(err, evaluator.ErrKeyBusy):
		slog.Warn("[Ingestion] Object lock not acquired", "event_id", sc.EventID, "error", err)
		return &ingestionError{statusCode: http.StatusServiceUnavailable, errorType: httperr.HttpBusyError, message: msgBusy}
	default:
		slog.Error("[Ingestion] Failed to process state change", "event_id", sc.EventID, "error", err)
		return &ingestionError{statusCode: http.StatusInternalServerError, errorType: httperr.HttpInternalError, message: msgProcessFailed}
	}
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
