package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Handler serves HTTP ingestion of raw records.
type Handler struct {
	ingester   Ingester
	maxPayload int64
}

// NewHandler creates a new ingest Handler.
func NewHandler(ing Ingester) *Handler {
	return &Handler{
		ingester:   ing,
		maxPayload: 4 * 1024 * 1024, // 4MB default
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	if size > 0 {
		h.maxPayload = size
	}
	return h
}

// IngestResponse is the response for record ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandlePackets handles POST /v1/packets. The body is a single record or
// an array of records.
func (h *Handler) HandlePackets(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	accepted, err := h.ingester.IngestJSON(body)
	if errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrBatchTooLarge) {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	resp := IngestResponse{
		Success:   err == nil,
		Accepted:  accepted,
		RequestID: requestID,
	}
	for _, e := range splitErrors(err) {
		resp.Errors = append(resp.Errors, e.Error())
	}
	resp.Rejected = len(resp.Errors)

	status := http.StatusOK
	if accepted == 0 && resp.Rejected > 0 {
		status = http.StatusBadRequest
	} else if resp.Rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// splitErrors unpacks an errors.Join result.
func splitErrors(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
