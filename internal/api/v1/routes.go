// Package v1 provides the REST handlers for lock and queue status.
package v1

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bundlelock/bundlelock/internal/lock"
	"github.com/bundlelock/bundlelock/internal/service"
)

// LockResponse is the wire form of one resource's lock status.
type LockResponse struct {
	ResourceID string `json:"resource_id"`
	State      string `json:"state"`

	// Holder fields are present only while locked.
	HolderID    string     `json:"holder_id,omitempty"`
	LockID      string     `json:"lock_id,omitempty"`
	AcquiredAt  *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RemainingMS int64      `json:"remaining_ms,omitempty"`
	StalenessMS int64      `json:"staleness_ms,omitempty"`
	Stale       bool       `json:"stale,omitempty"`
}

// LockListResponse wraps the full lock table.
type LockListResponse struct {
	Locks []LockResponse `json:"locks"`
}

// QueueItemResponse is the wire form of one queued intent.
type QueueItemResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	Parked     bool      `json:"parked,omitempty"`
}

// QueueListResponse wraps the offline queue contents.
type QueueListResponse struct {
	Items []QueueItemResponse `json:"items"`
}

// HealthResponse reports daemon liveness plus the network view.
type HealthResponse struct {
	Status       string `json:"status"`
	Connectivity string `json:"connectivity"`
	Breaker      string `json:"breaker"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the status API with dependency injection
type Routes struct {
	service service.StatusService
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc service.StatusService) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates a new router for the status API
func Router(svc service.StatusService) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Get("/locks", routes.listLocks)
	// Resource IDs contain slashes, so the lookup takes a wildcard.
	r.Get("/locks/*", routes.getLock)
	r.Get("/queue", routes.listQueue)

	return r
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(svc service.StatusService) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()
	r.Get("/healthz", routes.health)

	return r
}

// listLocks handles GET /v1/locks
func (rr *Routes) listLocks(w http.ResponseWriter, r *http.Request) {
	statuses, err := rr.service.ListLocks(r.Context())
	if err != nil {
		slog.Error("Failed to list locks", "error", err)
		rr.writeErrorResponse(w, "Failed to list locks", http.StatusBadGateway)
		return
	}

	resp := LockListResponse{Locks: make([]LockResponse, 0, len(statuses))}
	for _, status := range statuses {
		resp.Locks = append(resp.Locks, lockResponse(status))
	}
	rr.writeJSONResponse(w, resp)
}

// getLock handles GET /v1/locks/{resource}
func (rr *Routes) getLock(w http.ResponseWriter, r *http.Request) {
	resourceID := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if resourceID == "" {
		rr.writeErrorResponse(w, "Resource ID is required", http.StatusBadRequest)
		return
	}

	status, err := rr.service.GetLock(r.Context(), resourceID)
	if err != nil {
		slog.Error("Failed to get lock status", "resource", resourceID, "error", err)
		rr.writeErrorResponse(w, "Failed to get lock status", http.StatusBadGateway)
		return
	}

	rr.writeJSONResponse(w, lockResponse(status))
}

// listQueue handles GET /v1/queue
func (rr *Routes) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := rr.service.ListQueue(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrQueueUnavailable) {
			rr.writeErrorResponse(w, "Offline queue not configured", http.StatusNotFound)
			return
		}
		slog.Error("Failed to list queue", "error", err)
		rr.writeErrorResponse(w, "Failed to list queue", http.StatusInternalServerError)
		return
	}

	resp := QueueListResponse{Items: make([]QueueItemResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, QueueItemResponse{
			ID:         item.ID,
			Kind:       string(item.Kind),
			ResourceID: item.ResourceID,
			HolderID:   item.HolderID,
			EnqueuedAt: item.EnqueuedAt,
			Attempts:   item.Attempts,
			LastError:  item.LastError,
			Parked:     item.Parked,
		})
	}
	rr.writeJSONResponse(w, resp)
}

// health handles GET /healthz
func (rr *Routes) health(w http.ResponseWriter, r *http.Request) {
	if err := rr.service.CheckReadiness(r.Context()); err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	rr.writeJSONResponse(w, HealthResponse{
		Status:       "ok",
		Connectivity: string(rr.service.Connectivity(r.Context()).State),
		Breaker:      string(rr.service.BreakerState()),
	})
}

func lockResponse(status *lock.ResourceStatus) LockResponse {
	resp := LockResponse{
		ResourceID: status.ResourceID,
		State:      string(status.State),
	}
	if status.Entry != nil {
		acquired := status.Entry.AcquiredAt
		expires := status.Entry.ExpiresAt
		resp.HolderID = status.Entry.HolderID
		resp.LockID = status.Entry.LockID
		resp.AcquiredAt = &acquired
		resp.ExpiresAt = &expires
		resp.RemainingMS = status.Remaining.Milliseconds()
		resp.StalenessMS = status.Staleness.Milliseconds()
		resp.Stale = status.Stale
	}
	return resp
}

func (*Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
