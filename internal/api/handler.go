package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
	"github.com/getrevio/revio/internal/metrics"
	"github.com/getrevio/revio/internal/redis"
	"github.com/getrevio/revio/internal/schedule"
)

// SchedulingService is the scheduling surface the handlers expose.
type SchedulingService interface {
	Create(ctx context.Context, params schedule.CreateParams) (*schedule.CreateResult, error)
	CreateBulk(ctx context.Context, params schedule.BulkParams) (*schedule.BulkResult, error)
	CreateCampaign(ctx context.Context, params schedule.CampaignParams) (*schedule.BulkResult, error)
	Reschedule(ctx context.Context, businessID, id uuid.UUID, newAt time.Time) (*db.ReviewRequest, error)
	Cancel(ctx context.Context, businessID, id uuid.UUID) (*db.ReviewRequest, error)
	SendNow(ctx context.Context, businessID, id uuid.UUID) (*db.ReviewRequest, error)
	Get(ctx context.Context, businessID, id uuid.UUID) (*db.ReviewRequest, error)
	List(ctx context.Context, businessID uuid.UUID, filter db.ListFilter, limit, offset int) ([]*db.ReviewRequest, error)
	Events(ctx context.Context, businessID, id uuid.UUID) ([]*db.Event, error)
}

// TrackingRepository is the storage surface for webhook callbacks and
// the tracked redirect.
type TrackingRepository interface {
	GetRequestByProviderMessageID(ctx context.Context, providerMessageID string) (*db.ReviewRequest, error)
	GetRequestByToken(ctx context.Context, token string) (*db.ReviewRequest, error)
	GetCustomer(ctx context.Context, businessID, id uuid.UUID) (*db.Customer, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to string, fields db.StatusFields) error
	AppendEvent(ctx context.Context, ev *db.Event) error
	UpsertSuppression(ctx context.Context, s *db.Suppression) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     SchedulingService
	tracking    TrackingRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates an API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, service SchedulingService, tracking TrackingRepository, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		tracking:    tracking,
		idempotency: idempotency,
	}
}

// Routes mounts the v1 API onto a router. The tracked redirect and
// operational endpoints are mounted by the gateway main alongside this.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/requests", h.CreateRequest)
	r.Post("/requests/bulk", h.CreateBulk)
	r.Post("/campaigns", h.CreateCampaign)
	r.Get("/requests", h.ListRequests)
	r.Get("/requests/{id}", h.GetRequest)
	r.Get("/requests/{id}/events", h.ListRequestEvents)
	r.Post("/requests/{id}/reschedule", h.RescheduleRequest)
	r.Post("/requests/{id}/cancel", h.CancelRequest)
	r.Post("/requests/{id}/send-now", h.SendNowRequest)
	r.Post("/webhooks/delivery", h.DeliveryWebhook)
}

// CreateRequestBody is the POST /v1/requests payload.
type CreateRequestBody struct {
	BusinessID   string     `json:"business_id"`
	CustomerID   string     `json:"customer_id"`
	Channel      string     `json:"channel"`
	Content      string     `json:"content"`
	Subject      string     `json:"subject,omitempty"`
	SendAt       *time.Time `json:"send_at,omitempty"`
	AutoSchedule bool       `json:"auto_schedule,omitempty"`
}

// CreateRequest handles POST /v1/requests.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var body CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	businessID, err := uuid.Parse(body.BusinessID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid business_id", "business_id must be a valid UUID")
		return
	}
	customerID, err := uuid.Parse(body.CustomerID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid customer_id", "customer_id must be a valid UUID")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, body.BusinessID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.RequestID})
			return
		}
	}

	result, err := h.service.Create(ctx, schedule.CreateParams{
		BusinessID:   businessID,
		CustomerID:   customerID,
		Channel:      body.Channel,
		Content:      body.Content,
		Subject:      body.Subject,
		SendAt:       body.SendAt,
		AutoSchedule: body.AutoSchedule,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		stored := &redis.IdempotencyResult{
			RequestID:  result.Request.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, body.BusinessID, idempotencyKey, stored); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// BulkRequestBody is the POST /v1/requests/bulk payload.
type BulkRequestBody struct {
	BusinessID   string     `json:"business_id"`
	CustomerIDs  []string   `json:"customer_ids"`
	Channel      string     `json:"channel"`
	Content      string     `json:"content"`
	Subject      string     `json:"subject,omitempty"`
	SendAt       *time.Time `json:"send_at,omitempty"`
	AutoSchedule bool       `json:"auto_schedule,omitempty"`
}

// CreateBulk handles POST /v1/requests/bulk
func (h *Handler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	var body BulkRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	businessID, err := uuid.Parse(body.BusinessID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid business_id", "business_id must be a valid UUID")
		return
	}

	customerIDs := make([]uuid.UUID, 0, len(body.CustomerIDs))
	for _, raw := range body.CustomerIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid customer id", "customer_ids must be valid UUIDs")
			return
		}
		customerIDs = append(customerIDs, id)
	}

	result, err := h.service.CreateBulk(r.Context(), schedule.BulkParams{
		BusinessID:   businessID,
		CustomerIDs:  customerIDs,
		Channel:      body.Channel,
		Content:      body.Content,
		Subject:      body.Subject,
		SendAt:       body.SendAt,
		AutoSchedule: body.AutoSchedule,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, result)
}

// CampaignBody is the POST /v1/campaigns payload.
type CampaignBody struct {
	BusinessID   string     `json:"business_id"`
	Channel      string     `json:"channel"`
	Content      string     `json:"content"`
	Subject      string     `json:"subject,omitempty"`
	SendAt       *time.Time `json:"send_at,omitempty"`
	AutoSchedule bool       `json:"auto_schedule,omitempty"`
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body CampaignBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	businessID, err := uuid.Parse(body.BusinessID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid business_id", "business_id must be a valid UUID")
		return
	}

	result, err := h.service.CreateCampaign(r.Context(), schedule.CampaignParams{
		BusinessID:   businessID,
		Channel:      body.Channel,
		Content:      body.Content,
		Subject:      body.Subject,
		SendAt:       body.SendAt,
		AutoSchedule: body.AutoSchedule,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, result)
}

// ListRequests handles GET /v1/requests?business_id=xxx&status=queued&channel=email&limit=20&offset=0
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessIDParam(w, r)
	if !ok {
		return
	}

	limit := 0
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, _ = strconv.Atoi(raw)
	}

	filter := db.ListFilter{
		Status:  r.URL.Query().Get("status"),
		Channel: r.URL.Query().Get("channel"),
	}

	requests, err := h.service.List(r.Context(), businessID, filter, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if requests == nil {
		requests = []*db.ReviewRequest{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  requests,
		"count": len(requests),
	})
}

// GetRequest handles GET /v1/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessIDParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	req, err := h.service.Get(r.Context(), businessID, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// ListRequestEvents handles GET /v1/requests/{id}/events
func (h *Handler) ListRequestEvents(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessIDParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	events, err := h.service.Events(r.Context(), businessID, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if events == nil {
		events = []*db.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  events,
		"count": len(events),
	})
}

// RescheduleBody is the POST /v1/requests/{id}/reschedule payload.
type RescheduleBody struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
}

// RescheduleRequest handles POST /v1/requests/{id}/reschedule
func (h *Handler) RescheduleRequest(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessIDParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	var body RescheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if body.ScheduledFor == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing scheduled_for", "scheduled_for is required")
		return
	}

	req, err := h.service.Reschedule(r.Context(), businessID, id, *body.ScheduledFor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// CancelRequest handles POST /v1/requests/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessIDParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	req, err := h.service.Cancel(r.Context(), businessID, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// SendNowRequest handles POST /v1/requests/{id}/send-now
func (h *Handler) SendNowRequest(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessIDParam(w, r)
	if !ok {
		return
	}
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}

	req, err := h.service.SendNow(r.Context(), businessID, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// WebhookBody is the POST /v1/webhooks/delivery payload sent by
// delivery providers.
type WebhookBody struct {
	ProviderMessageID string `json:"provider_message_id"`
	Event             string `json:"event"`
}

// DeliveryWebhook handles POST /v1/webhooks/delivery. Provider
// callbacks advance the post-send statuses; a callback that lost the
// transition race is acknowledged without effect so provider retries
// stay harmless.
func (h *Handler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body WebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if body.ProviderMessageID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing provider_message_id", "provider_message_id is required")
		return
	}

	var from, to, eventType string
	switch body.Event {
	case "delivered":
		from, to, eventType = db.StatusSent, db.StatusDelivered, db.EventDeliveryDelivered
	case "bounced":
		from, to, eventType = db.StatusSent, db.StatusBounced, db.EventDeliveryBounced
	case "opted_out":
		from, to, eventType = db.StatusSent, db.StatusOptedOut, db.EventDeliveryOptedOut
	case "completed":
		from, to, eventType = db.StatusClicked, db.StatusCompleted, db.EventReviewCompleted
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown event",
			"event must be one of: delivered, bounced, opted_out, completed")
		return
	}

	req, err := h.tracking.GetRequestByProviderMessageID(ctx, body.ProviderMessageID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	applied := h.transition(ctx, req, from, to, eventType)

	if applied && (to == db.StatusBounced || to == db.StatusOptedOut) {
		h.recordSuppression(ctx, req, body.Event)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      req.ID.String(),
		"applied": applied,
	})
}

// TrackRedirect handles GET /r/{token}: the customer clicked the
// review link. Advances SENT through DELIVERED to CLICKED and 302s to
// the business's review page. Revisits redirect without re-recording.
func (h *Handler) TrackRedirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	req, err := h.tracking.GetRequestByToken(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.writeServiceError(w, err)
		return
	}

	// A click implies delivery even if the provider callback never came
	if req.Status == db.StatusSent {
		if h.transition(ctx, req, db.StatusSent, db.StatusDelivered, db.EventDeliveryDelivered) {
			req.Status = db.StatusDelivered
		}
	}
	if req.Status == db.StatusDelivered {
		h.transition(ctx, req, db.StatusDelivered, db.StatusClicked, db.EventReviewClicked)
	}

	http.Redirect(w, r, req.ReviewURL, http.StatusFound)
}

// transition applies a CAS status change plus its audit event.
// Returns false when the request was not in the expected status.
func (h *Handler) transition(ctx context.Context, req *db.ReviewRequest, from, to, eventType string) bool {
	err := h.tracking.UpdateRequestStatus(ctx, req.ID, from, to, db.StatusFields{})
	if err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			h.logger.Info("status callback arrived out of order, ignoring",
				zap.String("request_id", req.ID.String()),
				zap.String("from", from),
				zap.String("to", to),
			)
			return false
		}
		h.logger.Error("failed to apply status transition",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
			zap.String("to", to),
		)
		return false
	}

	if err := h.tracking.AppendEvent(ctx, &db.Event{
		BusinessID: req.BusinessID,
		RequestID:  req.ID,
		Type:       eventType,
	}); err != nil {
		h.logger.Error("failed to append audit event",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
			zap.String("type", eventType),
		)
	}

	return true
}

// recordSuppression blocks the contact's destination after a bounce or
// opt-out.
func (h *Handler) recordSuppression(ctx context.Context, req *db.ReviewRequest, reason string) {
	customer, err := h.tracking.GetCustomer(ctx, req.BusinessID, req.CustomerID)
	if err != nil {
		h.logger.Error("failed to load customer for suppression",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
		return
	}

	var destination string
	switch req.Channel {
	case db.ChannelEmail:
		if customer.Email != nil {
			destination = *customer.Email
		}
	case db.ChannelSMS:
		if customer.Phone != nil {
			destination = *customer.Phone
		}
	}
	if destination == "" {
		return
	}

	err = h.tracking.UpsertSuppression(ctx, &db.Suppression{
		BusinessID:  req.BusinessID,
		Channel:     req.Channel,
		Destination: destination,
		Reason:      reason,
	})
	if err != nil {
		h.logger.Error("failed to record suppression",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
	}
}

func (h *Handler) businessIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("business_id")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing business_id", "business_id query parameter is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid business_id", "business_id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", "")
	case errors.Is(err, schedule.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", "Request state does not allow this operation", err.Error())
	case errors.Is(err, schedule.ErrQueueInconsistent):
		h.writeError(w, http.StatusServiceUnavailable, "queue_inconsistent", "Dispatch queue temporarily inconsistent", "Retry the operation")
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
