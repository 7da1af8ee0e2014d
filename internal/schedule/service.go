// Package schedule implements the scheduling operations: creating
// review requests (single, bulk, campaign) and moving queued ones
// (reschedule, cancel, send-now). Storage is the source of truth; the
// dispatch queue is kept consistent with it, compensating on failure.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
	"github.com/getrevio/revio/internal/metrics"
	"github.com/getrevio/revio/internal/queue"
)

// ErrValidation indicates the caller's input is rejected.
var ErrValidation = errors.New("validation failed")

// ErrInvalidState indicates the request's current status does not allow
// the operation.
var ErrInvalidState = errors.New("request state does not allow this operation")

// ErrQueueInconsistent indicates storage and the dispatch queue could
// not be brought back in sync after a partial failure. Retryable.
var ErrQueueInconsistent = errors.New("dispatch queue inconsistent with storage")

// maxScheduleAhead bounds how far out a request may be scheduled.
const maxScheduleAhead = 6 * 31 * 24 * time.Hour

// smsWarnLength is the single-segment SMS length. Longer content is
// allowed but flagged back to the caller.
const smsWarnLength = 160

// Repository is the storage surface the service needs.
type Repository interface {
	CreateRequest(ctx context.Context, req *db.ReviewRequest) error
	GetRequestForBusiness(ctx context.Context, businessID, id uuid.UUID) (*db.ReviewRequest, error)
	ListRequests(ctx context.Context, businessID uuid.UUID, filter db.ListFilter, limit, offset int) ([]*db.ReviewRequest, error)
	ListEventsByRequest(ctx context.Context, businessID, requestID uuid.UUID, limit int) ([]*db.Event, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to string, fields db.StatusFields) error
	UpdateScheduledFor(ctx context.Context, id uuid.UUID, scheduledFor *time.Time) error
	AppendEvent(ctx context.Context, ev *db.Event) error
	GetBusiness(ctx context.Context, id uuid.UUID) (*db.Business, error)
	GetCustomer(ctx context.Context, businessID, id uuid.UUID) (*db.Customer, error)
	ListCustomerIDs(ctx context.Context, businessID uuid.UUID) ([]uuid.UUID, error)
}

// Queue is the dispatch queue surface the service needs.
type Queue interface {
	Enqueue(ctx context.Context, id uuid.UUID, fireAt time.Time, priority queue.Priority) error
	Remove(ctx context.Context, id uuid.UUID) error
}

// Firer runs the firing pipeline in-process for due-now creates.
type Firer interface {
	Fire(ctx context.Context, requestID uuid.UUID) error
}

// Exporter streams audit events externally. Optional, best-effort.
type Exporter interface {
	Export(ctx context.Context, ev *db.Event) error
}

// Service implements the scheduling operations.
type Service struct {
	repo     Repository
	queue    Queue
	firer    Firer
	policy   SendTimePolicy
	exporter Exporter
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a scheduling service. exporter may be nil; a nil policy
// falls back to the default business-hours policy.
func New(repo Repository, q Queue, firer Firer, policy SendTimePolicy, exporter Exporter, logger *zap.Logger) *Service {
	if policy == nil {
		policy = NewBusinessHoursPolicy()
	}
	return &Service{
		repo:     repo,
		queue:    q,
		firer:    firer,
		policy:   policy,
		exporter: exporter,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateParams describes a single review request create. SendAt and
// AutoSchedule are mutually exclusive; with neither, the request fires
// immediately.
type CreateParams struct {
	BusinessID   uuid.UUID
	CustomerID   uuid.UUID
	Channel      string
	Content      string
	Subject      string
	SendAt       *time.Time
	AutoSchedule bool
}

// CreateResult is a created request plus any non-fatal warning.
type CreateResult struct {
	Request *db.ReviewRequest `json:"request"`
	Warning string            `json:"warning,omitempty"`
}

// Create validates, persists, and dispatches a single review request.
// A due-now request fires synchronously; a future one is enqueued.
func (s *Service) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	warning, err := s.validateCreate(params)
	if err != nil {
		return nil, err
	}

	business, err := s.repo.GetBusiness(ctx, params.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("load business: %w", err)
	}
	if _, err := s.repo.GetCustomer(ctx, params.BusinessID, params.CustomerID); err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}

	now := s.now()
	sendAt := params.SendAt
	if params.AutoSchedule {
		at := s.policy.NextSendTime(now)
		sendAt = &at
	}

	req := &db.ReviewRequest{
		ID:            uuid.New(),
		BusinessID:    params.BusinessID,
		CustomerID:    params.CustomerID,
		Channel:       params.Channel,
		Content:       params.Content,
		TrackingToken: newTrackingToken(),
		ReviewURL:     business.ReviewURL,
		Status:        db.StatusQueued,
	}
	if params.Subject != "" {
		subject := params.Subject
		req.Subject = &subject
	}

	// A past or absent send time means immediate dispatch; scheduled_for
	// stays null so the row reads as "was not scheduled".
	future := sendAt != nil && sendAt.After(now)
	if future {
		req.ScheduledFor = sendAt
	}

	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	metrics.RecordRequestCreated(req.BusinessID.String(), req.Channel)

	s.appendEvent(ctx, &db.Event{
		BusinessID: req.BusinessID,
		RequestID:  req.ID,
		Type:       db.EventRequestCreated,
		Detail:     fmt.Sprintf("channel %s", req.Channel),
	})

	if future {
		s.appendEvent(ctx, &db.Event{
			BusinessID: req.BusinessID,
			RequestID:  req.ID,
			Type:       db.EventRequestScheduled,
			Detail:     sendAt.UTC().Format(time.RFC3339),
		})
		if err := s.queue.Enqueue(ctx, req.ID, *sendAt, queue.PriorityNormal); err != nil {
			// The reconciliation sweep re-enqueues due requests that
			// have a scheduled_for but no job, so the row is not lost.
			s.logger.Error("failed to enqueue scheduled request",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
		}
	} else {
		if err := s.firer.Fire(ctx, req.ID); err != nil {
			s.logger.Error("synchronous firing failed, handing off to worker",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
			if qerr := s.queue.Enqueue(ctx, req.ID, now, queue.PriorityHigh); qerr != nil {
				s.logger.Error("failed to enqueue fallback job",
					zap.Error(qerr),
					zap.String("request_id", req.ID.String()),
				)
			}
		}
	}

	if warning != "" {
		s.logger.Warn("request created with warning",
			zap.String("request_id", req.ID.String()),
			zap.String("warning", warning),
		)
	}

	return &CreateResult{Request: req, Warning: warning}, nil
}

// BulkParams describes a shared template sent to many customers.
type BulkParams struct {
	BusinessID   uuid.UUID
	CustomerIDs  []uuid.UUID
	Channel      string
	Content      string
	Subject      string
	SendAt       *time.Time
	AutoSchedule bool
}

// BulkFailure records one customer the batch could not create for.
type BulkFailure struct {
	CustomerID uuid.UUID `json:"customer_id"`
	Error      string    `json:"error"`
}

// BulkResult reports per-item outcomes of a bulk or campaign create.
type BulkResult struct {
	Created []*CreateResult `json:"created"`
	Failed  []BulkFailure   `json:"failed,omitempty"`
}

// CreateBulk creates one request per customer id. Per-item failures do
// not abort the batch.
func (s *Service) CreateBulk(ctx context.Context, params BulkParams) (*BulkResult, error) {
	if len(params.CustomerIDs) == 0 {
		return nil, fmt.Errorf("%w: customer_ids must not be empty", ErrValidation)
	}

	result := &BulkResult{}
	for _, customerID := range params.CustomerIDs {
		res, err := s.Create(ctx, CreateParams{
			BusinessID:   params.BusinessID,
			CustomerID:   customerID,
			Channel:      params.Channel,
			Content:      params.Content,
			Subject:      params.Subject,
			SendAt:       params.SendAt,
			AutoSchedule: params.AutoSchedule,
		})
		if err != nil {
			// Input-shape errors apply to every item equally; fail fast
			// rather than repeat the same rejection per customer.
			if errors.Is(err, ErrValidation) {
				return nil, err
			}
			result.Failed = append(result.Failed, BulkFailure{
				CustomerID: customerID,
				Error:      err.Error(),
			})
			continue
		}
		result.Created = append(result.Created, res)
	}

	s.logger.Info("bulk create finished",
		zap.String("business_id", params.BusinessID.String()),
		zap.Int("created", len(result.Created)),
		zap.Int("failed", len(result.Failed)),
	)

	return result, nil
}

// CampaignParams describes a campaign over the business's whole
// customer base.
type CampaignParams struct {
	BusinessID   uuid.UUID
	Channel      string
	Content      string
	Subject      string
	SendAt       *time.Time
	AutoSchedule bool
}

// CreateCampaign fans a shared template out to every customer of the
// business.
func (s *Service) CreateCampaign(ctx context.Context, params CampaignParams) (*BulkResult, error) {
	ids, err := s.repo.ListCustomerIDs(ctx, params.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: business has no customers", ErrValidation)
	}

	return s.CreateBulk(ctx, BulkParams{
		BusinessID:   params.BusinessID,
		CustomerIDs:  ids,
		Channel:      params.Channel,
		Content:      params.Content,
		Subject:      params.Subject,
		SendAt:       params.SendAt,
		AutoSchedule: params.AutoSchedule,
	})
}

// Reschedule moves a queued, scheduled request to a new future time.
// The queue entry is replaced first, then storage; a failed storage
// write restores the old queue entry.
func (s *Service) Reschedule(ctx context.Context, businessID, id uuid.UUID, newAt time.Time) (*db.ReviewRequest, error) {
	req, err := s.repo.GetRequestForBusiness(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	if req.Status != db.StatusQueued || req.ScheduledFor == nil {
		return nil, fmt.Errorf("only queued scheduled requests can be rescheduled: %w", ErrInvalidState)
	}

	now := s.now()
	if !newAt.After(now) {
		return nil, fmt.Errorf("%w: scheduled_for must be in the future", ErrValidation)
	}
	if newAt.Sub(now) > maxScheduleAhead {
		return nil, fmt.Errorf("%w: scheduled_for must be within 6 months", ErrValidation)
	}

	oldAt := *req.ScheduledFor

	if err := s.queue.Enqueue(ctx, id, newAt, queue.PriorityNormal); err != nil {
		return nil, fmt.Errorf("replace dispatch job: %w", err)
	}

	if err := s.repo.UpdateScheduledFor(ctx, id, &newAt); err != nil {
		// Put the old job back so the queue keeps matching storage
		if qerr := s.queue.Enqueue(ctx, id, oldAt, queue.PriorityNormal); qerr != nil {
			s.logger.Error("failed to restore dispatch job after reschedule rollback",
				zap.Error(qerr),
				zap.String("request_id", id.String()),
			)
			return nil, fmt.Errorf("restore dispatch job: %w", ErrQueueInconsistent)
		}
		if errors.Is(err, db.ErrStaleStatus) {
			return nil, fmt.Errorf("request left queued concurrently: %w", ErrInvalidState)
		}
		return nil, err
	}

	req.ScheduledFor = &newAt
	s.appendEvent(ctx, &db.Event{
		BusinessID: businessID,
		RequestID:  id,
		Type:       db.EventRequestRescheduled,
		Detail:     fmt.Sprintf("%s -> %s", oldAt.UTC().Format(time.RFC3339), newAt.UTC().Format(time.RFC3339)),
	})

	s.logger.Info("request rescheduled",
		zap.String("request_id", id.String()),
		zap.Time("scheduled_for", newAt),
	)

	return req, nil
}

// Cancel terminalizes a queued request. The status guard is the real
// protection; queue removal is best-effort cleanup.
func (s *Service) Cancel(ctx context.Context, businessID, id uuid.UUID) (*db.ReviewRequest, error) {
	req, err := s.repo.GetRequestForBusiness(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	if req.Status != db.StatusQueued {
		return nil, fmt.Errorf("only queued requests can be cancelled: %w", ErrInvalidState)
	}

	reason := "Cancelled by user"
	err = s.repo.UpdateRequestStatus(ctx, id, db.StatusQueued, db.StatusCancelled, db.StatusFields{
		ErrorMessage: &reason,
	})
	if err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return nil, fmt.Errorf("request left queued concurrently: %w", ErrInvalidState)
		}
		return nil, err
	}

	if err := s.queue.Remove(ctx, id); err != nil {
		// A leftover job fires into the cancelled guard and no-ops
		s.logger.Warn("failed to remove dispatch job for cancelled request",
			zap.Error(err),
			zap.String("request_id", id.String()),
		)
	}

	req.Status = db.StatusCancelled
	req.ErrorMessage = &reason
	s.appendEvent(ctx, &db.Event{
		BusinessID: businessID,
		RequestID:  id,
		Type:       db.EventRequestCancelled,
	})

	s.logger.Info("request cancelled", zap.String("request_id", id.String()))

	return req, nil
}

// SendNow clears a queued request's schedule and enqueues a zero-delay
// high-priority job. An enqueue failure restores the old schedule.
func (s *Service) SendNow(ctx context.Context, businessID, id uuid.UUID) (*db.ReviewRequest, error) {
	req, err := s.repo.GetRequestForBusiness(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	if req.Status != db.StatusQueued {
		return nil, fmt.Errorf("only queued requests can be sent now: %w", ErrInvalidState)
	}

	oldAt := req.ScheduledFor

	if err := s.repo.UpdateScheduledFor(ctx, id, nil); err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return nil, fmt.Errorf("request left queued concurrently: %w", ErrInvalidState)
		}
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, id, s.now(), queue.PriorityHigh); err != nil {
		if rerr := s.repo.UpdateScheduledFor(ctx, id, oldAt); rerr != nil {
			s.logger.Error("failed to restore schedule after send-now rollback",
				zap.Error(rerr),
				zap.String("request_id", id.String()),
			)
			return nil, fmt.Errorf("restore schedule: %w", ErrQueueInconsistent)
		}
		return nil, fmt.Errorf("enqueue send-now job: %w", err)
	}

	req.ScheduledFor = nil
	s.appendEvent(ctx, &db.Event{
		BusinessID: businessID,
		RequestID:  id,
		Type:       db.EventRequestSendNow,
	})

	s.logger.Info("request promoted to immediate dispatch",
		zap.String("request_id", id.String()),
	)

	return req, nil
}

// Get retrieves a single request, tenant-scoped.
func (s *Service) Get(ctx context.Context, businessID, id uuid.UUID) (*db.ReviewRequest, error) {
	return s.repo.GetRequestForBusiness(ctx, businessID, id)
}

// List retrieves requests for a business. Limit is clamped to 1..100
// with a default of 50.
func (s *Service) List(ctx context.Context, businessID uuid.UUID, filter db.ListFilter, limit, offset int) ([]*db.ReviewRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListRequests(ctx, businessID, filter, limit, offset)
}

// Events retrieves the audit trail for a request, tenant-scoped.
func (s *Service) Events(ctx context.Context, businessID, id uuid.UUID) ([]*db.Event, error) {
	if _, err := s.repo.GetRequestForBusiness(ctx, businessID, id); err != nil {
		return nil, err
	}
	return s.repo.ListEventsByRequest(ctx, businessID, id, 200)
}

func (s *Service) validateCreate(params CreateParams) (warning string, err error) {
	if params.BusinessID == uuid.Nil {
		return "", fmt.Errorf("%w: business_id is required", ErrValidation)
	}
	if params.CustomerID == uuid.Nil {
		return "", fmt.Errorf("%w: customer_id is required", ErrValidation)
	}
	if params.Channel != db.ChannelEmail && params.Channel != db.ChannelSMS {
		return "", fmt.Errorf("%w: channel must be email or sms", ErrValidation)
	}
	if strings.TrimSpace(params.Content) == "" {
		return "", fmt.Errorf("%w: content is required", ErrValidation)
	}
	if params.Channel == db.ChannelEmail && strings.TrimSpace(params.Subject) == "" {
		return "", fmt.Errorf("%w: subject is required for email requests", ErrValidation)
	}
	if params.SendAt != nil && params.AutoSchedule {
		return "", fmt.Errorf("%w: send_at and auto_schedule are mutually exclusive", ErrValidation)
	}
	if params.Channel == db.ChannelSMS && len(params.Content) > smsWarnLength {
		warning = fmt.Sprintf("sms content is %d characters and may be split into multiple segments", len(params.Content))
	}
	return warning, nil
}

// appendEvent writes the audit event best-effort: scheduling outcomes
// are authoritative in the requests table, a lost event is logged only.
func (s *Service) appendEvent(ctx context.Context, ev *db.Event) {
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		s.logger.Error("failed to append audit event",
			zap.Error(err),
			zap.String("request_id", ev.RequestID.String()),
			zap.String("type", ev.Type),
		)
		return
	}
	if s.exporter != nil {
		if err := s.exporter.Export(ctx, ev); err != nil {
			s.logger.Warn("failed to export audit event",
				zap.Error(err),
				zap.String("type", ev.Type),
			)
		}
	}
}

// newTrackingToken returns a compact opaque token for the tracked
// review link.
func newTrackingToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
