package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound indicates the row does not exist (tenant-scoped lookups
// also return it when the row belongs to another business).
var ErrNotFound = errors.New("not found")

// ErrStaleStatus indicates a conditional status update matched no row
// because the request is no longer in the expected prior status.
var ErrStaleStatus = errors.New("request status changed concurrently")

// ErrInvalidTransition indicates a status change the lifecycle does not
// allow, independent of what is currently stored.
var ErrInvalidTransition = errors.New("invalid status transition")

// Repository handles database operations for review requests and the
// entities around them, scoped by business id on every query.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateRequest inserts a new review request
func (r *Repository) CreateRequest(ctx context.Context, req *ReviewRequest) error {
	query := `
		INSERT INTO review_requests (
			id, business_id, customer_id, channel, content, subject,
			tracking_token, review_url, scheduled_for, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		req.ID,
		req.BusinessID,
		req.CustomerID,
		req.Channel,
		req.Content,
		req.Subject,
		req.TrackingToken,
		req.ReviewURL,
		req.ScheduledFor,
		req.Status,
	).Scan(&req.CreatedAt, &req.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create review request",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
		return fmt.Errorf("insert review request: %w", err)
	}

	r.logger.Info("review request created",
		zap.String("request_id", req.ID.String()),
		zap.String("business_id", req.BusinessID.String()),
		zap.String("channel", req.Channel),
	)

	return nil
}

const requestColumns = `
		id, business_id, customer_id, channel, content, subject,
		tracking_token, review_url, scheduled_for, status,
		provider_message_id, error_message, sent_at,
		created_at, updated_at`

func scanRequest(row pgx.Row) (*ReviewRequest, error) {
	var req ReviewRequest
	err := row.Scan(
		&req.ID,
		&req.BusinessID,
		&req.CustomerID,
		&req.Channel,
		&req.Content,
		&req.Subject,
		&req.TrackingToken,
		&req.ReviewURL,
		&req.ScheduledFor,
		&req.Status,
		&req.ProviderMessageID,
		&req.ErrorMessage,
		&req.SentAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetRequest retrieves a review request by ID
func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (*ReviewRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM review_requests WHERE id = $1`

	req, err := scanRequest(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("review request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get review request",
			zap.Error(err),
			zap.String("request_id", id.String()),
		)
		return nil, fmt.Errorf("query review request: %w", err)
	}

	return req, nil
}

// GetRequestForBusiness retrieves a review request, enforcing tenant ownership.
func (r *Repository) GetRequestForBusiness(ctx context.Context, businessID, id uuid.UUID) (*ReviewRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM review_requests WHERE id = $1 AND business_id = $2`

	req, err := scanRequest(r.db.Pool().QueryRow(ctx, query, id, businessID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("review request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query review request: %w", err)
	}

	return req, nil
}

// GetRequestByProviderMessageID resolves a request from a provider
// webhook callback.
func (r *Repository) GetRequestByProviderMessageID(ctx context.Context, providerMessageID string) (*ReviewRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM review_requests WHERE provider_message_id = $1`

	req, err := scanRequest(r.db.Pool().QueryRow(ctx, query, providerMessageID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("provider message %s: %w", providerMessageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query review request by provider message id: %w", err)
	}

	return req, nil
}

// GetRequestByToken resolves a request from its tracking token.
func (r *Repository) GetRequestByToken(ctx context.Context, token string) (*ReviewRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM review_requests WHERE tracking_token = $1`

	req, err := scanRequest(r.db.Pool().QueryRow(ctx, query, token))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("tracking token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query review request by token: %w", err)
	}

	return req, nil
}

// ListFilter narrows ListRequests. Empty fields match everything.
type ListFilter struct {
	Status  string
	Channel string
}

// ListRequests retrieves review requests for a business with pagination
func (r *Repository) ListRequests(ctx context.Context, businessID uuid.UUID, filter ListFilter, limit, offset int) ([]*ReviewRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM review_requests WHERE business_id = $1`
	args := []interface{}{businessID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Channel != "" {
		args = append(args, filter.Channel)
		query += fmt.Sprintf(" AND channel = $%d", len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query review requests: %w", err)
	}
	defer rows.Close()

	var requests []*ReviewRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return requests, nil
}

// StatusFields carries the optional columns written alongside a status
// transition. Nil fields are left untouched.
type StatusFields struct {
	ProviderMessageID *string
	ErrorMessage      *string
	SentAt            *time.Time
}

// UpdateRequestStatus performs the conditional status write every
// transition goes through: the UPDATE is keyed on the expected prior
// status, so a concurrent transition makes this a no-op instead of a
// lost update. Returns ErrStaleStatus when the guard does not match and
// ErrNotFound when the request does not exist at all.
func (r *Repository) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to string, fields StatusFields) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	query := `
		UPDATE review_requests
		SET status = $1,
		    provider_message_id = COALESCE($2, provider_message_id),
		    error_message = COALESCE($3, error_message),
		    sent_at = COALESCE($4, sent_at),
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	result, err := r.db.Pool().Exec(ctx, query,
		to, fields.ProviderMessageID, fields.ErrorMessage, fields.SentAt, id, from)
	if err != nil {
		r.logger.Error("failed to update request status",
			zap.Error(err),
			zap.String("request_id", id.String()),
			zap.String("to", to),
		)
		return fmt.Errorf("update request status: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Distinguish a missing row from a lost CAS race
		var exists bool
		if err := r.db.Pool().QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM review_requests WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("check request exists: %w", err)
		}
		if !exists {
			return fmt.Errorf("review request %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("expected status %s: %w", from, ErrStaleStatus)
	}

	r.logger.Info("request status updated",
		zap.String("request_id", id.String()),
		zap.String("from", from),
		zap.String("to", to),
	)

	return nil
}

// UpdateScheduledFor rewrites scheduled_for while the request is still
// queued. Nil clears the field (the send-now path). Returns
// ErrStaleStatus if the request already left queued.
func (r *Repository) UpdateScheduledFor(ctx context.Context, id uuid.UUID, scheduledFor *time.Time) error {
	query := `
		UPDATE review_requests
		SET scheduled_for = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, scheduledFor, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("update scheduled_for: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("expected status %s: %w", StatusQueued, ErrStaleStatus)
	}

	return nil
}

// AppendEvent writes an audit event. Events are append-only.
func (r *Repository) AppendEvent(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO events (id, business_id, request_id, type, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, query,
		ev.ID, ev.BusinessID, ev.RequestID, ev.Type, ev.Detail,
	).Scan(&ev.CreatedAt)

	if err != nil {
		r.logger.Error("failed to append event",
			zap.Error(err),
			zap.String("request_id", ev.RequestID.String()),
			zap.String("type", ev.Type),
		)
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// ListEventsByRequest retrieves the audit trail for a request, oldest first.
func (r *Repository) ListEventsByRequest(ctx context.Context, businessID, requestID uuid.UUID, limit int) ([]*Event, error) {
	query := `
		SELECT id, business_id, request_id, type, detail, created_at
		FROM events
		WHERE business_id = $1 AND request_id = $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, businessID, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		err := rows.Scan(&ev.ID, &ev.BusinessID, &ev.RequestID, &ev.Type, &ev.Detail, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// GetBusiness retrieves a business by ID
func (r *Repository) GetBusiness(ctx context.Context, id uuid.UUID) (*Business, error) {
	query := `SELECT id, name, review_url, created_at FROM businesses WHERE id = $1`

	var b Business
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&b.ID, &b.Name, &b.ReviewURL, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("business %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query business: %w", err)
	}

	return &b, nil
}

// GetCustomer retrieves a customer, enforcing tenant ownership.
func (r *Repository) GetCustomer(ctx context.Context, businessID, id uuid.UUID) (*Customer, error) {
	query := `
		SELECT id, business_id, first_name, last_name, email, phone, created_at
		FROM customers
		WHERE id = $1 AND business_id = $2
	`

	var c Customer
	err := r.db.Pool().QueryRow(ctx, query, id, businessID).Scan(
		&c.ID, &c.BusinessID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}

	return &c, nil
}

// ListCustomerIDs returns all customer ids for a business, used by
// campaign fan-out.
func (r *Repository) ListCustomerIDs(ctx context.Context, businessID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT id FROM customers WHERE business_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, businessID)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan customer id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// IsSuppressed reports whether a destination is blocked for a channel.
func (r *Repository) IsSuppressed(ctx context.Context, businessID uuid.UUID, channel, destination string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM suppressions
			WHERE business_id = $1 AND channel = $2 AND destination = $3
		)
	`

	var suppressed bool
	err := r.db.Pool().QueryRow(ctx, query, businessID, channel, destination).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("query suppression: %w", err)
	}

	return suppressed, nil
}

// UpsertSuppression records an opt-out or bounce for a contact+channel.
// Re-reporting the same destination keeps the original row.
func (r *Repository) UpsertSuppression(ctx context.Context, s *Suppression) error {
	query := `
		INSERT INTO suppressions (id, business_id, channel, destination, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (business_id, channel, destination) DO NOTHING
	`

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	_, err := r.db.Pool().Exec(ctx, query, s.ID, s.BusinessID, s.Channel, s.Destination, s.Reason)
	if err != nil {
		return fmt.Errorf("insert suppression: %w", err)
	}

	r.logger.Info("suppression recorded",
		zap.String("business_id", s.BusinessID.String()),
		zap.String("channel", s.Channel),
		zap.String("reason", s.Reason),
	)

	return nil
}

// ListDueQueued returns queued requests whose scheduled time has
// passed. The reconciliation sweep uses it to repair requests that lost
// their queue entry between the storage write and the enqueue.
func (r *Repository) ListDueQueued(ctx context.Context, now time.Time, limit int) ([]*ReviewRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM review_requests
		WHERE status = $1 AND scheduled_for IS NOT NULL AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due requests: %w", err)
	}
	defer rows.Close()

	var requests []*ReviewRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return requests, nil
}
