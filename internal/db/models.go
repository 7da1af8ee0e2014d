package db

import (
	"time"

	"github.com/google/uuid"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ReviewRequest status constants. Only StatusQueued is a valid initial
// state; the terminal statuses have no outgoing transitions.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusClicked   = "clicked"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusBounced   = "bounced"
	StatusOptedOut  = "opted_out"
)

// ValidTransition reports whether a status change is allowed by the
// request lifecycle. Every status write goes through a conditional
// update keyed on the expected prior status, so this is the complete
// rule set; there is no other path between statuses.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusSent || to == StatusFailed || to == StatusCancelled
	case StatusSent:
		return to == StatusDelivered || to == StatusBounced || to == StatusOptedOut
	case StatusDelivered:
		return to == StatusClicked
	case StatusClicked:
		return to == StatusCompleted
	default:
		// completed, failed, cancelled, bounced, opted_out are terminal
		return false
	}
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBounced, StatusOptedOut:
		return true
	}
	return false
}

// ReviewRequest is the unit of work: one personalized review ask for one
// customer, owned by a business. ScheduledFor nil means the request was
// (or is) eligible for immediate dispatch; once status leaves queued the
// field is historical and never rewritten.
type ReviewRequest struct {
	ID                uuid.UUID  `json:"id"`
	BusinessID        uuid.UUID  `json:"business_id"`
	CustomerID        uuid.UUID  `json:"customer_id"`
	Channel           string     `json:"channel"`
	Content           string     `json:"content"`
	Subject           *string    `json:"subject,omitempty"`
	TrackingToken     string     `json:"tracking_token"`
	ReviewURL         string     `json:"review_url"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
	Status            string     `json:"status"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Customer is the contact a review request targets. Email or phone may
// be empty depending on which channels the business collected.
type Customer struct {
	ID         uuid.UUID `json:"id"`
	BusinessID uuid.UUID `json:"business_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      *string   `json:"email,omitempty"`
	Phone      *string   `json:"phone,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Business is the tenant scoping all customer and request data.
type Business struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ReviewURL string    `json:"review_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Event type constants
const (
	EventRequestCreated     = "request.created"
	EventRequestScheduled   = "request.scheduled"
	EventRequestRescheduled = "request.rescheduled"
	EventRequestCancelled   = "request.cancelled"
	EventRequestSendNow     = "request.send_now"
	EventSendSucceeded      = "send.succeeded"
	EventSendFailed         = "send.failed"
	EventDeliveryDelivered  = "delivery.delivered"
	EventDeliveryBounced    = "delivery.bounced"
	EventDeliveryOptedOut   = "delivery.opted_out"
	EventReviewClicked      = "review.clicked"
	EventReviewCompleted    = "review.completed"
)

// Event is an append-only audit record tied to a review request.
// Written on every state transition; never mutated.
type Event struct {
	ID         uuid.UUID `json:"id"`
	BusinessID uuid.UUID `json:"business_id"`
	RequestID  uuid.UUID `json:"request_id"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Suppression blocks future sends to a contact on a channel, created by
// bounces and opt-outs reported through provider webhooks.
type Suppression struct {
	ID          uuid.UUID `json:"id"`
	BusinessID  uuid.UUID `json:"business_id"`
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}
