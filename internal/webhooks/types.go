package webhooks

import (
	"time"

	"github.com/fastband-ai/fastband/internal/events"
)

// Subscription is a persisted webhook endpoint: where to POST, which
// events it wants, and the shared secret its deliveries are signed with.
type Subscription struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Active      bool     `json:"active"`

	CreatedAt      time.Time  `json:"created_at"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`

	TotalDeliveries      int64  `json:"total_deliveries"`
	SuccessfulDeliveries int64  `json:"successful_deliveries"`
	FailedDeliveries     int64  `json:"failed_deliveries"`
	LastError            string `json:"last_error,omitempty"`
}

// Matches reports whether the subscription wants the event. "*" matches
// everything.
func (s *Subscription) Matches(event events.Type) bool {
	for _, e := range s.Events {
		if e == string(events.Wildcard) || e == string(event) {
			return true
		}
	}
	return false
}

// DeliveryStatus is the lifecycle of one delivery record. delivered and
// failed are terminal.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Delivery records one event bound for one subscription, across all its
// attempts. Invariants: Attempt <= MaxAttempts; delivered implies a 2xx
// ResponseStatus; failed implies Attempt == MaxAttempts.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	Event          string         `json:"event"`
	Payload        map[string]any `json:"payload,omitempty"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	Status         DeliveryStatus `json:"status"`

	ResponseStatus int      `json:"response_status,omitempty"`
	ResponseBody   string   `json:"response_body,omitempty"`
	Errors         []string `json:"errors,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Terminal reports whether the delivery has reached a final status.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed
}
