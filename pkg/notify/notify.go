// Package notify reacts to billing domain events: it delivers signed webhooks
// to organization endpoints and records in-app notifications.
package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// MaxConsecutiveFailures disables delivery to an endpoint once reached.
const MaxConsecutiveFailures = 10

// ErrEndpointNotFound is returned when a webhook endpoint does not exist.
var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// Endpoint is an organization's webhook subscription.
type Endpoint struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organizationId"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"-"`
	IsActive        bool       `json:"isActive"`
	FailureCount    int        `json:"failureCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Subscribed reports whether the endpoint wants eventType.
func (e *Endpoint) Subscribed(eventType string) bool {
	for _, ev := range e.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

// Deliverable reports whether the endpoint should receive eventType now.
func (e *Endpoint) Deliverable(eventType string) bool {
	return e.IsActive && e.FailureCount < MaxConsecutiveFailures && e.Subscribed(eventType)
}

// Delivery is the log entry of one webhook attempt.
type Delivery struct {
	ID           string        `json:"id"`
	EndpointID   string        `json:"endpointId"`
	EventID      string        `json:"eventId"`
	Event        string        `json:"event"`
	Payload      []byte        `json:"payload"`
	ResponseCode int           `json:"responseCode,omitempty"`
	Delivered    bool          `json:"delivered"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Kind categorizes notifications for display.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindBilling Kind = "billing"
)

// Notification is an in-app message for an organization.
type Notification struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	EventID        string    `json:"eventId"`
	Kind           Kind      `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	ActionURL      string    `json:"actionUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// EndpointStore persists webhook endpoints and their delivery log.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	ListEndpoints(ctx context.Context, organizationID string) ([]*Endpoint, error)

	// RecordDelivery appends d to the log and updates the endpoint's failure
	// count: reset on success, incremented otherwise.
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, endpointID string) ([]*Delivery, error)

	// Delivered reports whether eventID already reached endpointID successfully.
	Delivered(ctx context.Context, endpointID, eventID string) (bool, error)
}

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	// CreateNotification stores n unless a notification for the same event id
	// exists, and reports whether it was stored.
	CreateNotification(ctx context.Context, n *Notification) (bool, error)
	ListNotifications(ctx context.Context, organizationID string) ([]*Notification, error)
}

// GenerateSecret returns a new endpoint signing secret: "whsec_" followed by
// 48 hex characters.
func GenerateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
