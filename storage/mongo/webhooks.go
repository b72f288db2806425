package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mihaimyh/subtrack/pkg/notify"
)

type endpointDoc struct {
	ID              string     `bson:"_id"`
	OrganizationID  string     `bson:"organizationId"`
	URL             string     `bson:"url"`
	Events          []string   `bson:"events"`
	Secret          string     `bson:"secret"`
	IsActive        bool       `bson:"isActive"`
	FailureCount    int        `bson:"failureCount"`
	LastTriggeredAt *time.Time `bson:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time  `bson:"createdAt"`
}

type deliveryDoc struct {
	ID           string    `bson:"_id"`
	EndpointID   string    `bson:"endpointId"`
	EventID      string    `bson:"eventId"`
	Event        string    `bson:"event"`
	Payload      []byte    `bson:"payload"`
	ResponseCode int       `bson:"responseCode"`
	Delivered    bool      `bson:"delivered"`
	Error        string    `bson:"error,omitempty"`
	DurationMs   int64     `bson:"durationMs"`
	CreatedAt    time.Time `bson:"createdAt"`
}

type notificationDoc struct {
	ID             string    `bson:"_id"`
	OrganizationID string    `bson:"organizationId"`
	EventID        string    `bson:"eventId"`
	Kind           string    `bson:"type"`
	Title          string    `bson:"title"`
	Message        string    `bson:"message"`
	ActionURL      string    `bson:"actionUrl,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
}

// NotifyStore implements notify.EndpointStore and notify.NotificationStore.
type NotifyStore struct {
	endpoints     *mongo.Collection
	deliveries    *mongo.Collection
	notifications *mongo.Collection
}

// NewNotifyStore uses the webhook and notification collections of db.
func NewNotifyStore(db *mongo.Database) *NotifyStore {
	return &NotifyStore{
		endpoints:     db.Collection("webhooks"),
		deliveries:    db.Collection("webhook_logs"),
		notifications: db.Collection("notifications"),
	}
}

// EnsureIndexes creates the lookup indexes and the per-event uniqueness that
// makes CreateNotification idempotent.
func (s *NotifyStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.endpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "organizationId", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create webhook indexes: %w", err)
	}
	if _, err := s.deliveries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "endpointId", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create webhook log indexes: %w", err)
	}
	if _, err := s.deliveries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "endpointId", Value: 1}, {Key: "eventId", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create webhook log indexes: %w", err)
	}
	if _, err := s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "organizationId", Value: 1}, {Key: "eventId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create notification indexes: %w", err)
	}
	return nil
}

func (s *NotifyStore) CreateEndpoint(ctx context.Context, e *notify.Endpoint) error {
	if e == nil || e.ID == "" || e.OrganizationID == "" {
		return fmt.Errorf("invalid webhook endpoint")
	}
	doc := endpointDoc{
		ID:              e.ID,
		OrganizationID:  e.OrganizationID,
		URL:             e.URL,
		Events:          e.Events,
		Secret:          e.Secret,
		IsActive:        e.IsActive,
		FailureCount:    e.FailureCount,
		LastTriggeredAt: e.LastTriggeredAt,
		CreatedAt:       e.CreatedAt,
	}
	if _, err := s.endpoints.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return nil
}

func (s *NotifyStore) ListEndpoints(ctx context.Context, organizationID string) ([]*notify.Endpoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cur, err := s.endpoints.Find(ctx, bson.M{"organizationId": organizationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	defer cur.Close(ctx)

	out := []*notify.Endpoint{}
	for cur.Next(ctx) {
		var doc endpointDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode webhook endpoint: %w", err)
		}
		out = append(out, &notify.Endpoint{
			ID:              doc.ID,
			OrganizationID:  doc.OrganizationID,
			URL:             doc.URL,
			Events:          doc.Events,
			Secret:          doc.Secret,
			IsActive:        doc.IsActive,
			FailureCount:    doc.FailureCount,
			LastTriggeredAt: utcPtr(doc.LastTriggeredAt),
			CreatedAt:       doc.CreatedAt.UTC(),
		})
	}
	return out, cur.Err()
}

func (s *NotifyStore) RecordDelivery(ctx context.Context, d *notify.Delivery) error {
	if _, err := s.deliveries.InsertOne(ctx, deliveryDoc{
		ID:           d.ID,
		EndpointID:   d.EndpointID,
		EventID:      d.EventID,
		Event:        d.Event,
		Payload:      d.Payload,
		ResponseCode: d.ResponseCode,
		Delivered:    d.Delivered,
		Error:        d.Error,
		DurationMs:   d.Duration.Milliseconds(),
		CreatedAt:    d.CreatedAt,
	}); err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}

	update := bson.M{"$set": bson.M{"lastTriggeredAt": d.CreatedAt, "failureCount": 0}}
	if !d.Delivered {
		update = bson.M{
			"$set": bson.M{"lastTriggeredAt": d.CreatedAt},
			"$inc": bson.M{"failureCount": 1},
		}
	}
	res, err := s.endpoints.UpdateOne(ctx, bson.M{"_id": d.EndpointID}, update)
	if err != nil {
		return fmt.Errorf("failed to update webhook endpoint: %w", err)
	}
	if res.MatchedCount == 0 {
		return notify.ErrEndpointNotFound
	}
	return nil
}

func (s *NotifyStore) Delivered(ctx context.Context, endpointID, eventID string) (bool, error) {
	n, err := s.deliveries.CountDocuments(ctx,
		bson.M{"endpointId": endpointID, "eventId": eventID, "delivered": true},
		options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check webhook delivery: %w", err)
	}
	return n > 0, nil
}

func (s *NotifyStore) ListDeliveries(ctx context.Context, endpointID string) ([]*notify.Delivery, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cur, err := s.deliveries.Find(ctx, bson.M{"endpointId": endpointID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer cur.Close(ctx)

	out := []*notify.Delivery{}
	for cur.Next(ctx) {
		var doc deliveryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode webhook delivery: %w", err)
		}
		out = append(out, &notify.Delivery{
			ID:           doc.ID,
			EndpointID:   doc.EndpointID,
			EventID:      doc.EventID,
			Event:        doc.Event,
			Payload:      doc.Payload,
			ResponseCode: doc.ResponseCode,
			Delivered:    doc.Delivered,
			Error:        doc.Error,
			Duration:     time.Duration(doc.DurationMs) * time.Millisecond,
			CreatedAt:    doc.CreatedAt.UTC(),
		})
	}
	return out, cur.Err()
}

func (s *NotifyStore) CreateNotification(ctx context.Context, n *notify.Notification) (bool, error) {
	_, err := s.notifications.InsertOne(ctx, notificationDoc{
		ID:             n.ID,
		OrganizationID: n.OrganizationID,
		EventID:        n.EventID,
		Kind:           string(n.Kind),
		Title:          n.Title,
		Message:        n.Message,
		ActionURL:      n.ActionURL,
		CreatedAt:      n.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	return true, nil
}

func (s *NotifyStore) ListNotifications(ctx context.Context, organizationID string) ([]*notify.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cur, err := s.notifications.Find(ctx, bson.M{"organizationId": organizationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer cur.Close(ctx)

	out := []*notify.Notification{}
	for cur.Next(ctx) {
		var doc notificationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode notification: %w", err)
		}
		out = append(out, &notify.Notification{
			ID:             doc.ID,
			OrganizationID: doc.OrganizationID,
			EventID:        doc.EventID,
			Kind:           notify.Kind(doc.Kind),
			Title:          doc.Title,
			Message:        doc.Message,
			ActionURL:      doc.ActionURL,
			CreatedAt:      doc.CreatedAt.UTC(),
		})
	}
	return out, cur.Err()
}

var (
	_ notify.EndpointStore     = (*NotifyStore)(nil)
	_ notify.NotificationStore = (*NotifyStore)(nil)
)
