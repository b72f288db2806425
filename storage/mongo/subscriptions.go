package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

type subscriptionDoc struct {
	ID                      string     `bson:"_id"`
	OrganizationID          string     `bson:"organizationId"`
	PlanID                  string     `bson:"planId"`
	Status                  string     `bson:"status"`
	BillingCycle            string     `bson:"billingCycle"`
	PeriodStart             time.Time  `bson:"periodStart"`
	PeriodEnd               time.Time  `bson:"periodEnd"`
	CancelAtPeriodEnd       bool       `bson:"cancelAtPeriodEnd"`
	CanceledAt              *time.Time `bson:"canceledAt,omitempty"`
	CancellationReason      string     `bson:"cancellationReason,omitempty"`
	TrialEnd                *time.Time `bson:"trialEnd,omitempty"`
	CustomerRef             string     `bson:"customerRef,omitempty"`
	ExternalSubscriptionRef string     `bson:"externalSubscriptionRef,omitempty"`
	CreatedAt               time.Time  `bson:"createdAt"`
	UpdatedAt               time.Time  `bson:"updatedAt"`
}

func toSubscriptionDoc(sub *billing.Subscription) subscriptionDoc {
	return subscriptionDoc{
		ID:                      sub.ID,
		OrganizationID:          sub.OrganizationID,
		PlanID:                  sub.PlanID,
		Status:                  string(sub.Status),
		BillingCycle:            string(sub.BillingCycle),
		PeriodStart:             sub.CurrentPeriod.Start,
		PeriodEnd:               sub.CurrentPeriod.End,
		CancelAtPeriodEnd:       sub.CancelAtPeriodEnd,
		CanceledAt:              sub.CanceledAt,
		CancellationReason:      sub.CancellationReason,
		TrialEnd:                sub.TrialEnd,
		CustomerRef:             sub.CustomerRef,
		ExternalSubscriptionRef: sub.ExternalSubscriptionRef,
		CreatedAt:               sub.CreatedAt,
		UpdatedAt:               sub.UpdatedAt,
	}
}

func (d *subscriptionDoc) toBilling() *billing.Subscription {
	return &billing.Subscription{
		ID:                      d.ID,
		OrganizationID:          d.OrganizationID,
		PlanID:                  d.PlanID,
		Status:                  billing.Status(d.Status),
		BillingCycle:            billing.BillingCycle(d.BillingCycle),
		CurrentPeriod:           billing.Period{Start: d.PeriodStart.UTC(), End: d.PeriodEnd.UTC()},
		CancelAtPeriodEnd:       d.CancelAtPeriodEnd,
		CanceledAt:              utcPtr(d.CanceledAt),
		CancellationReason:      d.CancellationReason,
		TrialEnd:                utcPtr(d.TrialEnd),
		CustomerRef:             d.CustomerRef,
		ExternalSubscriptionRef: d.ExternalSubscriptionRef,
		CreatedAt:               d.CreatedAt.UTC(),
		UpdatedAt:               d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Storage) findSubscription(ctx context.Context, filter bson.M) (*billing.Subscription, error) {
	var doc subscriptionDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	if err := s.subscriptions.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return doc.toBilling(), nil
}

// FindByOrganization implements billing.SubscriptionStore
func (s *Storage) FindByOrganization(ctx context.Context, organizationID string) (*billing.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"organizationId": organizationID})
}

// FindByExternalSubscriptionRef implements billing.SubscriptionStore
func (s *Storage) FindByExternalSubscriptionRef(ctx context.Context, ref string) (*billing.Subscription, error) {
	if ref == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.findSubscription(ctx, bson.M{"externalSubscriptionRef": ref})
}

// FindByCustomerRef implements billing.SubscriptionStore
func (s *Storage) FindByCustomerRef(ctx context.Context, customerRef string) (*billing.Subscription, error) {
	if customerRef == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.findSubscription(ctx, bson.M{"customerRef": customerRef})
}

// Upsert implements billing.SubscriptionStore. Identity fields are only
// written on insert, so an existing record keeps its id and creation time.
func (s *Storage) Upsert(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.OrganizationID == "" || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := toSubscriptionDoc(sub)
	set := bson.M{
		"planId":                  doc.PlanID,
		"status":                  doc.Status,
		"billingCycle":            doc.BillingCycle,
		"periodStart":             doc.PeriodStart,
		"periodEnd":               doc.PeriodEnd,
		"cancelAtPeriodEnd":       doc.CancelAtPeriodEnd,
		"canceledAt":              doc.CanceledAt,
		"cancellationReason":      doc.CancellationReason,
		"trialEnd":                doc.TrialEnd,
		"customerRef":             doc.CustomerRef,
		"externalSubscriptionRef": doc.ExternalSubscriptionRef,
		"updatedAt":               doc.UpdatedAt,
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"_id": doc.ID, "createdAt": doc.CreatedAt},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored subscriptionDoc
	err := s.subscriptions.FindOneAndUpdate(ctx, bson.M{"organizationId": sub.OrganizationID}, update, opts).Decode(&stored)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	sub.ID = stored.ID
	sub.CreatedAt = stored.CreatedAt.UTC()
	return nil
}

// Save implements billing.SubscriptionStore
func (s *Storage) Save(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}

	res, err := s.subscriptions.ReplaceOne(ctx, bson.M{"_id": sub.ID}, toSubscriptionDoc(sub))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

// ListDueForCancellation implements billing.SubscriptionStore
func (s *Storage) ListDueForCancellation(ctx context.Context, before time.Time) ([]*billing.Subscription, error) {
	filter := bson.M{
		"status":            string(billing.StatusActive),
		"cancelAtPeriodEnd": true,
		"periodEnd":         bson.M{"$lte": before},
	}
	cur, err := s.subscriptions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "periodEnd", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer cur.Close(ctx)

	var due []*billing.Subscription
	for cur.Next(ctx) {
		var doc subscriptionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		due = append(due, doc.toBilling())
	}
	return due, cur.Err()
}

