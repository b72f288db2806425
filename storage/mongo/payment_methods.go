package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

type paymentMethodDoc struct {
	ID             string        `bson:"_id"`
	OrganizationID string        `bson:"organizationId"`
	Type           string        `bson:"type"`
	Card           *billing.Card `bson:"card,omitempty"`
	IsDefault      bool          `bson:"isDefault"`
	ExternalRef    string        `bson:"externalRef"`
	CreatedAt      time.Time     `bson:"createdAt"`
}

func (d *paymentMethodDoc) toBilling() *billing.PaymentMethod {
	return &billing.PaymentMethod{
		ID:             d.ID,
		OrganizationID: d.OrganizationID,
		Type:           billing.PaymentMethodType(d.Type),
		Card:           d.Card,
		IsDefault:      d.IsDefault,
		ExternalRef:    d.ExternalRef,
		CreatedAt:      d.CreatedAt.UTC(),
	}
}

// ListPaymentMethods implements billing.PaymentMethodStore
func (s *Storage) ListPaymentMethods(ctx context.Context, organizationID string) ([]*billing.PaymentMethod, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cur, err := s.methods.Find(ctx, bson.M{"organizationId": organizationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer cur.Close(ctx)

	methods := []*billing.PaymentMethod{}
	for cur.Next(ctx) {
		var doc paymentMethodDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode payment method: %w", err)
		}
		methods = append(methods, doc.toBilling())
	}
	return methods, cur.Err()
}

// GetPaymentMethod implements billing.PaymentMethodStore
func (s *Storage) GetPaymentMethod(ctx context.Context, id string) (*billing.PaymentMethod, error) {
	var doc paymentMethodDoc
	if err := s.methods.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, billing.ErrPaymentMethodNotFound)
	}
	return doc.toBilling(), nil
}

// CreatePaymentMethod implements billing.PaymentMethodStore
func (s *Storage) CreatePaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error {
	if pm == nil || pm.ID == "" {
		return fmt.Errorf("invalid payment method")
	}
	doc := paymentMethodDoc{
		ID:             pm.ID,
		OrganizationID: pm.OrganizationID,
		Type:           string(pm.Type),
		Card:           pm.Card,
		IsDefault:      pm.IsDefault,
		ExternalRef:    pm.ExternalRef,
		CreatedAt:      pm.CreatedAt,
	}
	if _, err := s.methods.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create payment method: %w", err)
	}
	return nil
}

// DeletePaymentMethod implements billing.PaymentMethodStore
func (s *Storage) DeletePaymentMethod(ctx context.Context, id string) error {
	res, err := s.methods.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	if res.DeletedCount == 0 {
		return billing.ErrPaymentMethodNotFound
	}
	return nil
}

// SetDefaultPaymentMethod implements billing.PaymentMethodStore. A single
// pipeline update flips every method of the organization.
func (s *Storage) SetDefaultPaymentMethod(ctx context.Context, organizationID, id string) error {
	n, err := s.methods.CountDocuments(ctx, bson.M{"_id": id, "organizationId": organizationID})
	if err != nil {
		return fmt.Errorf("failed to look up payment method: %w", err)
	}
	if n == 0 {
		return billing.ErrPaymentMethodNotFound
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "isDefault", Value: bson.D{{Key: "$eq", Value: bson.A{"$_id", id}}}}}}},
	}
	if _, err := s.methods.UpdateMany(ctx, bson.M{"organizationId": organizationID}, pipeline); err != nil {
		return fmt.Errorf("failed to set default payment method: %w", err)
	}
	return nil
}
