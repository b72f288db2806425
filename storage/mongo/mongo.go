// Package mongo provides MongoDB implementations of the billing stores and the
// notification service's webhook and notification stores.
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

const (
	subscriptionsCollection  = "subscriptions"
	plansCollection          = "plans"
	invoicesCollection       = "invoices"
	paymentMethodsCollection = "payment_methods"
	countersCollection       = "counters"
)

// Config holds MongoDB storage configuration
type Config struct {
	URI      string
	Database string

	// ConnectTimeout bounds the initial connection and ping (default: 10s)
	ConnectTimeout time.Duration
}

// Storage implements the billing stores using MongoDB
type Storage struct {
	client        *mongo.Client
	db            *mongo.Database
	subscriptions *mongo.Collection
	plans         *mongo.Collection
	invoices      *mongo.Collection
	methods       *mongo.Collection
	counters      *mongo.Collection
}

// New connects to MongoDB and ensures the indexes the stores rely on.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if config.Database == "" {
		config.Database = "billing"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := NewWithDatabase(client, client.Database(config.Database))
	if err := s.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewWithDatabase wraps an existing database handle. The caller owns the client.
func NewWithDatabase(client *mongo.Client, db *mongo.Database) *Storage {
	return &Storage{
		client:        client,
		db:            db,
		subscriptions: db.Collection(subscriptionsCollection),
		plans:         db.Collection(plansCollection),
		invoices:      db.Collection(invoicesCollection),
		methods:       db.Collection(paymentMethodsCollection),
		counters:      db.Collection(countersCollection),
	}
}

// EnsureIndexes creates the unique and lookup indexes.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.subscriptions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "organizationId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "externalSubscriptionRef", Value: 1}}},
		{Keys: bson.D{{Key: "customerRef", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "cancelAtPeriodEnd", Value: 1}, {Key: "periodEnd", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription indexes: %w", err)
	}
	_, err = s.plans.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create plan indexes: %w", err)
	}
	_, err = s.invoices.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "externalInvoiceRef", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"externalInvoiceRef": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "organizationId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create invoice indexes: %w", err)
	}
	_, err = s.methods.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "externalRef", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "organizationId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create payment method indexes: %w", err)
	}
	return nil
}

// NotifyStore returns the webhook and notification store on the same database.
func (s *Storage) NotifyStore() *NotifyStore {
	return NewNotifyStore(s.db)
}

// Close disconnects the client.
func (s *Storage) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Ping checks the MongoDB connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func notFound(err, sentinel error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return sentinel
	}
	return err
}

var (
	_ billing.SubscriptionStore  = (*Storage)(nil)
	_ billing.PlanStore          = (*Storage)(nil)
	_ billing.InvoiceStore       = (*Storage)(nil)
	_ billing.PaymentMethodStore = (*Storage)(nil)
)
