package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

type invoiceItemDoc struct {
	Description string `bson:"description"`
	Quantity    int64  `bson:"quantity"`
	UnitPrice   string `bson:"unitPrice"`
	Amount      string `bson:"amount"`
}

type invoiceDoc struct {
	ID                 string           `bson:"_id"`
	SubscriptionID     string           `bson:"subscriptionId"`
	OrganizationID     string           `bson:"organizationId"`
	InvoiceNumber      string           `bson:"invoiceNumber"`
	Items              []invoiceItemDoc `bson:"items"`
	Subtotal           string           `bson:"subtotal"`
	Tax                string           `bson:"tax"`
	Total              string           `bson:"total"`
	Currency           string           `bson:"currency"`
	Status             string           `bson:"status"`
	DueDate            *time.Time       `bson:"dueDate,omitempty"`
	PaidAt             *time.Time       `bson:"paidAt,omitempty"`
	ExternalInvoiceRef string           `bson:"externalInvoiceRef,omitempty"`
	CreatedAt          time.Time        `bson:"createdAt"`
}

func (d *invoiceDoc) toBilling() (*billing.Invoice, error) {
	inv := &billing.Invoice{
		ID:                 d.ID,
		SubscriptionID:     d.SubscriptionID,
		OrganizationID:     d.OrganizationID,
		InvoiceNumber:      d.InvoiceNumber,
		Items:              make([]billing.InvoiceItem, 0, len(d.Items)),
		Currency:           d.Currency,
		Status:             billing.InvoiceStatus(d.Status),
		DueDate:            utcPtr(d.DueDate),
		PaidAt:             utcPtr(d.PaidAt),
		ExternalInvoiceRef: d.ExternalInvoiceRef,
		CreatedAt:          d.CreatedAt.UTC(),
	}
	var err error
	if inv.Subtotal, err = parseDecimal(d.Subtotal); err != nil {
		return nil, fmt.Errorf("invoice %s: invalid subtotal: %w", d.ID, err)
	}
	if inv.Tax, err = parseDecimal(d.Tax); err != nil {
		return nil, fmt.Errorf("invoice %s: invalid tax: %w", d.ID, err)
	}
	if inv.Total, err = parseDecimal(d.Total); err != nil {
		return nil, fmt.Errorf("invoice %s: invalid total: %w", d.ID, err)
	}
	for _, it := range d.Items {
		unit, err := parseDecimal(it.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("invoice %s: invalid unit price: %w", d.ID, err)
		}
		amount, err := parseDecimal(it.Amount)
		if err != nil {
			return nil, fmt.Errorf("invoice %s: invalid item amount: %w", d.ID, err)
		}
		inv.Items = append(inv.Items, billing.InvoiceItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   unit,
			Amount:      amount,
		})
	}
	return inv, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// ListInvoices implements billing.InvoiceStore
func (s *Storage) ListInvoices(ctx context.Context, organizationID string, page, limit int) ([]*billing.Invoice, int, error) {
	filter := bson.M{"organizationId": organizationID}
	total, err := s.invoices.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count invoices: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cur, err := s.invoices.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer cur.Close(ctx)

	items := []*billing.Invoice{}
	for cur.Next(ctx) {
		var doc invoiceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("failed to decode invoice: %w", err)
		}
		inv, err := doc.toBilling()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, int(total), cur.Err()
}

// GetInvoice implements billing.InvoiceStore
func (s *Storage) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	var doc invoiceDoc
	if err := s.invoices.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, billing.ErrInvoiceNotFound)
	}
	return doc.toBilling()
}

// GetInvoiceByExternalRef implements billing.InvoiceStore
func (s *Storage) GetInvoiceByExternalRef(ctx context.Context, ref string) (*billing.Invoice, error) {
	var doc invoiceDoc
	if err := s.invoices.FindOne(ctx, bson.M{"externalInvoiceRef": ref}).Decode(&doc); err != nil {
		return nil, notFound(err, billing.ErrInvoiceNotFound)
	}
	return doc.toBilling()
}

// UpsertInvoiceByExternalRef implements billing.InvoiceStore
func (s *Storage) UpsertInvoiceByExternalRef(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.ExternalInvoiceRef == "" {
		return fmt.Errorf("invalid invoice")
	}

	items := make([]invoiceItemDoc, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, invoiceItemDoc{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.String(),
			Amount:      it.Amount.String(),
		})
	}
	update := bson.M{
		"$set": bson.M{
			"subscriptionId": inv.SubscriptionID,
			"organizationId": inv.OrganizationID,
			"items":          items,
			"subtotal":       inv.Subtotal.String(),
			"tax":            inv.Tax.String(),
			"total":          inv.Total.String(),
			"currency":       inv.Currency,
			"status":         string(inv.Status),
			"dueDate":        inv.DueDate,
			"paidAt":         inv.PaidAt,
		},
		"$setOnInsert": bson.M{
			"_id":           inv.ID,
			"invoiceNumber": inv.InvoiceNumber,
			"createdAt":     inv.CreatedAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc invoiceDoc
	err := s.invoices.FindOneAndUpdate(ctx, bson.M{"externalInvoiceRef": inv.ExternalInvoiceRef}, update, opts).Decode(&doc)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	inv.ID = doc.ID
	inv.InvoiceNumber = doc.InvoiceNumber
	inv.CreatedAt = doc.CreatedAt.UTC()
	return nil
}

// NextInvoiceSequence implements billing.InvoiceStore
func (s *Storage) NextInvoiceSequence(ctx context.Context, year int) (int, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc struct {
		Seq int `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": fmt.Sprintf("invoice:%d", year)},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate invoice sequence: %w", err)
	}
	return doc.Seq, nil
}
