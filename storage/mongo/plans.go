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

// planDoc stores prices as decimal strings so no precision is lost to BSON doubles.
type planDoc struct {
	ID              string            `bson:"_id"`
	Slug            string            `bson:"slug"`
	Name            string            `bson:"name"`
	Description     string            `bson:"description,omitempty"`
	PriceMonthly    string            `bson:"priceMonthly"`
	PriceYearly     string            `bson:"priceYearly"`
	Currency        string            `bson:"currency"`
	PriceRefMonthly string            `bson:"priceRefMonthly,omitempty"`
	PriceRefYearly  string            `bson:"priceRefYearly,omitempty"`
	Features        []billing.Feature `bson:"features"`
	Limits          billing.Limits    `bson:"limits"`
	IsActive        bool              `bson:"isActive"`
	IsPopular       bool              `bson:"isPopular"`
	SortOrder       int               `bson:"sortOrder"`
	CreatedAt       time.Time         `bson:"createdAt"`
	UpdatedAt       time.Time         `bson:"updatedAt"`
}

func toPlanDoc(p *billing.Plan) planDoc {
	return planDoc{
		ID:              p.ID,
		Slug:            p.Slug,
		Name:            p.Name,
		Description:     p.Description,
		PriceMonthly:    p.Pricing.Monthly.String(),
		PriceYearly:     p.Pricing.Yearly.String(),
		Currency:        p.Pricing.Currency,
		PriceRefMonthly: p.ProcessorPriceRefs.Monthly,
		PriceRefYearly:  p.ProcessorPriceRefs.Yearly,
		Features:        p.Features,
		Limits:          p.Limits,
		IsActive:        p.IsActive,
		IsPopular:       p.IsPopular,
		SortOrder:       p.SortOrder,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (d *planDoc) toBilling() (*billing.Plan, error) {
	monthly, err := decimal.NewFromString(d.PriceMonthly)
	if err != nil {
		return nil, fmt.Errorf("plan %s: invalid monthly price: %w", d.ID, err)
	}
	yearly, err := decimal.NewFromString(d.PriceYearly)
	if err != nil {
		return nil, fmt.Errorf("plan %s: invalid yearly price: %w", d.ID, err)
	}
	return &billing.Plan{
		ID:                 d.ID,
		Slug:               d.Slug,
		Name:               d.Name,
		Description:        d.Description,
		Pricing:            billing.Pricing{Monthly: monthly, Yearly: yearly, Currency: d.Currency},
		ProcessorPriceRefs: billing.PriceRefs{Monthly: d.PriceRefMonthly, Yearly: d.PriceRefYearly},
		Features:           d.Features,
		Limits:             d.Limits,
		IsActive:           d.IsActive,
		IsPopular:          d.IsPopular,
		SortOrder:          d.SortOrder,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}, nil
}

// ListPlans implements billing.PlanStore
func (s *Storage) ListPlans(ctx context.Context, activeOnly bool) ([]*billing.Plan, error) {
	filter := bson.M{}
	if activeOnly {
		filter["isActive"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "sortOrder", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.plans.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer cur.Close(ctx)

	plans := []*billing.Plan{}
	for cur.Next(ctx) {
		var doc planDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
		p, err := doc.toBilling()
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, cur.Err()
}

func (s *Storage) findPlan(ctx context.Context, filter bson.M) (*billing.Plan, error) {
	var doc planDoc
	if err := s.plans.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, notFound(err, billing.ErrPlanNotFound)
	}
	return doc.toBilling()
}

// GetPlan implements billing.PlanStore
func (s *Storage) GetPlan(ctx context.Context, id string) (*billing.Plan, error) {
	return s.findPlan(ctx, bson.M{"_id": id})
}

// GetPlanBySlug implements billing.PlanStore
func (s *Storage) GetPlanBySlug(ctx context.Context, slug string) (*billing.Plan, error) {
	return s.findPlan(ctx, bson.M{"slug": slug})
}

// UpsertPlan implements billing.PlanStore
func (s *Storage) UpsertPlan(ctx context.Context, plan *billing.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}

	_, err := s.plans.ReplaceOne(ctx, bson.M{"_id": plan.ID}, toPlanDoc(plan), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}
	return nil
}
