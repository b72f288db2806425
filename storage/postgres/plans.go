package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

const planColumns = `id, slug, name, description, price_monthly, price_yearly, currency,
	price_ref_monthly, price_ref_yearly, features, limits, is_active, is_popular, sort_order,
	created_at, updated_at`

func scanPlan(row pgx.Row) (*billing.Plan, error) {
	var p billing.Plan
	var features, limits []byte
	err := row.Scan(
		&p.ID,
		&p.Slug,
		&p.Name,
		&p.Description,
		&p.Pricing.Monthly,
		&p.Pricing.Yearly,
		&p.Pricing.Currency,
		&p.ProcessorPriceRefs.Monthly,
		&p.ProcessorPriceRefs.Yearly,
		&features,
		&limits,
		&p.IsActive,
		&p.IsPopular,
		&p.SortOrder,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(features, &p.Features); err != nil {
		return nil, fmt.Errorf("failed to decode plan features: %w", err)
	}
	if err := json.Unmarshal(limits, &p.Limits); err != nil {
		return nil, fmt.Errorf("failed to decode plan limits: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// ListPlans implements billing.PlanStore
func (s *Storage) ListPlans(ctx context.Context, activeOnly bool) ([]*billing.Plan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE is_active OR NOT $1 ORDER BY sort_order, id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*billing.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetPlan implements billing.PlanStore
func (s *Storage) GetPlan(ctx context.Context, id string) (*billing.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, billing.ErrPlanNotFound)
	}
	return p, nil
}

// GetPlanBySlug implements billing.PlanStore
func (s *Storage) GetPlanBySlug(ctx context.Context, slug string) (*billing.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE slug = $1`, slug))
	if err != nil {
		return nil, notFound(err, billing.ErrPlanNotFound)
	}
	return p, nil
}

// UpsertPlan implements billing.PlanStore
func (s *Storage) UpsertPlan(ctx context.Context, plan *billing.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}

	features := plan.Features
	if features == nil {
		features = []billing.Feature{}
	}
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("failed to encode plan features: %w", err)
	}
	limitsJSON, err := json.Marshal(plan.Limits)
	if err != nil {
		return fmt.Errorf("failed to encode plan limits: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (`+planColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				slug = EXCLUDED.slug,
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				price_monthly = EXCLUDED.price_monthly,
				price_yearly = EXCLUDED.price_yearly,
				currency = EXCLUDED.currency,
				price_ref_monthly = EXCLUDED.price_ref_monthly,
				price_ref_yearly = EXCLUDED.price_ref_yearly,
				features = EXCLUDED.features,
				limits = EXCLUDED.limits,
				is_active = EXCLUDED.is_active,
				is_popular = EXCLUDED.is_popular,
				sort_order = EXCLUDED.sort_order,
				updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.Slug, plan.Name, plan.Description,
		plan.Pricing.Monthly, plan.Pricing.Yearly, plan.Pricing.Currency,
		plan.ProcessorPriceRefs.Monthly, plan.ProcessorPriceRefs.Yearly,
		featuresJSON, limitsJSON, plan.IsActive, plan.IsPopular, plan.SortOrder,
		plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}
	return nil
}
