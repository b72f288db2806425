package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

const subscriptionColumns = `id, organization_id, plan_id, status, billing_cycle, period_start, period_end,
	cancel_at_period_end, canceled_at, cancellation_reason, trial_end, customer_ref,
	external_subscription_ref, created_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var status, cycle string
	err := row.Scan(
		&sub.ID,
		&sub.OrganizationID,
		&sub.PlanID,
		&status,
		&cycle,
		&sub.CurrentPeriod.Start,
		&sub.CurrentPeriod.End,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.CancellationReason,
		&sub.TrialEnd,
		&sub.CustomerRef,
		&sub.ExternalSubscriptionRef,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = billing.Status(status)
	sub.BillingCycle = billing.BillingCycle(cycle)
	sub.CurrentPeriod.Start = sub.CurrentPeriod.Start.UTC()
	sub.CurrentPeriod.End = sub.CurrentPeriod.End.UTC()
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.TrialEnd = utcPtr(sub.TrialEnd)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Storage) findSubscription(ctx context.Context, where string, arg string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` ORDER BY updated_at DESC LIMIT 1`, arg)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, notFound(err, billing.ErrSubscriptionNotFound)
	}
	return sub, nil
}

// FindByOrganization implements billing.SubscriptionStore
func (s *Storage) FindByOrganization(ctx context.Context, organizationID string) (*billing.Subscription, error) {
	sub, err := s.findSubscription(ctx, "organization_id = $1", organizationID)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, err
}

// FindByExternalSubscriptionRef implements billing.SubscriptionStore
func (s *Storage) FindByExternalSubscriptionRef(ctx context.Context, ref string) (*billing.Subscription, error) {
	if ref == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	sub, err := s.findSubscription(ctx, "external_subscription_ref = $1", ref)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to get subscription by external ref: %w", err)
	}
	return sub, err
}

// FindByCustomerRef implements billing.SubscriptionStore
func (s *Storage) FindByCustomerRef(ctx context.Context, customerRef string) (*billing.Subscription, error) {
	if customerRef == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	sub, err := s.findSubscription(ctx, "customer_ref = $1", customerRef)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to get subscription by customer ref: %w", err)
	}
	return sub, err
}

// Upsert implements billing.SubscriptionStore
func (s *Storage) Upsert(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.OrganizationID == "" || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (organization_id) DO UPDATE SET
				plan_id = EXCLUDED.plan_id,
				status = EXCLUDED.status,
				billing_cycle = EXCLUDED.billing_cycle,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				canceled_at = EXCLUDED.canceled_at,
				cancellation_reason = EXCLUDED.cancellation_reason,
				trial_end = EXCLUDED.trial_end,
				customer_ref = EXCLUDED.customer_ref,
				external_subscription_ref = EXCLUDED.external_subscription_ref,
				updated_at = EXCLUDED.updated_at
			RETURNING id, created_at`,
		sub.ID, sub.OrganizationID, sub.PlanID, string(sub.Status), string(sub.BillingCycle),
		sub.CurrentPeriod.Start, sub.CurrentPeriod.End, sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.CancellationReason, sub.TrialEnd, sub.CustomerRef, sub.ExternalSubscriptionRef,
		sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	return nil
}

// Save implements billing.SubscriptionStore
func (s *Storage) Save(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				plan_id = $2, status = $3, billing_cycle = $4, period_start = $5, period_end = $6,
				cancel_at_period_end = $7, canceled_at = $8, cancellation_reason = $9, trial_end = $10,
				customer_ref = $11, external_subscription_ref = $12, updated_at = $13
			WHERE id = $1`,
		sub.ID, sub.PlanID, string(sub.Status), string(sub.BillingCycle),
		sub.CurrentPeriod.Start, sub.CurrentPeriod.End, sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.CancellationReason, sub.TrialEnd, sub.CustomerRef, sub.ExternalSubscriptionRef, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

// ListDueForCancellation implements billing.SubscriptionStore
func (s *Storage) ListDueForCancellation(ctx context.Context, before time.Time) ([]*billing.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND cancel_at_period_end AND period_end <= $2
			ORDER BY period_end`,
		string(billing.StatusActive), before)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()

	var due []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		due = append(due, sub)
	}
	return due, rows.Err()
}
