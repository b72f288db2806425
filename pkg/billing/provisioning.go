package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// HandleUserEvent applies an event consumed from the user topic. Only
// org.created is acted on; malformed payloads are logged and dropped so the
// consumer keeps moving.
func (e *Engine) HandleUserEvent(ctx context.Context, eventType string, data []byte) error {
	if eventType != EventOrgCreated {
		return nil
	}
	var payload OrgCreatedPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.OrganizationID == "" {
		e.logger.Warn("dropping malformed org.created event", F("data", string(data)))
		return nil
	}
	_, err := e.ProvisionFreePlan(ctx, payload.OrganizationID)
	return err
}

// ProvisionFreePlan gives a new organization the free plan. An organization
// that already has a record is left untouched and its record returned.
func (e *Engine) ProvisionFreePlan(ctx context.Context, organizationID string) (sub *Subscription, err error) {
	start := time.Now()
	defer func() { e.observe(opProvision, start, err) }()

	if organizationID == "" {
		return nil, ValidationError("organizationId is required")
	}
	plan, err := e.freePlan(ctx)
	if err != nil {
		return nil, err
	}

	err = e.withOrgLock(ctx, organizationID, func(ctx context.Context) error {
		existing, err := e.findExisting(ctx, organizationID)
		if err != nil {
			return err
		}
		if existing != nil {
			e.logger.Debug("organization already has a subscription", F("organization_id", organizationID))
			sub = existing
			return nil
		}
		sub, err = e.activateFree(ctx, organizationID, nil, plan, CycleMonthly)
		return err
	})
	return sub, err
}

// freePlan returns the plan with slug "free", or the first active free plan.
func (e *Engine) freePlan(ctx context.Context) (*Plan, error) {
	plan, err := e.catalog.GetBySlug(ctx, "free")
	if err == nil && plan.IsActive {
		return plan, nil
	}
	if err != nil && !errors.Is(err, ErrPlanNotFound) {
		return nil, err
	}
	plans, err := e.catalog.List(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		if p.IsFree() {
			return p, nil
		}
	}
	return nil, NotFoundError(ErrPlanNotFound, "no free plan configured")
}
