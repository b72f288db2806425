package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTimeout = 15 * time.Second

	opCreate     = "create"
	opChangePlan = "change_plan"
	opCancel     = "cancel"
	opSync       = "sync"
	opProvision  = "provision"
	opSweep      = "sweep"
	opWebhook    = "webhook"
)

// Config holds the dependencies of an Engine. Everything is constructed once at
// process start and passed in; the engine keeps no package-level state.
type Config struct {
	Subscriptions  SubscriptionStore
	Catalog        *Catalog
	Invoices       InvoiceStore
	PaymentMethods PaymentMethodStore

	// Processor should already be wrapped by GuardProcessor.
	Processor Processor
	Publisher Publisher

	// Locker serializes mutations per organization (default: in-process KeyedMutex).
	Locker Locker
	// Dedup drops redelivered processor webhooks (default: in-memory LRU).
	Dedup Dedup
	// Usage reports resource consumption (default: zero usage).
	Usage UsageReporter

	Logger  Logger
	Metrics Metrics
	Clock   TimeSource

	// AppURL is the base URL checkout redirects return to.
	AppURL string

	// LockTimeout bounds the wait for the per-organization lock.
	LockTimeout time.Duration
}

// Engine is the single authority that mutates subscription records and decides
// which processor calls and domain events a trigger requires.
type Engine struct {
	subs        SubscriptionStore
	catalog     *Catalog
	invoices    InvoiceStore
	methods     PaymentMethodStore
	processor   Processor
	publisher   Publisher
	locker      Locker
	dedup       Dedup
	usage       UsageReporter
	logger      Logger
	metrics     Metrics
	clock       TimeSource
	appURL      string
	lockTimeout time.Duration
}

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Subscriptions == nil:
		return nil, fmt.Errorf("subscription store is required")
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("plan catalog is required")
	case cfg.Invoices == nil:
		return nil, fmt.Errorf("invoice store is required")
	case cfg.PaymentMethods == nil:
		return nil, fmt.Errorf("payment method store is required")
	case cfg.Processor == nil:
		return nil, ErrProviderNotConfigured
	case cfg.Publisher == nil:
		return nil, fmt.Errorf("event publisher is required")
	}

	e := &Engine{
		subs:        cfg.Subscriptions,
		catalog:     cfg.Catalog,
		invoices:    cfg.Invoices,
		methods:     cfg.PaymentMethods,
		processor:   cfg.Processor,
		publisher:   cfg.Publisher,
		locker:      cfg.Locker,
		dedup:       cfg.Dedup,
		usage:       cfg.Usage,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		appURL:      strings.TrimRight(cfg.AppURL, "/"),
		lockTimeout: cfg.LockTimeout,
	}
	if e.locker == nil {
		e.locker = NewKeyedMutex()
	}
	if e.dedup == nil {
		e.dedup = NewMemoryDedup(0, 24*time.Hour)
	}
	if e.usage == nil {
		e.usage = noUsage{}
	}
	if e.logger == nil {
		e.logger = &NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = &NoopMetrics{}
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = defaultLockTimeout
	}
	return e, nil
}

// Get returns the organization's subscription together with its plan.
func (e *Engine) Get(ctx context.Context, id Identity) (*SubscriptionView, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	sub, err := e.subs.FindByOrganization(ctx, id.OrganizationID)
	if err != nil {
		return nil, err
	}
	view := &SubscriptionView{Subscription: sub}
	plan, err := e.catalog.Get(ctx, sub.PlanID)
	switch {
	case err == nil:
		view.Plan = plan
	case !errors.Is(err, ErrPlanNotFound):
		return nil, err
	}
	return view, nil
}

// Create starts a subscription for the caller's organization. Free plans are
// activated immediately; paid plans return a checkout URL and activate later
// through the checkout webhook.
func (e *Engine) Create(ctx context.Context, id Identity, planID string, cycle BillingCycle) (res *CreateResult, err error) {
	start := time.Now()
	defer func() { e.observe(opCreate, start, err) }()

	if err := id.validate(); err != nil {
		return nil, err
	}
	if planID == "" {
		return nil, ValidationError("planId is required")
	}
	if cycle == "" {
		cycle = CycleMonthly
	}
	if !cycle.Valid() {
		return nil, ValidationError("billingCycle must be %q or %q", CycleMonthly, CycleYearly)
	}
	plan, err := e.activePlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	err = e.withOrgLock(ctx, id.OrganizationID, func(ctx context.Context) error {
		existing, err := e.findExisting(ctx, id.OrganizationID)
		if err != nil {
			return err
		}
		if err := e.checkNoActivePaid(ctx, existing); err != nil {
			return err
		}

		if plan.IsFree() {
			sub, err := e.activateFree(ctx, id.OrganizationID, existing, plan, cycle)
			if err != nil {
				return err
			}
			res = &CreateResult{Subscription: sub}
			return nil
		}

		url, err := e.startCheckout(ctx, id, existing, plan, cycle)
		if err != nil {
			return err
		}
		res = &CreateResult{CheckoutURL: url}
		return nil
	})
	return res, err
}

// ChangePlan moves an existing subscription to another plan.
//
// A free target cancels any processor subscription best-effort and activates
// locally. A paid target without a processor subscription goes through
// checkout. A paid target with one is updated in place with proration and
// publishes subscription.upgraded.
func (e *Engine) ChangePlan(ctx context.Context, id Identity, newPlanID string) (res *CreateResult, err error) {
	start := time.Now()
	defer func() { e.observe(opChangePlan, start, err) }()

	if err := id.validate(); err != nil {
		return nil, err
	}
	if newPlanID == "" {
		return nil, ValidationError("planId is required")
	}
	newPlan, err := e.activePlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}

	err = e.withOrgLock(ctx, id.OrganizationID, func(ctx context.Context) error {
		sub, err := e.subs.FindByOrganization(ctx, id.OrganizationID)
		if err != nil {
			return err
		}
		if sub.PlanID == newPlan.ID {
			return ValidationError("subscription is already on plan %s", newPlan.ID)
		}

		switch {
		case newPlan.IsFree():
			updated, err := e.downgradeToFree(ctx, sub, newPlan)
			if err != nil {
				return err
			}
			res = &CreateResult{Subscription: updated}
			return nil

		case sub.ExternalSubscriptionRef == "":
			url, err := e.checkoutForChange(ctx, id, sub, newPlan)
			if err != nil {
				return err
			}
			res = &CreateResult{CheckoutURL: url}
			return nil

		default:
			updated, err := e.swapProcessorPlan(ctx, sub, newPlan)
			if err != nil {
				return err
			}
			res = &CreateResult{Subscription: updated}
			return nil
		}
	})
	return res, err
}

// Cancel schedules the subscription to end at the current period end. It is
// idempotent and does not contact the processor.
func (e *Engine) Cancel(ctx context.Context, id Identity, reason string) (sub *Subscription, err error) {
	start := time.Now()
	defer func() { e.observe(opCancel, start, err) }()

	if err := id.validate(); err != nil {
		return nil, err
	}

	err = e.withOrgLock(ctx, id.OrganizationID, func(ctx context.Context) error {
		sub, err = e.subs.FindByOrganization(ctx, id.OrganizationID)
		if err != nil {
			return err
		}

		sub.CancelAtPeriodEnd = true
		if sub.CanceledAt == nil {
			now := e.clock.Now()
			sub.CanceledAt = &now
		}
		if reason = strings.TrimSpace(reason); reason != "" {
			sub.CancellationReason = reason
		}
		sub.UpdatedAt = e.clock.Now()
		if err := e.subs.Save(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		e.logger.Info("subscription scheduled for cancellation",
			F("organization_id", sub.OrganizationID),
			F("cancel_at", sub.CurrentPeriod.End))

		return e.publish(ctx, EventSubscriptionCanceled, SubscriptionCanceledPayload{
			SubscriptionID: sub.ID,
			OrganizationID: sub.OrganizationID,
			CancelAt:       sub.CurrentPeriod.End,
			Reason:         sub.CancellationReason,
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Sync repairs the local record from the processor's latest subscription for
// the stored customer. It never publishes an event.
func (e *Engine) Sync(ctx context.Context, id Identity) (sub *Subscription, err error) {
	start := time.Now()
	defer func() { e.observe(opSync, start, err) }()

	if err := id.validate(); err != nil {
		return nil, err
	}

	err = e.withOrgLock(ctx, id.OrganizationID, func(ctx context.Context) error {
		sub, err = e.subs.FindByOrganization(ctx, id.OrganizationID)
		if err != nil {
			return err
		}
		if sub.CustomerRef == "" {
			return noExternalSubscription("subscription has no processor customer")
		}

		external, err := e.processor.ListSubscriptions(ctx, sub.CustomerRef)
		if err != nil {
			return err
		}
		latest := latestSubscription(external)
		if latest == nil {
			return noExternalSubscription("no processor subscription found for customer")
		}

		plan, cycle, err := e.resolvePlan(ctx, latest)
		if err != nil {
			return err
		}
		if plan != nil {
			sub.PlanID = plan.ID
		}
		if cycle != "" {
			sub.BillingCycle = cycle
		}

		previous := sub.Status
		keepSchedule := sub.CancelAtPeriodEnd && sub.ExternalSubscriptionRef == latest.ID
		sub.Status = SyncStatus(latest.Status)
		sub.ExternalSubscriptionRef = latest.ID
		sub.CancelAtPeriodEnd = keepSchedule || latest.CancelAtPeriodEnd
		sub.CurrentPeriod = periodFromUnix(latest.CurrentPeriodStart, latest.CurrentPeriodEnd, sub.BillingCycle, e.clock.Now())
		sub.UpdatedAt = e.clock.Now()

		if err := e.subs.Save(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		e.recordStatusChange(previous, sub.Status)
		e.logger.Info("subscription synced from processor",
			F("organization_id", sub.OrganizationID),
			F("external_subscription", latest.ID),
			F("status", sub.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Usage reports current-period consumption against the plan's limits.
func (e *Engine) Usage(ctx context.Context, id Identity) (*UsageReport, error) {
	view, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	used, err := e.usage.CurrentUsage(ctx, id.OrganizationID, view.CurrentPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	var limits Limits
	if view.Plan != nil {
		limits = view.Plan.Limits
	}
	return &UsageReport{
		Period: view.CurrentPeriod,
		PlanID: view.PlanID,
		Usage: map[string]ResourceUsage{
			"users":    {Used: used["users"], Limit: limits.Users},
			"projects": {Used: used["projects"], Limit: limits.Projects},
			"storage":  {Used: used["storage"], Limit: limits.StorageMB, Unit: "MB"},
			"apiCalls": {Used: used["apiCalls"], Limit: limits.APICalls},
		},
	}, nil
}

func (e *Engine) activePlan(ctx context.Context, idOrSlug string) (*Plan, error) {
	plan, err := e.catalog.Resolve(ctx, idOrSlug)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return nil, NotFoundError(err, "plan %s not found", idOrSlug)
		}
		return nil, err
	}
	if !plan.IsActive {
		return nil, NotFoundError(ErrPlanNotFound, "plan %s is not available", idOrSlug)
	}
	return plan, nil
}

func (e *Engine) findExisting(ctx context.Context, organizationID string) (*Subscription, error) {
	sub, err := e.subs.FindByOrganization(ctx, organizationID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	return sub, err
}

// checkNoActivePaid rejects a create while the organization is active on a paid plan.
func (e *Engine) checkNoActivePaid(ctx context.Context, existing *Subscription) error {
	if existing == nil || existing.Status != StatusActive {
		return nil
	}
	current, err := e.catalog.Get(ctx, existing.PlanID)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return nil
		}
		return err
	}
	if !current.IsFree() {
		return ConflictError("organization already has an active paid subscription")
	}
	return nil
}

// activateFree writes an active free-plan record and publishes subscription.created.
// An identical active record is left untouched.
func (e *Engine) activateFree(ctx context.Context, organizationID string, existing *Subscription, plan *Plan, cycle BillingCycle) (*Subscription, error) {
	if existing != nil && existing.Status == StatusActive && existing.PlanID == plan.ID &&
		existing.BillingCycle == cycle && !existing.CancelAtPeriodEnd {
		return existing, nil
	}

	now := e.clock.Now()
	sub := existing.Clone()
	previous := Status("")
	if sub == nil {
		sub = &Subscription{ID: uuid.NewString(), OrganizationID: organizationID, CreatedAt: now}
	} else {
		previous = sub.Status
		if sub.ExternalSubscriptionRef != "" {
			e.cancelExternalBestEffort(ctx, sub)
		}
	}
	sub.PlanID = plan.ID
	sub.Status = StatusActive
	sub.BillingCycle = cycle
	sub.CurrentPeriod = NextPeriod(now, cycle)
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	sub.CancellationReason = ""
	sub.ExternalSubscriptionRef = ""
	sub.UpdatedAt = now

	if err := e.subs.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	e.recordStatusChange(previous, sub.Status)
	e.logger.Info("free subscription activated",
		F("organization_id", organizationID), F("plan_id", plan.ID))

	err := e.publish(ctx, EventSubscriptionCreated, SubscriptionCreatedPayload{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		PlanID:         plan.ID,
		PlanName:       plan.Name,
		Status:         sub.Status,
		BillingCycle:   sub.BillingCycle,
	})
	return sub, err
}

// startCheckout resolves the customer, records the pending unpaid subscription
// and opens a checkout session. The unpaid upsert is kept if checkout fails.
func (e *Engine) startCheckout(ctx context.Context, id Identity, existing *Subscription, plan *Plan, cycle BillingCycle) (string, error) {
	customerRef, err := e.ensureCustomer(ctx, id, existing)
	if err != nil {
		return "", err
	}

	now := e.clock.Now()
	sub := existing.Clone()
	previous := Status("")
	if sub == nil {
		sub = &Subscription{ID: uuid.NewString(), OrganizationID: id.OrganizationID, CreatedAt: now}
	} else {
		previous = sub.Status
	}
	sub.PlanID = plan.ID
	sub.Status = StatusUnpaid
	sub.BillingCycle = cycle
	sub.CustomerRef = customerRef
	if sub.CurrentPeriod.Start.IsZero() {
		sub.CurrentPeriod = NextPeriod(now, cycle)
	}
	sub.UpdatedAt = now
	if err := e.subs.Upsert(ctx, sub); err != nil {
		return "", fmt.Errorf("failed to upsert subscription: %w", err)
	}
	e.recordStatusChange(previous, sub.Status)

	return e.processor.CreateCheckoutSession(ctx, e.checkoutRequest(id.OrganizationID, customerRef, plan, cycle))
}

// checkoutForChange opens a checkout for a plan change without touching the
// plan or status; activation arrives through the checkout webhook.
func (e *Engine) checkoutForChange(ctx context.Context, id Identity, sub *Subscription, plan *Plan) (string, error) {
	customerRef, err := e.ensureCustomer(ctx, id, sub)
	if err != nil {
		return "", err
	}
	if sub.CustomerRef != customerRef {
		sub.CustomerRef = customerRef
		sub.UpdatedAt = e.clock.Now()
		if err := e.subs.Save(ctx, sub); err != nil {
			return "", fmt.Errorf("failed to save subscription: %w", err)
		}
	}
	cycle := sub.BillingCycle
	if !cycle.Valid() {
		cycle = CycleMonthly
	}
	return e.processor.CreateCheckoutSession(ctx, e.checkoutRequest(id.OrganizationID, customerRef, plan, cycle))
}

func (e *Engine) ensureCustomer(ctx context.Context, id Identity, existing *Subscription) (string, error) {
	if existing != nil && existing.CustomerRef != "" {
		return existing.CustomerRef, nil
	}
	metadata := map[string]string{"organizationId": id.OrganizationID}
	if id.UserID != "" {
		metadata["userId"] = id.UserID
	}
	ref, err := e.processor.CreateCustomer(ctx, CustomerRequest{Email: id.Email, Metadata: metadata})
	if err != nil {
		return "", err
	}
	e.logger.Info("processor customer created",
		F("organization_id", id.OrganizationID), F("customer", ref))
	return ref, nil
}

func (e *Engine) checkoutRequest(organizationID, customerRef string, plan *Plan, cycle BillingCycle) CheckoutRequest {
	metadata := map[string]string{
		"organizationId": organizationID,
		"planId":         plan.ID,
		"billingCycle":   string(cycle),
	}
	return CheckoutRequest{
		CustomerRef: customerRef,
		Price: PriceSpec{
			ProductName: fmt.Sprintf("%s (%s)", plan.Name, cycle),
			Amount:      plan.Pricing.For(cycle),
			Currency:    plan.Pricing.Currency,
			Cycle:       cycle,
		},
		SuccessURL: e.appURL + "/billing?success=true&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  e.appURL + "/billing?canceled=true",
		Metadata:   metadata,
	}
}

func (e *Engine) downgradeToFree(ctx context.Context, sub *Subscription, plan *Plan) (*Subscription, error) {
	now := e.clock.Now()
	previous := sub.Status
	if sub.ExternalSubscriptionRef != "" {
		e.cancelExternalBestEffort(ctx, sub)
		sub.CurrentPeriod = NextPeriod(now, sub.BillingCycle)
	} else if !sub.CurrentPeriod.End.After(now) {
		sub.CurrentPeriod = NextPeriod(now, sub.BillingCycle)
	}
	if !sub.BillingCycle.Valid() {
		sub.BillingCycle = CycleMonthly
	}
	sub.PlanID = plan.ID
	sub.Status = StatusActive
	sub.ExternalSubscriptionRef = ""
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	sub.CancellationReason = ""
	sub.UpdatedAt = now
	if err := e.subs.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	e.recordStatusChange(previous, sub.Status)
	e.logger.Info("subscription downgraded to free plan",
		F("organization_id", sub.OrganizationID), F("plan_id", plan.ID))
	return sub, nil
}

func (e *Engine) swapProcessorPlan(ctx context.Context, sub *Subscription, newPlan *Plan) (*Subscription, error) {
	cycle := sub.BillingCycle
	if !cycle.Valid() {
		cycle = CycleMonthly
	}
	priceRef := newPlan.ProcessorPriceRefs.For(cycle)
	if priceRef == "" {
		return nil, &Error{Kind: KindValidation, Code: CodeNoPrice,
			Message: fmt.Sprintf("plan %s has no processor price for %s billing", newPlan.ID, cycle)}
	}

	external, err := e.processor.RetrieveSubscription(ctx, sub.ExternalSubscriptionRef)
	if err != nil {
		return nil, err
	}
	if len(external.Items) == 0 {
		return nil, &ProcessorError{Op: "update_subscription_item",
			Err: fmt.Errorf("subscription %s has no items", external.ID)}
	}

	updated, err := e.processor.UpdateSubscriptionItem(ctx, ItemUpdate{
		SubscriptionRef: external.ID,
		ItemID:          external.Items[0].ID,
		PriceRef:        priceRef,
		Proration:       ProrationCreate,
		Metadata:        map[string]string{"planId": newPlan.ID},
	})
	if err != nil {
		return nil, err
	}

	oldPlan := PlanRef{ID: sub.PlanID}
	if p, err := e.catalog.Get(ctx, sub.PlanID); err == nil {
		oldPlan.Name = p.Name
	}

	now := e.clock.Now()
	previous := sub.Status
	sub.PlanID = newPlan.ID
	sub.CurrentPeriod = periodFromUnix(updated.CurrentPeriodStart, updated.CurrentPeriodEnd, cycle, now)
	if status, ok := MapProcessorStatus(updated.Status); ok {
		sub.Status = status
	}
	sub.UpdatedAt = now
	if err := e.subs.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	e.recordStatusChange(previous, sub.Status)

	err = e.publish(ctx, EventSubscriptionUpgraded, SubscriptionUpgradedPayload{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		OldPlan:        oldPlan,
		NewPlan:        PlanRef{ID: newPlan.ID, Name: newPlan.Name},
	})
	return sub, err
}

// cancelExternalBestEffort cancels the processor subscription as a secondary
// effect; failures are logged and swallowed.
func (e *Engine) cancelExternalBestEffort(ctx context.Context, sub *Subscription) {
	if err := e.processor.CancelSubscription(ctx, sub.ExternalSubscriptionRef); err != nil {
		e.logger.Warn("could not cancel processor subscription",
			F("organization_id", sub.OrganizationID),
			F("external_subscription", sub.ExternalSubscriptionRef),
			Err(err))
	}
}

// resolvePlan finds the plan of a processor subscription: explicit planId
// metadata first, then the item price against monthly and yearly catalog prices.
func (e *Engine) resolvePlan(ctx context.Context, ext *ProcessorSubscription) (*Plan, BillingCycle, error) {
	cycle := cycleFromMetadata(ext)
	if planID := ext.Metadata["planId"]; planID != "" {
		plan, err := e.catalog.Get(ctx, planID)
		switch {
		case err == nil:
			return plan, cycle, nil
		case !errors.Is(err, ErrPlanNotFound):
			return nil, "", err
		}
		e.logger.Warn("processor subscription references unknown plan",
			F("external_subscription", ext.ID), F("plan_id", planID))
	}
	if len(ext.Items) == 0 {
		return nil, cycle, nil
	}
	plan, matched, ok, err := e.catalog.MatchPrice(ctx, ext.Items[0].UnitAmount)
	if err != nil || !ok {
		return nil, cycle, err
	}
	return plan, matched, nil
}

func cycleFromMetadata(ext *ProcessorSubscription) BillingCycle {
	if c := BillingCycle(ext.Metadata["billingCycle"]); c.Valid() {
		return c
	}
	if len(ext.Items) > 0 {
		switch ext.Items[0].Interval {
		case "month":
			return CycleMonthly
		case "year":
			return CycleYearly
		}
	}
	return ""
}

func latestSubscription(subs []*ProcessorSubscription) *ProcessorSubscription {
	var latest *ProcessorSubscription
	for _, s := range subs {
		if latest == nil || s.Created > latest.Created {
			latest = s
		}
	}
	return latest
}

func noExternalSubscription(msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeNoExternalSubscription, Message: msg}
}

func (e *Engine) withOrgLock(ctx context.Context, organizationID string, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	release, err := e.locker.Lock(lockCtx, "org:"+organizationID)
	if err != nil {
		return fmt.Errorf("failed to lock organization %s: %w", organizationID, err)
	}
	defer release()
	return fn(ctx)
}

// publish hands an event to the publisher. A best-effort publisher never
// returns an error; an at-least-once publisher's failure is surfaced so the
// trigger can be retried.
func (e *Engine) publish(ctx context.Context, eventType string, data interface{}) error {
	err := e.publisher.Publish(ctx, TopicBillingEvents, eventType, data, CorrelationIDFromContext(ctx))
	if err != nil {
		e.metrics.RecordEventPublished(eventType, "error")
		e.logger.Error("failed to publish event", F("event_type", eventType), Err(err))
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	e.metrics.RecordEventPublished(eventType, "success")
	return nil
}

func (e *Engine) recordStatusChange(from, to Status) {
	if from != to {
		e.metrics.RecordStatusChange(from, to)
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = Classify(err).Code
	}
	e.metrics.RecordOperation(op, status)
	e.metrics.RecordOperationDuration(op, time.Since(start))
}
