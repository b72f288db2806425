package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

func TestCreate_FreePlanActivatesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Create(ctx, identity("org1"), "plan_free", "")
	require.NoError(t, err)
	require.NotNil(t, res.Subscription)
	assert.Empty(t, res.CheckoutURL)

	sub := res.Subscription
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, billing.CycleMonthly, sub.BillingCycle)
	assert.Equal(t, testNow, sub.CurrentPeriod.Start)
	assert.Equal(t, testNow.AddDate(0, 1, 0), sub.CurrentPeriod.End)
	assert.Empty(t, sub.ExternalSubscriptionRef)

	events := h.publisher.ofType(billing.EventSubscriptionCreated)
	require.Len(t, events, 1)
	assert.Equal(t, billing.TopicBillingEvents, events[0].Topic)
	payload := events[0].Data.(billing.SubscriptionCreatedPayload)
	assert.Equal(t, "org1", payload.OrganizationID)
	assert.Equal(t, "plan_free", payload.PlanID)
	assert.Equal(t, "Free", payload.PlanName)
	assert.Equal(t, billing.StatusActive, payload.Status)
	assert.Empty(t, h.processor.checkouts)
}

func TestCreate_FreePlanBySlug(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Create(context.Background(), identity("org1"), "free", billing.CycleYearly)
	require.NoError(t, err)
	assert.Equal(t, "plan_free", res.Subscription.PlanID)
	assert.Equal(t, testNow.AddDate(1, 0, 0), res.Subscription.CurrentPeriod.End)
}

func TestCreate_SameFreePlanIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Create(ctx, identity("org1"), "plan_free", billing.CycleMonthly)
	require.NoError(t, err)
	second, err := h.engine.Create(ctx, identity("org1"), "plan_free", billing.CycleMonthly)
	require.NoError(t, err)

	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
	assert.Len(t, h.publisher.ofType(billing.EventSubscriptionCreated), 1)
}

func TestCreate_PaidPlanReturnsCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Create(ctx, identity("org1"), "plan_pro", billing.CycleMonthly)
	require.NoError(t, err)
	assert.Nil(t, res.Subscription)
	assert.Equal(t, "https://checkout.test/cs_1", res.CheckoutURL)

	require.Len(t, h.processor.customers, 1)
	assert.Equal(t, "org1@example.com", h.processor.customers[0].Email)
	assert.Equal(t, "org1", h.processor.customers[0].Metadata["organizationId"])
	assert.Equal(t, "user-org1", h.processor.customers[0].Metadata["userId"])

	require.Len(t, h.processor.checkouts, 1)
	req := h.processor.checkouts[0]
	assert.Equal(t, "cus_1", req.CustomerRef)
	assert.Equal(t, "Pro (monthly)", req.Price.ProductName)
	assert.True(t, decimal.NewFromInt(29).Equal(req.Price.Amount))
	assert.Equal(t, "USD", req.Price.Currency)
	assert.Equal(t, billing.CycleMonthly, req.Price.Cycle)
	assert.Equal(t, "https://app.test/billing?success=true&session_id={CHECKOUT_SESSION_ID}", req.SuccessURL)
	assert.Equal(t, "https://app.test/billing?canceled=true", req.CancelURL)
	assert.Equal(t, map[string]string{
		"organizationId": "org1",
		"planId":         "plan_pro",
		"billingCycle":   "monthly",
	}, req.Metadata)

	sub, err := h.store.FindByOrganization(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusUnpaid, sub.Status)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Equal(t, "plan_pro", sub.PlanID)

	assert.Zero(t, h.publisher.count(), "paid create publishes nothing until checkout completes")
}

func TestCreate_PaidYearlyUsesYearlyPrice(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Create(context.Background(), identity("org1"), "plan_pro", billing.CycleYearly)
	require.NoError(t, err)
	require.Len(t, h.processor.checkouts, 1)
	assert.True(t, decimal.NewFromInt(290).Equal(h.processor.checkouts[0].Price.Amount))
	assert.Equal(t, "Pro (yearly)", h.processor.checkouts[0].Price.ProductName)
}

func TestCreate_ReusesExistingCustomer(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_free", Status: billing.StatusActive, CustomerRef: "cus_existing"})

	_, err := h.engine.Create(context.Background(), identity("org1"), "plan_pro", billing.CycleMonthly)
	require.NoError(t, err)
	assert.Empty(t, h.processor.customers)
	assert.Equal(t, "cus_existing", h.processor.checkouts[0].CustomerRef)
}

func TestCreate_CheckoutFailureKeepsUnpaidRecord(t *testing.T) {
	h := newHarness(t)
	h.processor.checkoutErr = &billing.ProcessorError{Op: "create_checkout_session", Err: errors.New("boom")}

	_, err := h.engine.Create(context.Background(), identity("org1"), "plan_pro", billing.CycleMonthly)
	require.Error(t, err)
	assert.Equal(t, billing.KindProcessor, kindOf(err))

	sub, err := h.store.FindByOrganization(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusUnpaid, sub.Status)
}

func TestCreate_Conflicts(t *testing.T) {
	tests := []struct {
		name     string
		existing *billing.Subscription
		planID   string
		wantKind billing.Kind
		wantErr  bool
	}{
		{
			name:     "active paid blocks create",
			existing: &billing.Subscription{PlanID: "plan_pro", Status: billing.StatusActive},
			planID:   "plan_enterprise",
			wantErr:  true,
			wantKind: billing.KindConflict,
		},
		{
			name:     "active paid scheduled to cancel still blocks",
			existing: &billing.Subscription{PlanID: "plan_pro", Status: billing.StatusActive, CancelAtPeriodEnd: true},
			planID:   "plan_free",
			wantErr:  true,
			wantKind: billing.KindConflict,
		},
		{
			name:     "active free may upgrade",
			existing: &billing.Subscription{PlanID: "plan_free", Status: billing.StatusActive},
			planID:   "plan_pro",
		},
		{
			name:     "canceled may create again",
			existing: &billing.Subscription{PlanID: "plan_pro", Status: billing.StatusCanceled},
			planID:   "plan_pro",
		},
		{
			name:     "unpaid may retry checkout",
			existing: &billing.Subscription{PlanID: "plan_pro", Status: billing.StatusUnpaid, CustomerRef: "cus_1"},
			planID:   "plan_pro",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.existing.OrganizationID = "org1"
			h.seed(t, tt.existing)

			_, err := h.engine.Create(context.Background(), identity("org1"), tt.planID, billing.CycleMonthly)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, kindOf(err))
			assert.Zero(t, h.publisher.count())
		})
	}
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name     string
		id       billing.Identity
		planID   string
		cycle    billing.BillingCycle
		wantKind billing.Kind
	}{
		{"missing organization", billing.Identity{UserID: "u1"}, "plan_free", "", billing.KindValidation},
		{"missing plan", identity("org1"), "", "", billing.KindValidation},
		{"unknown cycle", identity("org1"), "plan_free", "weekly", billing.KindValidation},
		{"unknown plan", identity("org1"), "plan_nope", "", billing.KindNotFound},
		{"inactive plan", identity("org1"), "plan_legacy", "", billing.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Create(context.Background(), tt.id, tt.planID, tt.cycle)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, kindOf(err))
			assert.Zero(t, h.publisher.count())
		})
	}
}

func TestCreate_PublishFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errors.New("broker down")

	_, err := h.engine.Create(context.Background(), identity("org1"), "plan_free", "")
	require.Error(t, err)
	assert.Equal(t, billing.KindInternal, kindOf(err))
}

func TestChangePlan_SamePlanRejected(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive})

	_, err := h.engine.ChangePlan(context.Background(), identity("org1"), "plan_pro")
	require.Error(t, err)
	assert.Equal(t, billing.KindValidation, kindOf(err))
}

func TestChangePlan_RequiresRecordAndPlan(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.ChangePlan(context.Background(), identity("org1"), "plan_pro")
	assert.Equal(t, billing.KindNotFound, kindOf(err))

	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_free", Status: billing.StatusActive})
	_, err = h.engine.ChangePlan(context.Background(), identity("org1"), "plan_nope")
	assert.Equal(t, billing.KindNotFound, kindOf(err))
}

func TestChangePlan_ToFreeCancelsExternalBestEffort(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{
		OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive,
		CustomerRef: "cus_1", ExternalSubscriptionRef: "sub_ext", CancelAtPeriodEnd: true,
	})
	h.processor.cancelErr = errors.New("processor unavailable")

	res, err := h.engine.ChangePlan(context.Background(), identity("org1"), "plan_free")
	require.NoError(t, err)

	assert.Equal(t, []string{"sub_ext"}, h.processor.canceled)
	sub := res.Subscription
	assert.Equal(t, "plan_free", sub.PlanID)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Empty(t, sub.ExternalSubscriptionRef)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Zero(t, h.publisher.count())
}

func TestChangePlan_PaidWithoutExternalUsesCheckout(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_free", Status: billing.StatusActive, BillingCycle: billing.CycleYearly})

	res, err := h.engine.ChangePlan(context.Background(), identity("org1"), "plan_pro")
	require.NoError(t, err)
	assert.NotEmpty(t, res.CheckoutURL)

	require.Len(t, h.processor.checkouts, 1)
	req := h.processor.checkouts[0]
	assert.Equal(t, "plan_pro", req.Metadata["planId"])
	assert.Equal(t, "yearly", req.Metadata["billingCycle"])
	assert.True(t, decimal.NewFromInt(290).Equal(req.Price.Amount))

	sub, err := h.store.FindByOrganization(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, "plan_free", sub.PlanID, "plan changes only when checkout completes")
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Zero(t, h.publisher.count())
}

func TestChangePlan_PaidWithExternalProrates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{
		OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive,
		CustomerRef: "cus_1", ExternalSubscriptionRef: "sub_ext",
	})
	start, end := testNow.Unix(), testNow.AddDate(0, 1, 0).Unix()
	h.processor.subscriptions["sub_ext"] = &billing.ProcessorSubscription{
		ID: "sub_ext", CustomerRef: "cus_1", Status: "active",
		CurrentPeriodStart: start, CurrentPeriodEnd: end,
		Items: []billing.ProcessorItem{{ID: "si_1", PriceRef: "price_pro_m", UnitAmount: 2900, Interval: "month"}},
	}

	res, err := h.engine.ChangePlan(context.Background(), identity("org1"), "enterprise")
	require.NoError(t, err)

	require.Len(t, h.processor.updates, 1)
	upd := h.processor.updates[0]
	assert.Equal(t, "sub_ext", upd.SubscriptionRef)
	assert.Equal(t, "si_1", upd.ItemID)
	assert.Equal(t, "price_ent_m", upd.PriceRef)
	assert.Equal(t, billing.ProrationCreate, upd.Proration)
	assert.Equal(t, "plan_enterprise", upd.Metadata["planId"])

	sub := res.Subscription
	assert.Equal(t, "plan_enterprise", sub.PlanID)
	assert.Equal(t, start, sub.CurrentPeriod.Start.Unix())
	assert.Equal(t, end, sub.CurrentPeriod.End.Unix())

	events := h.publisher.ofType(billing.EventSubscriptionUpgraded)
	require.Len(t, events, 1)
	payload := events[0].Data.(billing.SubscriptionUpgradedPayload)
	assert.Equal(t, billing.PlanRef{ID: "plan_pro", Name: "Pro"}, payload.OldPlan)
	assert.Equal(t, billing.PlanRef{ID: "plan_enterprise", Name: "Enterprise"}, payload.NewPlan)
}

func TestChangePlan_MissingPriceRef(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{
		OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive, BillingCycle: billing.CycleYearly,
		CustomerRef: "cus_1", ExternalSubscriptionRef: "sub_ext",
	})

	_, err := h.engine.ChangePlan(context.Background(), identity("org1"), "plan_enterprise")
	require.Error(t, err)
	assert.Equal(t, billing.CodeNoPrice, billing.Classify(err).Code)
	assert.Empty(t, h.processor.updates)
}

func TestChangePlan_ExternalWithoutItems(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{
		OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive,
		CustomerRef: "cus_1", ExternalSubscriptionRef: "sub_ext",
	})
	h.processor.subscriptions["sub_ext"] = &billing.ProcessorSubscription{ID: "sub_ext", Status: "active"}

	_, err := h.engine.ChangePlan(context.Background(), identity("org1"), "plan_enterprise")
	require.Error(t, err)
	assert.Equal(t, billing.KindProcessor, kindOf(err))
}

func TestCancel_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive})
	ctx := context.Background()

	first, err := h.engine.Cancel(ctx, identity("org1"), "too expensive")
	require.NoError(t, err)
	assert.True(t, first.CancelAtPeriodEnd)
	require.NotNil(t, first.CanceledAt)
	assert.Equal(t, testNow, *first.CanceledAt)

	h.clock.Set(testNow.AddDate(0, 0, 1))
	second, err := h.engine.Cancel(ctx, identity("org1"), "")
	require.NoError(t, err)
	assert.Equal(t, testNow, *second.CanceledAt, "first cancellation time is kept")
	assert.Equal(t, "too expensive", second.CancellationReason)
	assert.Equal(t, billing.StatusActive, second.Status, "access continues until period end")

	events := h.publisher.ofType(billing.EventSubscriptionCanceled)
	require.Len(t, events, 2)
	p1 := events[0].Data.(billing.SubscriptionCanceledPayload)
	p2 := events[1].Data.(billing.SubscriptionCanceledPayload)
	assert.Equal(t, p1.CancelAt, p2.CancelAt)
	assert.Equal(t, first.CurrentPeriod.End, p1.CancelAt)
	assert.Empty(t, h.processor.canceled, "cancel never calls the processor")
}

func TestCancel_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Cancel(context.Background(), identity("org1"), "")
	assert.Equal(t, billing.KindNotFound, kindOf(err))
}

func TestSync_AdoptsLatestProcessorSubscription(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_free", Status: billing.StatusUnpaid, CustomerRef: "cus_1"})

	start, end := testNow.Unix(), testNow.AddDate(1, 0, 0).Unix()
	h.processor.subscriptions["sub_old"] = &billing.ProcessorSubscription{
		ID: "sub_old", CustomerRef: "cus_1", Status: "canceled", Created: 100,
		Metadata: map[string]string{"planId": "plan_enterprise"},
	}
	h.processor.subscriptions["sub_new"] = &billing.ProcessorSubscription{
		ID: "sub_new", CustomerRef: "cus_1", Status: "trialing", Created: 200,
		CurrentPeriodStart: start, CurrentPeriodEnd: end,
		Items: []billing.ProcessorItem{{ID: "si_1", UnitAmount: 29000, Interval: "year"}},
	}

	sub, err := h.engine.Sync(context.Background(), identity("org1"))
	require.NoError(t, err)
	assert.Equal(t, "sub_new", sub.ExternalSubscriptionRef)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, "plan_pro", sub.PlanID, "yearly price 290.00 matches pro")
	assert.Equal(t, billing.CycleYearly, sub.BillingCycle)
	assert.Equal(t, end, sub.CurrentPeriod.End.Unix())
	assert.Zero(t, h.publisher.count(), "sync publishes nothing")
}

func TestSync_MetadataPlanWins(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_free", Status: billing.StatusActive, CustomerRef: "cus_1"})
	h.processor.subscriptions["sub_1"] = &billing.ProcessorSubscription{
		ID: "sub_1", CustomerRef: "cus_1", Status: "past_due", Created: 1,
		Metadata: map[string]string{"planId": "plan_enterprise"},
		Items:    []billing.ProcessorItem{{ID: "si_1", UnitAmount: 2900, Interval: "month"}},
	}

	sub, err := h.engine.Sync(context.Background(), identity("org1"))
	require.NoError(t, err)
	assert.Equal(t, "plan_enterprise", sub.PlanID)
	assert.Equal(t, billing.StatusUnpaid, sub.Status, "sync reduces non-active statuses to unpaid")
}

func TestSync_KeepsLocalCancellationForSameSubscription(t *testing.T) {
	tests := []struct {
		name       string
		externalID string
		want       bool
	}{
		{name: "same processor subscription", externalID: "sub_1", want: true},
		{name: "replaced processor subscription", externalID: "sub_2", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, &billing.Subscription{
				OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive,
				CustomerRef: "cus_1", ExternalSubscriptionRef: "sub_1", CancelAtPeriodEnd: true,
			})
			h.processor.subscriptions[tt.externalID] = &billing.ProcessorSubscription{
				ID: tt.externalID, CustomerRef: "cus_1", Status: "active", Created: 1,
				Metadata: map[string]string{"planId": "plan_pro"},
			}

			sub, err := h.engine.Sync(context.Background(), identity("org1"))
			require.NoError(t, err)
			assert.Equal(t, tt.externalID, sub.ExternalSubscriptionRef)
			assert.Equal(t, tt.want, sub.CancelAtPeriodEnd)
		})
	}
}

func TestSync_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Sync(context.Background(), identity("org1"))
	assert.Equal(t, billing.KindNotFound, kindOf(err))

	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_free", Status: billing.StatusActive})
	_, err = h.engine.Sync(context.Background(), identity("org1"))
	assert.Equal(t, billing.CodeNoExternalSubscription, billing.Classify(err).Code)

	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_free", Status: billing.StatusActive, CustomerRef: "cus_9"})
	_, err = h.engine.Sync(context.Background(), identity("org1"))
	assert.Equal(t, billing.CodeNoExternalSubscription, billing.Classify(err).Code)
}

func TestUsage_ReportsPlanLimits(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive})

	report, err := h.engine.Usage(context.Background(), identity("org1"))
	require.NoError(t, err)
	assert.Equal(t, "plan_pro", report.PlanID)
	assert.Equal(t, billing.ResourceUsage{Used: 0, Limit: 10}, report.Usage["users"])
	assert.Equal(t, billing.Unlimited, report.Usage["projects"].Limit)
	assert.Equal(t, "MB", report.Usage["storage"].Unit)
	assert.Equal(t, 10240, report.Usage["storage"].Limit)
}

func TestGet_IncludesPlan(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive})

	view, err := h.engine.Get(context.Background(), identity("org1"))
	require.NoError(t, err)
	require.NotNil(t, view.Plan)
	assert.Equal(t, "Pro", view.Plan.Name)

	_, err = h.engine.Get(context.Background(), identity("org2"))
	assert.Equal(t, billing.KindNotFound, kindOf(err))
}

func TestEngine_SerializesMutationsPerOrganization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*workers)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.engine.Create(ctx, identity("org1"), "plan_pro", billing.CycleMonthly)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := h.engine.ChangePlan(ctx, identity("org1"), "plan_enterprise")
			if err != nil && kindOf(err) == billing.KindNotFound {
				err = nil
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	h.processor.mu.Lock()
	customers := len(h.processor.customers)
	h.processor.mu.Unlock()
	assert.Equal(t, 1, customers, "one processor customer per organization")

	sub, err := h.store.FindByOrganization(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Equal(t, "plan_pro", sub.PlanID)
	assert.Equal(t, billing.StatusUnpaid, sub.Status)

	other, err := h.engine.Create(ctx, identity("org2"), "plan_pro", billing.CycleMonthly)
	require.NoError(t, err)
	assert.NotEmpty(t, other.CheckoutURL)
	assert.Len(t, h.processor.customers, 2)
}
