package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

func TestHandleUserEvent_ProvisionsFreePlan(t *testing.T) {
	h := newHarness(t)
	ctx := billing.WithCorrelationID(context.Background(), "corr-1")

	err := h.engine.HandleUserEvent(ctx, billing.EventOrgCreated, []byte(`{"organizationId":"org1","name":"Acme","ownerId":"u1"}`))
	require.NoError(t, err)

	sub, err := h.store.FindByOrganization(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, "plan_free", sub.PlanID)
	assert.Equal(t, billing.StatusActive, sub.Status)

	events := h.publisher.ofType(billing.EventSubscriptionCreated)
	require.Len(t, events, 1)
	assert.Equal(t, "corr-1", events[0].CorrelationID)
}

func TestHandleUserEvent_ExistingRecordUntouched(t *testing.T) {
	h := newHarness(t)
	h.seed(t, &billing.Subscription{OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusActive})

	require.NoError(t, h.engine.HandleUserEvent(context.Background(), billing.EventOrgCreated, []byte(`{"organizationId":"org1"}`)))

	sub, err := h.store.FindByOrganization(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, "plan_pro", sub.PlanID)
	assert.Zero(t, h.publisher.count())
}

func TestHandleUserEvent_IgnoresOtherAndMalformed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.NoError(t, h.engine.HandleUserEvent(ctx, "user.created", []byte(`{"organizationId":"org1"}`)))
	assert.NoError(t, h.engine.HandleUserEvent(ctx, billing.EventOrgCreated, []byte(`not json`)))
	assert.NoError(t, h.engine.HandleUserEvent(ctx, billing.EventOrgCreated, []byte(`{}`)))
	assert.Zero(t, h.publisher.count())
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ended := billing.Period{Start: testNow.AddDate(0, -1, 0), End: testNow.Add(-time.Minute)}
	h.seed(t, &billing.Subscription{
		OrganizationID: "due", PlanID: "plan_pro", Status: billing.StatusActive,
		CancelAtPeriodEnd: true, CurrentPeriod: ended, ExternalSubscriptionRef: "sub_due",
	})
	h.seed(t, &billing.Subscription{
		OrganizationID: "running", PlanID: "plan_pro", Status: billing.StatusActive, CancelAtPeriodEnd: true,
	})
	h.seed(t, &billing.Subscription{
		OrganizationID: "renewing", PlanID: "plan_pro", Status: billing.StatusActive, CurrentPeriod: ended,
	})

	n, err := h.engine.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"sub_due"}, h.processor.canceled)

	due, _ := h.store.FindByOrganization(context.Background(), "due")
	assert.Equal(t, billing.StatusCanceled, due.Status)
	require.NotNil(t, due.CanceledAt)

	running, _ := h.store.FindByOrganization(context.Background(), "running")
	assert.Equal(t, billing.StatusActive, running.Status)
	renewing, _ := h.store.FindByOrganization(context.Background(), "renewing")
	assert.Equal(t, billing.StatusActive, renewing.Status)

	assert.Zero(t, h.publisher.count())

	// A canceled organization may subscribe again.
	_, err = h.engine.Create(context.Background(), identity("due"), "plan_free", "")
	assert.NoError(t, err)
}

func TestNewSweeper(t *testing.T) {
	h := newHarness(t)

	_, err := billing.NewSweeper(h.engine, "not a schedule")
	assert.Error(t, err)

	s, err := billing.NewSweeper(h.engine, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
