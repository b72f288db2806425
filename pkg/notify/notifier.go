package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mihaimyh/subtrack/pkg/billing"
	"github.com/mihaimyh/subtrack/pkg/eventbus"
)

const billingActionURL = "/settings/billing"

// Notifier turns billing events into in-app notifications.
type Notifier struct {
	store  NotificationStore
	logger billing.Logger
	clock  billing.TimeSource
}

// NewNotifier creates a Notifier. logger and clock may be nil.
func NewNotifier(store NotificationStore, logger billing.Logger, clock billing.TimeSource) *Notifier {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	if clock == nil {
		clock = billing.SystemClock{}
	}
	return &Notifier{store: store, logger: logger, clock: clock}
}

// Handle is an eventbus.Handler. Redelivered events are recognized by id and
// produce at most one notification.
func (n *Notifier) Handle(ctx context.Context, ev *eventbus.Event) error {
	note, err := n.render(ev)
	if err != nil {
		return err
	}
	if note == nil {
		return nil
	}

	created, err := n.store.CreateNotification(ctx, note)
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	if !created {
		n.logger.Debug("duplicate event, notification already recorded",
			billing.F("event_id", ev.ID), billing.F("event_type", ev.Type))
	}
	return nil
}

func (n *Notifier) render(ev *eventbus.Event) (*Notification, error) {
	note := &Notification{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		ActionURL: billingActionURL,
		CreatedAt: n.clock.Now(),
	}

	switch ev.Type {
	case billing.EventSubscriptionCreated:
		var p billing.SubscriptionCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		note.OrganizationID = p.OrganizationID
		note.Kind = KindSuccess
		note.Title = "Subscription started"
		note.Message = fmt.Sprintf("Your organization is now on the %s plan.", planName(p.PlanName, p.PlanID))

	case billing.EventSubscriptionUpgraded:
		var p billing.SubscriptionUpgradedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		note.OrganizationID = p.OrganizationID
		note.Kind = KindSuccess
		note.Title = "Plan changed"
		note.Message = fmt.Sprintf("Your plan changed from %s to %s.",
			planName(p.OldPlan.Name, p.OldPlan.ID), planName(p.NewPlan.Name, p.NewPlan.ID))

	case billing.EventSubscriptionCanceled:
		var p billing.SubscriptionCanceledPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		note.OrganizationID = p.OrganizationID
		note.Kind = KindWarning
		note.Title = "Subscription canceled"
		note.Message = fmt.Sprintf("Your subscription will end on %s.", p.CancelAt.UTC().Format("January 2, 2006"))

	case billing.EventInvoicePaid:
		var p billing.InvoicePaidPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		note.OrganizationID = p.OrganizationID
		note.Kind = KindBilling
		note.Title = "Payment received"
		note.Message = fmt.Sprintf("We received your payment of %s.", formatAmount(p.Amount, p.Currency))

	case billing.EventPaymentFailed:
		var p billing.PaymentFailedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		note.OrganizationID = p.OrganizationID
		note.Kind = KindWarning
		note.Title = "Payment failed"
		note.Message = fmt.Sprintf("A payment of %s could not be processed. Please update your payment method.",
			formatAmount(p.Amount, ""))

	default:
		return nil, nil
	}

	if note.OrganizationID == "" {
		n.logger.Debug("event has no organization, skipping notification",
			billing.F("event_id", ev.ID), billing.F("event_type", ev.Type))
		return nil, nil
	}
	return note, nil
}

func planName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func formatAmount(amount float64, currency string) string {
	if currency == "" {
		currency = "usd"
	}
	return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
}
