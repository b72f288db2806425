package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Proration modes understood by Processor.UpdateSubscriptionItem.
const (
	ProrationCreate = "create_prorations"
	ProrationNone   = "none"
)

// Processor event types handled by the engine.
const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventProcessorSubscriptionUpdate = "customer.subscription.updated"
	EventProcessorSubscriptionDelete = "customer.subscription.deleted"
	EventProcessorInvoicePaid        = "invoice.paid"
	EventProcessorPaymentFailed      = "invoice.payment_failed"
)

// Processor is the contract with the external payment processor. Every method
// is a synchronous network call; failures are returned as *ProcessorError
// when wrapped by GuardProcessor.
type Processor interface {
	Name() string
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	RetrieveSubscription(ctx context.Context, ref string) (*ProcessorSubscription, error)
	UpdateSubscriptionItem(ctx context.Context, req ItemUpdate) (*ProcessorSubscription, error)
	CancelSubscription(ctx context.Context, ref string) error
	ListSubscriptions(ctx context.Context, customerRef string) ([]*ProcessorSubscription, error)
	RetrievePaymentMethod(ctx context.Context, ref string) (*ProcessorPaymentMethod, error)

	// VerifyWebhook authenticates a raw webhook body and decodes it. It returns
	// ErrInvalidWebhookSignature when the signature does not match.
	VerifyWebhook(payload []byte, signature string) (*ProcessorEvent, error)
}

// CustomerRequest describes a processor customer to create.
type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// PriceSpec is an inline recurring price for a checkout line item.
type PriceSpec struct {
	ProductName string
	Amount      decimal.Decimal
	Currency    string
	Cycle       BillingCycle
}

// CheckoutRequest describes a hosted checkout session in subscription mode.
type CheckoutRequest struct {
	CustomerRef string
	Price       PriceSpec
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// ItemUpdate swaps the price of one subscription item.
type ItemUpdate struct {
	SubscriptionRef string
	ItemID          string
	PriceRef        string
	Proration       string
	Metadata        map[string]string
}

// ProcessorItem is a priced line of a processor subscription.
type ProcessorItem struct {
	ID         string
	PriceRef   string
	UnitAmount int64 // minor units
	Interval   string
}

// ProcessorSubscription is the processor's view of a subscription.
type ProcessorSubscription struct {
	ID                 string
	CustomerRef        string
	Status             string
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	CancelAtPeriodEnd  bool
	Created            int64
	Items              []ProcessorItem
	Metadata           map[string]string
}

// ProcessorPaymentMethod is the processor's view of a payment method.
type ProcessorPaymentMethod struct {
	ID   string
	Type string
	Card *Card
}

// CheckoutCompletion is the payload of a completed checkout session.
type CheckoutCompletion struct {
	SessionID       string
	Mode            string
	CustomerRef     string
	SubscriptionRef string
	Metadata        map[string]string
}

// ProcessorInvoice is the payload of invoice events.
type ProcessorInvoice struct {
	ID              string
	Number          string
	CustomerRef     string
	SubscriptionRef string
	Currency        string
	AmountDue       int64 // minor units
	AmountPaid      int64 // minor units
	Subtotal        int64
	Tax             int64
	Total           int64
	PaidAt          int64
	DueDate         int64
	Lines           []ProcessorInvoiceLine
}

// ProcessorInvoiceLine is one line of a processor invoice.
type ProcessorInvoiceLine struct {
	Description string
	Quantity    int64
	Amount      int64 // minor units
}

// ProcessorEvent is a verified, decoded webhook event. Only the field matching
// Type is populated.
type ProcessorEvent struct {
	ID           string
	Type         string
	Created      int64
	Checkout     *CheckoutCompletion
	Subscription *ProcessorSubscription
	Invoice      *ProcessorInvoice
}

// MinorUnits converts a catalog amount to the processor's minor currency unit,
// rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts processor minor units back to the catalog unit.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
