package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Unlimited marks a resource limit without a ceiling.
const Unlimited = -1

// BillingCycle is the recurring interval a subscription is charged on.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a known billing cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Status is the local lifecycle status of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// Pricing holds the catalog prices of a plan in the plan's currency unit.
type Pricing struct {
	Monthly  decimal.Decimal `json:"monthly"`
	Yearly   decimal.Decimal `json:"yearly"`
	Currency string          `json:"currency"`
}

// For returns the price charged for the given cycle.
func (p Pricing) For(cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return p.Yearly
	}
	return p.Monthly
}

// PriceRefs are the processor's price identifiers, one per cycle.
type PriceRefs struct {
	Monthly string `json:"monthly,omitempty" yaml:"monthly,omitempty"`
	Yearly  string `json:"yearly,omitempty" yaml:"yearly,omitempty"`
}

// For returns the processor price reference for the given cycle.
func (r PriceRefs) For(cycle BillingCycle) string {
	if cycle == CycleYearly {
		return r.Yearly
	}
	return r.Monthly
}

// Feature is a marketing line item of a plan.
type Feature struct {
	Name     string `json:"name" yaml:"name"`
	Included bool   `json:"included" yaml:"included"`
	Limit    *int   `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Limits caps the resources an organization may use. Unlimited (-1) disables a cap.
type Limits struct {
	Users     int `json:"users" yaml:"users"`
	Projects  int `json:"projects" yaml:"projects"`
	StorageMB int `json:"storage" yaml:"storage"`
	APICalls  int `json:"apiCalls" yaml:"apiCalls"`
}

// Plan is a priced product tier.
type Plan struct {
	ID                 string    `json:"id"`
	Slug               string    `json:"slug"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Pricing            Pricing   `json:"pricing"`
	ProcessorPriceRefs PriceRefs `json:"processorPriceRefs"`
	Features           []Feature `json:"features"`
	Limits             Limits    `json:"limits"`
	IsActive           bool      `json:"isActive"`
	IsPopular          bool      `json:"isPopular"`
	SortOrder          int       `json:"sortOrder"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// IsFree reports whether the plan costs nothing. The monthly price is the
// discriminator regardless of the cycle being purchased.
func (p *Plan) IsFree() bool {
	return p.Pricing.Monthly.Sign() <= 0
}

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	if p.Features != nil {
		c.Features = make([]Feature, len(p.Features))
		for i, f := range p.Features {
			if f.Limit != nil {
				l := *f.Limit
				f.Limit = &l
			}
			c.Features[i] = f
		}
	}
	return &c
}

// Period is a half-open billing interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Subscription is the authoritative local record of an organization's plan.
type Subscription struct {
	ID                      string       `json:"id"`
	OrganizationID          string       `json:"organizationId"`
	PlanID                  string       `json:"planId"`
	Status                  Status       `json:"status"`
	BillingCycle            BillingCycle `json:"billingCycle"`
	CurrentPeriod           Period       `json:"currentPeriod"`
	CancelAtPeriodEnd       bool         `json:"cancelAtPeriodEnd"`
	CanceledAt              *time.Time   `json:"canceledAt,omitempty"`
	CancellationReason      string       `json:"cancellationReason,omitempty"`
	TrialEnd                *time.Time   `json:"trialEnd,omitempty"`
	CustomerRef             string       `json:"customerRef,omitempty"`
	ExternalSubscriptionRef string       `json:"externalSubscriptionRef,omitempty"`
	CreatedAt               time.Time    `json:"createdAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		c.CanceledAt = &t
	}
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		c.TrialEnd = &t
	}
	return &c
}

// InvoiceStatus is the lifecycle status of an invoice projection.
type InvoiceStatus string

const (
	InvoiceDraft    InvoiceStatus = "draft"
	InvoicePending  InvoiceStatus = "pending"
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceFailed   InvoiceStatus = "failed"
	InvoiceRefunded InvoiceStatus = "refunded"
	InvoiceVoid     InvoiceStatus = "void"
)

// InvoiceItem is a single invoice line.
type InvoiceItem struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Amount      decimal.Decimal `json:"amount"`
}

// Invoice is a read-mostly projection of a processor invoice.
type Invoice struct {
	ID                 string          `json:"id"`
	SubscriptionID     string          `json:"subscriptionId"`
	OrganizationID     string          `json:"organizationId"`
	InvoiceNumber      string          `json:"invoiceNumber"`
	Items              []InvoiceItem   `json:"items"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	Tax                decimal.Decimal `json:"tax"`
	Total              decimal.Decimal `json:"total"`
	Currency           string          `json:"currency"`
	Status             InvoiceStatus   `json:"status"`
	DueDate            *time.Time      `json:"dueDate,omitempty"`
	PaidAt             *time.Time      `json:"paidAt,omitempty"`
	ExternalInvoiceRef string          `json:"externalInvoiceRef,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// InvoicePage is one page of an organization's invoices, newest first.
type InvoicePage struct {
	Items      []*Invoice `json:"items"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	Total      int        `json:"total"`
	TotalPages int        `json:"totalPages"`
}

// PaymentMethodType distinguishes cards from bank accounts.
type PaymentMethodType string

const (
	PaymentMethodCard        PaymentMethodType = "card"
	PaymentMethodBankAccount PaymentMethodType = "bank_account"
)

// Card holds the displayable details of a card payment method.
type Card struct {
	Brand       string `json:"brand"`
	LastFour    string `json:"lastFour"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
}

// PaymentMethod is a stored reference to a processor payment method.
type PaymentMethod struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organizationId"`
	Type           PaymentMethodType `json:"type"`
	Card           *Card             `json:"card,omitempty"`
	IsDefault      bool              `json:"isDefault"`
	ExternalRef    string            `json:"externalRef"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// SubscriptionView is a subscription together with its plan.
type SubscriptionView struct {
	*Subscription
	Plan *Plan `json:"plan,omitempty"`
}

// CreateResult is the outcome of Create and ChangePlan. Exactly one of
// Subscription or CheckoutURL is set.
type CreateResult struct {
	Subscription *Subscription `json:"subscription,omitempty"`
	CheckoutURL  string        `json:"checkoutUrl,omitempty"`
}

// ResourceUsage is the consumption of one limited resource.
type ResourceUsage struct {
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
	Unit  string `json:"unit,omitempty"`
}

// UsageReport is the current period usage of an organization.
type UsageReport struct {
	Period Period                   `json:"period"`
	PlanID string                   `json:"planId"`
	Usage  map[string]ResourceUsage `json:"usage"`
}
