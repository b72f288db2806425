// Package memory provides in-memory implementations of the billing stores.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// Storage implements the billing subscription, plan, invoice and payment
// method stores using in-memory maps.
type Storage struct {
	mu         sync.RWMutex
	subs       map[string]*billing.Subscription // by organization id
	plans      map[string]*billing.Plan
	invoices   map[string]*billing.Invoice
	invoiceSeq map[int]int
	methods    map[string]*billing.PaymentMethod
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subs:       make(map[string]*billing.Subscription),
		plans:      make(map[string]*billing.Plan),
		invoices:   make(map[string]*billing.Invoice),
		invoiceSeq: make(map[int]int),
		methods:    make(map[string]*billing.PaymentMethod),
	}
}

// FindByOrganization implements billing.SubscriptionStore
func (s *Storage) FindByOrganization(_ context.Context, organizationID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[organizationID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// FindByExternalSubscriptionRef implements billing.SubscriptionStore
func (s *Storage) FindByExternalSubscriptionRef(_ context.Context, ref string) (*billing.Subscription, error) {
	return s.findSub(func(sub *billing.Subscription) bool {
		return ref != "" && sub.ExternalSubscriptionRef == ref
	})
}

// FindByCustomerRef implements billing.SubscriptionStore
func (s *Storage) FindByCustomerRef(_ context.Context, customerRef string) (*billing.Subscription, error) {
	return s.findSub(func(sub *billing.Subscription) bool {
		return customerRef != "" && sub.CustomerRef == customerRef
	})
}

func (s *Storage) findSub(match func(*billing.Subscription) bool) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if match(sub) {
			return sub.Clone(), nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

// Upsert implements billing.SubscriptionStore
func (s *Storage) Upsert(_ context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.OrganizationID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subs[sub.OrganizationID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	}
	s.subs[sub.OrganizationID] = sub.Clone()
	return nil
}

// Save implements billing.SubscriptionStore
func (s *Storage) Save(_ context.Context, sub *billing.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subs[sub.OrganizationID]
	if !ok || existing.ID != sub.ID {
		return billing.ErrSubscriptionNotFound
	}
	s.subs[sub.OrganizationID] = sub.Clone()
	return nil
}

// ListDueForCancellation implements billing.SubscriptionStore
func (s *Storage) ListDueForCancellation(_ context.Context, before time.Time) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*billing.Subscription
	for _, sub := range s.subs {
		if sub.Status == billing.StatusActive && sub.CancelAtPeriodEnd && !sub.CurrentPeriod.End.After(before) {
			due = append(due, sub.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CurrentPeriod.End.Before(due[j].CurrentPeriod.End)
	})
	return due, nil
}

// ListPlans implements billing.PlanStore
func (s *Storage) ListPlans(_ context.Context, activeOnly bool) ([]*billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]*billing.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		plans = append(plans, p.Clone())
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].SortOrder != plans[j].SortOrder {
			return plans[i].SortOrder < plans[j].SortOrder
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

// GetPlan implements billing.PlanStore
func (s *Storage) GetPlan(_ context.Context, id string) (*billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, billing.ErrPlanNotFound
	}
	return p.Clone(), nil
}

// GetPlanBySlug implements billing.PlanStore
func (s *Storage) GetPlanBySlug(_ context.Context, slug string) (*billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Slug == slug {
			return p.Clone(), nil
		}
	}
	return nil, billing.ErrPlanNotFound
}

// UpsertPlan implements billing.PlanStore
func (s *Storage) UpsertPlan(_ context.Context, plan *billing.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans[plan.ID] = plan.Clone()
	return nil
}

// ListInvoices implements billing.InvoiceStore
func (s *Storage) ListInvoices(_ context.Context, organizationID string, page, limit int) ([]*billing.Invoice, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*billing.Invoice
	for _, inv := range s.invoices {
		if inv.OrganizationID == organizationID {
			all = append(all, inv)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := (page - 1) * limit
	if start >= total || start < 0 {
		return []*billing.Invoice{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}

	items := make([]*billing.Invoice, 0, end-start)
	for _, inv := range all[start:end] {
		items = append(items, cloneInvoice(inv))
	}
	return items, total, nil
}

// GetInvoice implements billing.InvoiceStore
func (s *Storage) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

// GetInvoiceByExternalRef implements billing.InvoiceStore
func (s *Storage) GetInvoiceByExternalRef(_ context.Context, ref string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invoices {
		if ref != "" && inv.ExternalInvoiceRef == ref {
			return cloneInvoice(inv), nil
		}
	}
	return nil, billing.ErrInvoiceNotFound
}

// UpsertInvoiceByExternalRef implements billing.InvoiceStore
func (s *Storage) UpsertInvoiceByExternalRef(_ context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.ExternalInvoiceRef == "" {
		return fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.invoices {
		if existing.ExternalInvoiceRef == inv.ExternalInvoiceRef {
			inv.ID = existing.ID
			inv.InvoiceNumber = existing.InvoiceNumber
			inv.CreatedAt = existing.CreatedAt
			break
		}
	}
	s.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

// NextInvoiceSequence implements billing.InvoiceStore
func (s *Storage) NextInvoiceSequence(_ context.Context, year int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoiceSeq[year]++
	return s.invoiceSeq[year], nil
}

// ListPaymentMethods implements billing.PaymentMethodStore
func (s *Storage) ListPaymentMethods(_ context.Context, organizationID string) ([]*billing.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := []*billing.PaymentMethod{}
	for _, pm := range s.methods {
		if pm.OrganizationID == organizationID {
			methods = append(methods, clonePaymentMethod(pm))
		}
	}
	sort.Slice(methods, func(i, j int) bool {
		return methods[i].CreatedAt.After(methods[j].CreatedAt)
	})
	return methods, nil
}

// GetPaymentMethod implements billing.PaymentMethodStore
func (s *Storage) GetPaymentMethod(_ context.Context, id string) (*billing.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pm, ok := s.methods[id]
	if !ok {
		return nil, billing.ErrPaymentMethodNotFound
	}
	return clonePaymentMethod(pm), nil
}

// CreatePaymentMethod implements billing.PaymentMethodStore
func (s *Storage) CreatePaymentMethod(_ context.Context, pm *billing.PaymentMethod) error {
	if pm == nil || pm.ID == "" {
		return fmt.Errorf("invalid payment method")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.methods[pm.ID] = clonePaymentMethod(pm)
	return nil
}

// DeletePaymentMethod implements billing.PaymentMethodStore
func (s *Storage) DeletePaymentMethod(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.methods[id]; !ok {
		return billing.ErrPaymentMethodNotFound
	}
	delete(s.methods, id)
	return nil
}

// SetDefaultPaymentMethod implements billing.PaymentMethodStore
func (s *Storage) SetDefaultPaymentMethod(_ context.Context, organizationID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.methods[id]
	if !ok || target.OrganizationID != organizationID {
		return billing.ErrPaymentMethodNotFound
	}
	for _, pm := range s.methods {
		if pm.OrganizationID == organizationID {
			pm.IsDefault = pm.ID == id
		}
	}
	return nil
}

func cloneInvoice(inv *billing.Invoice) *billing.Invoice {
	c := *inv
	c.Items = append([]billing.InvoiceItem(nil), inv.Items...)
	if inv.DueDate != nil {
		t := *inv.DueDate
		c.DueDate = &t
	}
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		c.PaidAt = &t
	}
	return &c
}

func clonePaymentMethod(pm *billing.PaymentMethod) *billing.PaymentMethod {
	c := *pm
	if pm.Card != nil {
		card := *pm.Card
		c.Card = &card
	}
	return &c
}

var (
	_ billing.SubscriptionStore  = (*Storage)(nil)
	_ billing.PlanStore          = (*Storage)(nil)
	_ billing.InvoiceStore       = (*Storage)(nil)
	_ billing.PaymentMethodStore = (*Storage)(nil)
)
