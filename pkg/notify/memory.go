package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements EndpointStore and NotificationStore in memory.
type MemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[string]*Endpoint
	deliveries    []*Delivery
	notifications []*Notification
	byEvent       map[string]bool // organization id + event id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[string]*Endpoint),
		byEvent:   make(map[string]bool),
	}
}

func cloneEndpoint(e *Endpoint) *Endpoint {
	c := *e
	c.Events = append([]string(nil), e.Events...)
	if e.LastTriggeredAt != nil {
		t := *e.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, e *Endpoint) error {
	if e == nil || e.ID == "" || e.OrganizationID == "" {
		return fmt.Errorf("invalid webhook endpoint")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[e.ID] = cloneEndpoint(e)
	return nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, organizationID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Endpoint{}
	for _, e := range s.endpoints {
		if e.OrganizationID == organizationID {
			out = append(out, cloneEndpoint(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[d.EndpointID]
	if !ok {
		return ErrEndpointNotFound
	}
	c := *d
	s.deliveries = append(s.deliveries, &c)

	at := d.CreatedAt
	e.LastTriggeredAt = &at
	if d.Delivered {
		e.FailureCount = 0
	} else {
		e.FailureCount++
	}
	return nil
}

func (s *MemoryStore) Delivered(_ context.Context, endpointID, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.deliveries {
		if d.EndpointID == endpointID && d.EventID == eventID && d.Delivered {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Delivery{}
	for _, d := range s.deliveries {
		if d.EndpointID == endpointID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.OrganizationID + "/" + n.EventID
	if s.byEvent[key] {
		return false, nil
	}
	s.byEvent[key] = true
	c := *n
	s.notifications = append(s.notifications, &c)
	return true, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, organizationID string) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Notification{}
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if n := s.notifications[i]; n.OrganizationID == organizationID {
			c := *n
			out = append(out, &c)
		}
	}
	return out, nil
}

var (
	_ EndpointStore     = (*MemoryStore)(nil)
	_ NotificationStore = (*MemoryStore)(nil)
)
