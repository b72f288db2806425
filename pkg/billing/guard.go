package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultProcessorTimeout bounds every call to the payment processor.
const DefaultProcessorTimeout = 10 * time.Second

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreaker guards calls to an unreliable dependency.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after failureThreshold consecutive failures and
// lets a single probe through once resetTimeout has elapsed.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	if err := fn(ctx); err != nil {
		// Caller cancellation says nothing about the dependency's health.
		if !errors.Is(err, context.Canceled) {
			cb.failure()
		}
		return err
	}

	cb.success()
	return nil
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// GuardConfig configures GuardProcessor.
type GuardConfig struct {
	// Timeout bounds each call (default DefaultProcessorTimeout).
	Timeout time.Duration
	// Breaker is optional; nil disables circuit breaking.
	Breaker CircuitBreaker
}

// guardedProcessor applies a timeout and a circuit breaker to every call and
// normalizes failures into *ProcessorError.
type guardedProcessor struct {
	next    Processor
	timeout time.Duration
	breaker CircuitBreaker
}

// GuardProcessor wraps p so every call is bounded and classified.
func GuardProcessor(p Processor, cfg GuardConfig) Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProcessorTimeout
	}
	return &guardedProcessor{next: p, timeout: cfg.Timeout, breaker: cfg.Breaker}
}

func (g *guardedProcessor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	run := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(ctx)
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(ctx, run)
	} else {
		err = run(ctx)
	}
	if err == nil {
		return nil
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return err
	}
	return &ProcessorError{Op: op, Err: err}
}

func (g *guardedProcessor) Name() string { return g.next.Name() }

func (g *guardedProcessor) CreateCustomer(ctx context.Context, req CustomerRequest) (ref string, err error) {
	err = g.call(ctx, "create_customer", func(ctx context.Context) error {
		ref, err = g.next.CreateCustomer(ctx, req)
		return err
	})
	return ref, err
}

func (g *guardedProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (url string, err error) {
	err = g.call(ctx, "create_checkout_session", func(ctx context.Context) error {
		url, err = g.next.CreateCheckoutSession(ctx, req)
		return err
	})
	return url, err
}

func (g *guardedProcessor) RetrieveSubscription(ctx context.Context, ref string) (sub *ProcessorSubscription, err error) {
	err = g.call(ctx, "retrieve_subscription", func(ctx context.Context) error {
		sub, err = g.next.RetrieveSubscription(ctx, ref)
		return err
	})
	return sub, err
}

func (g *guardedProcessor) UpdateSubscriptionItem(ctx context.Context, req ItemUpdate) (sub *ProcessorSubscription, err error) {
	err = g.call(ctx, "update_subscription_item", func(ctx context.Context) error {
		sub, err = g.next.UpdateSubscriptionItem(ctx, req)
		return err
	})
	return sub, err
}

func (g *guardedProcessor) CancelSubscription(ctx context.Context, ref string) error {
	return g.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		return g.next.CancelSubscription(ctx, ref)
	})
}

func (g *guardedProcessor) ListSubscriptions(ctx context.Context, customerRef string) (subs []*ProcessorSubscription, err error) {
	err = g.call(ctx, "list_subscriptions", func(ctx context.Context) error {
		subs, err = g.next.ListSubscriptions(ctx, customerRef)
		return err
	})
	return subs, err
}

func (g *guardedProcessor) RetrievePaymentMethod(ctx context.Context, ref string) (pm *ProcessorPaymentMethod, err error) {
	err = g.call(ctx, "retrieve_payment_method", func(ctx context.Context) error {
		pm, err = g.next.RetrievePaymentMethod(ctx, ref)
		return err
	})
	return pm, err
}

// VerifyWebhook is local computation; it is neither timed out nor counted by the breaker.
func (g *guardedProcessor) VerifyWebhook(payload []byte, signature string) (*ProcessorEvent, error) {
	ev, err := g.next.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidWebhookSignature) || errors.Is(err, ErrInvalidWebhookPayload) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	return ev, nil
}
