package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

type slowProcessor struct {
	*fakeProcessor
	delay time.Duration
}

func (p *slowProcessor) CreateCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	select {
	case <-time.After(p.delay):
		return p.fakeProcessor.CreateCustomer(ctx, req)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type failingProcessor struct {
	*fakeProcessor
	calls int
}

func (p *failingProcessor) ListSubscriptions(context.Context, string) ([]*billing.ProcessorSubscription, error) {
	p.calls++
	return nil, errors.New("503 service unavailable")
}

func TestGuardProcessor_TimeoutBecomesProcessorError(t *testing.T) {
	p := billing.GuardProcessor(&slowProcessor{fakeProcessor: newFakeProcessor(), delay: time.Second},
		billing.GuardConfig{Timeout: 20 * time.Millisecond})

	_, err := p.CreateCustomer(context.Background(), billing.CustomerRequest{Email: "a@b.c"})
	require.Error(t, err)

	var pe *billing.ProcessorError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "create_customer", pe.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, billing.KindProcessor, kindOf(err))
}

func TestGuardProcessor_BreakerOpens(t *testing.T) {
	var states []billing.CircuitBreakerState
	breaker := billing.NewDefaultCircuitBreaker(2, time.Hour, func(s billing.CircuitBreakerState) {
		states = append(states, s)
	})
	inner := &failingProcessor{fakeProcessor: newFakeProcessor()}
	p := billing.GuardProcessor(inner, billing.GuardConfig{Breaker: breaker})

	for i := 0; i < 2; i++ {
		_, err := p.ListSubscriptions(context.Background(), "cus_1")
		require.Error(t, err)
	}
	assert.Equal(t, billing.StateOpen, breaker.State())

	_, err := p.ListSubscriptions(context.Background(), "cus_1")
	assert.ErrorIs(t, err, billing.ErrCircuitOpen)
	assert.True(t, billing.IsProcessorError(err))
	assert.Equal(t, 2, inner.calls, "open breaker short-circuits the call")
	assert.Equal(t, []billing.CircuitBreakerState{billing.StateOpen}, states)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	breaker := billing.NewDefaultCircuitBreaker(1, 10*time.Millisecond, nil)
	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	require.Error(t, breaker.Execute(context.Background(), fail))
	assert.Equal(t, billing.StateOpen, breaker.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, billing.StateHalfOpen, breaker.State())
	require.NoError(t, breaker.Execute(context.Background(), ok))
	assert.Equal(t, billing.StateClosed, breaker.State())
}

func TestCircuitBreaker_IgnoresCallerCancellation(t *testing.T) {
	breaker := billing.NewDefaultCircuitBreaker(1, time.Hour, nil)

	err := breaker.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	require.Error(t, err)
	assert.Equal(t, billing.StateClosed, breaker.State())
}

func TestGuardProcessor_VerifyWebhookPassesSignatureErrors(t *testing.T) {
	p := billing.GuardProcessor(newFakeProcessor(), billing.GuardConfig{})

	_, err := p.VerifyWebhook([]byte(`{}`), "bad")
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
	assert.False(t, billing.IsProcessorError(err))

	_, err = p.VerifyWebhook([]byte(`not json`), validSignature)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}
