package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedGateway_MemoizesOutcome(t *testing.T) {
	payments := newMemPayments()
	publisher := &recordingPublisher{}

	var decisions atomic.Int32
	decide := func(string, int64) models.PaymentOutcome {
		decisions.Add(1)
		return models.PaymentSucceeded
	}
	gateway := NewSimulatedGateway(payments, decide, publisher)

	first, err := gateway.Charge(context.Background(), "order-1", 2000, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, first.Outcome)
	assert.Equal(t, "order-1", first.OrderID)
	assert.NotEmpty(t, first.ProviderTxID)

	second, err := gateway.Charge(context.Background(), "order-1", 2000, "order-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Outcome, second.Outcome)

	assert.Equal(t, int32(1), decisions.Load())
	assert.Equal(t, 1, payments.count())
	assert.Equal(t, 1, publisher.count(models.EventTypePaymentOutcome))
}

func TestSimulatedGateway_ConcurrentChargesAgree(t *testing.T) {
	payments := newMemPayments()
	gateway := NewSimulatedGateway(payments, RandomDecider(0.5), &recordingPublisher{})

	const callers = 20
	results := make([]*models.PaymentAttempt, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempt, err := gateway.Charge(context.Background(), "order-1", 500, "order-1")
			assert.NoError(t, err)
			results[i] = attempt
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, r := range results[1:] {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ID, r.ID)
		assert.Equal(t, results[0].Outcome, r.Outcome)
	}
	assert.Equal(t, 1, payments.count())
}

func TestSimulatedGateway_AmountMismatch(t *testing.T) {
	gateway := NewSimulatedGateway(newMemPayments(), alwaysDecide(models.PaymentSucceeded), &recordingPublisher{})

	_, err := gateway.Charge(context.Background(), "order-1", 2000, "order-1")
	require.NoError(t, err)

	_, err = gateway.Charge(context.Background(), "order-1", 2500, "order-1")
	require.Error(t, err)
	assert.False(t, IsRetryablePayment(err))
}

func TestSimulatedGateway_RecordFailureIsRetryable(t *testing.T) {
	payments := newMemPayments()
	payments.err = errRedisDown
	gateway := NewSimulatedGateway(payments, alwaysDecide(models.PaymentSucceeded), &recordingPublisher{})

	_, err := gateway.Charge(context.Background(), "order-1", 2000, "order-1")
	require.Error(t, err)
	assert.True(t, IsRetryablePayment(err))
	assert.ErrorIs(t, err, errRedisDown)
}

func TestRandomDecider(t *testing.T) {
	always := RandomDecider(1)
	never := RandomDecider(0)
	for i := 0; i < 50; i++ {
		assert.Equal(t, models.PaymentSucceeded, always("k", 1))
		assert.Equal(t, models.PaymentFailed, never("k", 1))
	}
}
