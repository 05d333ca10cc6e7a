package orderservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder(id string) *Order {
	return &Order{
		ID:       id,
		Customer: "c-1",
		Items:    []LineItem{{SKU: "sku-1", Quantity: 2, PriceCents: 1500}},
	}
}

func TestTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusReceived, StatusValidating},
		{StatusValidating, StatusAccepted},
		{StatusValidating, StatusRejected},
		{StatusAccepted, StatusProcessed},
		{StatusAccepted, StatusFailed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}

	forbidden := [][2]Status{
		{StatusRejected, StatusAccepted},
		{StatusAccepted, StatusReceived},
		{StatusProcessed, StatusFailed},
		{StatusFailed, StatusProcessed},
		{StatusReceived, StatusAccepted},
		{StatusAccepted, StatusValidating},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name  string
		order *Order
		code  ReasonCode
	}{
		{"missing id", &Order{Items: []LineItem{{SKU: "a", Quantity: 1, PriceCents: 1}}}, ReasonMissingOrderID},
		{"empty items", &Order{ID: "o-1"}, ReasonEmptyItems},
		{"missing sku", &Order{ID: "o-2", Items: []LineItem{{Quantity: 1, PriceCents: 1}}}, ReasonMissingSKU},
		{"zero quantity", &Order{ID: "o-3", Items: []LineItem{{SKU: "a", Quantity: 0, PriceCents: 1}}}, ReasonInvalidQuantity},
		{"negative price", &Order{ID: "o-4", Items: []LineItem{{SKU: "a", Quantity: 1, PriceCents: -5}}}, ReasonInvalidPrice},
	}
	svc := New(Options{})
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res, err := svc.Submit(context.Background(), c.order)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, res.Status)
			assert.Equal(t, c.code, res.ReasonCode)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestSubmitSync(t *testing.T) {
	svc := New(Options{})
	res, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, &OrderResult{OrderID: "o-1", Status: StatusProcessed}, res)

	got, err := svc.Get("o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestSubmitProcessingFailure(t *testing.T) {
	svc := New(Options{Processor: ProcessorFunc(func(ctx context.Context, o *Order) error {
		return errors.New("warehouse offline")
	})})
	res, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonProcessingError, res.ReasonCode)
	assert.Contains(t, res.Message, "warehouse offline")
}

func TestSubmitIdempotent(t *testing.T) {
	var runs atomic.Int32
	svc := New(Options{Processor: ProcessorFunc(func(ctx context.Context, o *Order) error {
		runs.Add(1)
		return nil
	})})

	first, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	second, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, runs.Load())

	// a rejected id stays rejected even when resubmitted well formed
	rejected, err := svc.Submit(context.Background(), &Order{ID: "o-2"})
	require.NoError(t, err)
	again, err := svc.Submit(context.Background(), validOrder("o-2"))
	require.NoError(t, err)
	assert.Equal(t, rejected, again)
	assert.Equal(t, StatusRejected, again.Status)
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	var runs atomic.Int32
	svc := New(Options{Processor: ProcessorFunc(func(ctx context.Context, o *Order) error {
		runs.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil
	})})

	var wg sync.WaitGroup
	results := make([]*OrderResult, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.Submit(context.Background(), validOrder("o-1"))
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, runs.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, StatusProcessed, res.Status)
	}
	assert.Equal(t, 0, svc.locks.len(), "keyed locks must be released")
}

func TestDistinctOrdersRunInParallel(t *testing.T) {
	release := make(chan struct{})
	var inFlight atomic.Int32
	svc := New(Options{Processor: ProcessorFunc(func(ctx context.Context, o *Order) error {
		inFlight.Add(1)
		<-release
		return nil
	})})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.Submit(context.Background(), validOrder(fmt.Sprintf("o-%d", i)))
		}(i)
	}
	assert.Eventually(t, func() bool { return inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}

func TestSubmitAsync(t *testing.T) {
	svc := New(Options{Mode: ModeAsync, Processor: DelayProcessor{Delay: 20 * time.Millisecond}})

	res, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)

	assert.Eventually(t, func() bool {
		o, err := svc.Get("o-1")
		return err == nil && o.Status == StatusProcessed
	}, time.Second, 5*time.Millisecond)

	dup, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, dup.Status)
	require.NoError(t, svc.Close(context.Background()))
}

func TestCloseLeavesInFlightOrderAccepted(t *testing.T) {
	started := make(chan struct{})
	svc := New(Options{Mode: ModeAsync, Processor: ProcessorFunc(func(ctx context.Context, o *Order) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})})

	res, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Close(ctx), context.DeadlineExceeded)

	time.Sleep(50 * time.Millisecond)
	o, err := svc.Get("o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, o.Status)

	_, err = svc.Submit(context.Background(), validOrder("o-2"))
	assert.ErrorIs(t, err, ErrClosed)

	// the stored order is still answered
	dup, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, dup.Status)
	assert.Equal(t, "NOT_SERVING", svc.Info().Status)
}

func TestNoWorkerStartsAfterClose(t *testing.T) {
	var closedAt atomic.Int64
	var late atomic.Int32
	svc := New(Options{Mode: ModeAsync, Processor: ProcessorFunc(func(ctx context.Context, o *Order) error {
		if at := closedAt.Load(); at != 0 && time.Now().UnixNano() > at {
			late.Add(1)
		}
		return nil
	})})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Submit(context.Background(), validOrder(fmt.Sprintf("o-%d", i)))
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
				return
			}
			assert.Contains(t, []Status{StatusAccepted, StatusProcessed}, res.Status)
		}(i)
	}
	require.NoError(t, svc.Close(context.Background()))
	closedAt.Store(time.Now().UnixNano())
	wg.Wait()

	assert.Zero(t, late.Load(), "a worker ran after Close returned")
	orders, err := svc.List(ListAll)
	require.NoError(t, err)
	for _, o := range orders {
		assert.Contains(t, []Status{StatusAccepted, StatusProcessed}, o.Status, o.ID)
	}
}

func TestRejectAllMode(t *testing.T) {
	svc := New(Options{})
	assert.False(t, svc.SetRejectAll(true))

	res, err := svc.Submit(context.Background(), validOrder("o-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonRejectAllMode, res.ReasonCode)

	assert.True(t, svc.SetRejectAll(false))
	res, err = svc.Submit(context.Background(), validOrder("o-2"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
}

func TestListAndInfo(t *testing.T) {
	svc := New(Options{Name: "order-service", ID: "order-service-0", Version: "1.0.0"})
	svc.Submit(context.Background(), validOrder("o-1"))
	svc.Submit(context.Background(), &Order{ID: "o-2"})
	svc.Submit(context.Background(), validOrder("o-3"))

	all, err := svc.List(ListAll)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rejected, err := svc.List(ListRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "o-2", rejected[0].ID)

	open, err := svc.List(ListOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = svc.List("bogus")
	assert.Error(t, err)

	_, err = svc.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	info := svc.Info()
	assert.Equal(t, 3, info.OrderCount)
	assert.Equal(t, "SERVING", info.Status)
	assert.Equal(t, ModeSync, info.Mode)
	assert.Equal(t, "order-service-0", info.ID)
}

func TestGetReturnsCopy(t *testing.T) {
	svc := New(Options{})
	svc.Submit(context.Background(), validOrder("o-1"))

	o, err := svc.Get("o-1")
	require.NoError(t, err)
	o.Status = StatusReceived
	o.Items[0].Quantity = 99

	again, _ := svc.Get("o-1")
	assert.Equal(t, StatusProcessed, again.Status)
	assert.Equal(t, 2, again.Items[0].Quantity)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, m)
	m, err = ParseMode("async")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, m)
	_, err = ParseMode("batch")
	assert.Error(t, err)
}
