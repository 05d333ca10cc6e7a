package orderservice

import (
	"context"
	"time"
)

// Processor runs the post-acceptance stage of an order. A nil error moves the
// order to PROCESSED, any other error to FAILED. Processors should return
// promptly once ctx is done; the order then stays ACCEPTED.
type Processor interface {
	Process(ctx context.Context, order *Order) error
}

type ProcessorFunc func(ctx context.Context, order *Order) error

func (f ProcessorFunc) Process(ctx context.Context, order *Order) error {
	return f(ctx, order)
}

// DelayProcessor stands in for fulfilment: it succeeds after Delay.
type DelayProcessor struct {
	Delay time.Duration
}

func (p DelayProcessor) Process(ctx context.Context, _ *Order) error {
	if p.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
