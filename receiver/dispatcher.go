// Package receiver is the Order Receiver: it takes order submissions, sends
// them to an Order Service instance through the discovery-backed client, and
// maps what happened into an outcome the submitter cannot misread.
package receiver

import (
	"context"
	"errors"
	"fmt"

	"order-pipeline/client"
	"order-pipeline/fault"
	"order-pipeline/orderservice"
	"order-pipeline/resolver"
	"order-pipeline/transport"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Outcome is the public answer to a submission. Business outcomes come from the
// Order Service; infrastructure outcomes never carry an order status.
type Outcome string

const (
	OutcomeAccepted  Outcome = "ACCEPTED"
	OutcomeProcessed Outcome = "PROCESSED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeFailed    Outcome = "FAILED"

	OutcomeNoHealthyEndpoints Outcome = "NO_HEALTHY_ENDPOINTS"
	OutcomeDispatchExhausted  Outcome = "DISPATCH_EXHAUSTED"
	OutcomePoolExhausted      Outcome = "POOL_EXHAUSTED"
	OutcomeDispatchFailed     Outcome = "DISPATCH_FAILED"
)

// Business reports whether o is an order outcome rather than an infrastructure one.
func (o Outcome) Business() bool {
	switch o {
	case OutcomeAccepted, OutcomeProcessed, OutcomeRejected, OutcomeFailed:
		return true
	}
	return false
}

// OutcomeOf maps an order status to its outcome.
func OutcomeOf(st orderservice.Status) Outcome {
	switch st {
	case orderservice.StatusProcessed:
		return OutcomeProcessed
	case orderservice.StatusRejected:
		return OutcomeRejected
	case orderservice.StatusFailed:
		return OutcomeFailed
	}
	return OutcomeAccepted
}

// DispatchError is an infrastructure failure to get an answer from any Order
// Service instance.
type DispatchError struct {
	Outcome Outcome
	Layer   fault.Layer // layer the fault started in
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Outcome, e.Layer, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher submits orders to the Order Service.
type Dispatcher struct {
	client *client.Client
	logger *zap.Logger
}

func NewDispatcher(c *client.Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{client: c, logger: logger}
}

// Service is the registry name orders are sent to.
func (d *Dispatcher) Service() string {
	return d.client.Service()
}

// SubmitOrder sends order to one Order Service instance, failing over on
// transient faults. REJECTED and FAILED orders are results, not errors; the
// error is always a *DispatchError.
func (d *Dispatcher) SubmitOrder(ctx context.Context, order *orderservice.Order) (*orderservice.OrderResult, error) {
	var res orderservice.OrderResult
	err := d.client.Call(ctx, orderservice.SubmitOrderMethod, order.ID, order, &res)
	if err == nil {
		return &res, nil
	}

	// the service answered with a business outcome alongside its status
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Internal:
		if res.Status == orderservice.StatusRejected || res.Status == orderservice.StatusFailed {
			return &res, nil
		}
	}

	derr := &DispatchError{Outcome: classify(err), Layer: fault.LayerOf(err), Err: err}
	d.logger.Warn("dispatch failed",
		zap.String("order_id", order.ID),
		zap.String("outcome", string(derr.Outcome)),
		zap.String("layer", string(derr.Layer)),
		zap.Error(err))
	return nil, derr
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, resolver.ErrNoHealthyEndpoints) && !errors.Is(err, client.ErrExhausted):
		return OutcomeNoHealthyEndpoints
	case errors.Is(err, client.ErrExhausted):
		return OutcomeDispatchExhausted
	case errors.Is(err, transport.ErrPoolExhausted):
		return OutcomePoolExhausted
	}
	return OutcomeDispatchFailed
}
