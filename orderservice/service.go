// Package orderservice is the Order Service core: the per-order state machine,
// an idempotent in-memory order store, the processing stage, and the RPC
// handlers that expose them.
package orderservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Get for an unknown order id.
	ErrNotFound = errors.New("order not found")
	// ErrClosed is returned by Submit once Close has started.
	ErrClosed = errors.New("order service shutting down")
)

// Mode selects when the processing stage runs.
type Mode string

const (
	ModeSync  Mode = "sync"  // Submit returns PROCESSED or FAILED
	ModeAsync Mode = "async" // Submit returns ACCEPTED; a worker finishes the order
)

// ParseMode accepts "sync" (or empty) and "async".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	}
	return "", fmt.Errorf("unknown processing mode %q", s)
}

type Options struct {
	Name      string
	ID        string
	Version   string
	Mode      Mode
	Processor Processor // defaults to a DelayProcessor with no delay
	Logger    *zap.Logger
}

// ListFilter selects orders for List.
type ListFilter string

const (
	ListAll      ListFilter = "all"
	ListOpen     ListFilter = "open"     // not yet terminal
	ListRejected ListFilter = "rejected" // REJECTED or FAILED
)

// Info describes a running instance.
type Info struct {
	Name       string   `json:"name"`
	ID         string   `json:"id"`
	Version    string   `json:"version"`
	Mode       Mode     `json:"mode"`
	Status     string   `json:"status"` // SERVING or NOT_SERVING
	RejectAll  bool     `json:"rejectAll"`
	OrderCount int      `json:"orderCount"`
	Methods    []string `json:"methods,omitempty"`
}

type record struct {
	order  *Order
	result *OrderResult
}

// Service owns every order it has accepted.
type Service struct {
	opts   Options
	logger *zap.Logger
	locks  *keyedLock

	mu     sync.RWMutex
	orders map[string]*record

	rejectAll atomic.Bool
	closed    atomic.Bool

	// workCtx outlives individual requests so a caller's lapsed deadline
	// never interrupts a transition; Close cancels it.
	workCtx    context.Context
	cancelWork context.CancelFunc
	workMu     sync.Mutex // orders workers.Add against Close
	workers    sync.WaitGroup
}

func New(opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = ModeSync
	}
	if opts.Processor == nil {
		opts.Processor = DelayProcessor{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Service{
		opts:   opts,
		logger: opts.Logger,
		locks:  newKeyedLock(),
		orders: make(map[string]*record),
	}
	s.workCtx, s.cancelWork = context.WithCancel(context.Background())
	return s
}

// Submit runs an order through the state machine. Business outcomes
// (REJECTED, FAILED) come back as a result, not an error; the error is only
// set when the service cannot take the order at all.
//
// A second Submit with an id already seen returns the stored result without
// reprocessing.
func (s *Service) Submit(ctx context.Context, in *Order) (*OrderResult, error) {
	if in == nil {
		in = &Order{}
	}
	if in.ID == "" {
		code, msg := validate(in)
		return &OrderResult{Status: StatusRejected, ReasonCode: code, Message: msg}, nil
	}

	unlock := s.locks.Lock(in.ID)
	defer unlock()

	if rec := s.lookup(in.ID); rec != nil {
		res := *rec.result
		s.logger.Debug("duplicate submission", zap.String("order_id", in.ID), zap.String("status", string(res.Status)))
		return &res, nil
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	now := time.Now()
	order := in.clone()
	order.Status = StatusReceived
	order.CreatedAt, order.UpdatedAt = now, now
	rec := &record{order: order, result: &OrderResult{OrderID: order.ID, Status: StatusReceived}}
	s.mu.Lock()
	s.orders[order.ID] = rec
	s.mu.Unlock()

	s.mustAdvance(rec, StatusValidating, "", "")
	code, msg := validate(order)
	if code == "" && s.rejectAll.Load() {
		code, msg = ReasonRejectAllMode, "service is rejecting all new orders"
	}
	if code != "" {
		s.mustAdvance(rec, StatusRejected, code, msg)
		s.logger.Info("order rejected", zap.String("order_id", order.ID), zap.String("reason", string(code)))
		return s.resultOf(rec), nil
	}
	s.mustAdvance(rec, StatusAccepted, "", "")

	if s.opts.Mode == ModeAsync {
		s.workMu.Lock()
		if s.closed.Load() {
			s.workMu.Unlock()
			s.logger.Warn("service closing, order left ACCEPTED without a worker", zap.String("order_id", order.ID))
			return s.resultOf(rec), nil
		}
		s.workers.Add(1)
		s.workMu.Unlock()
		go func() {
			defer s.workers.Done()
			s.process(rec, true)
		}()
		return s.resultOf(rec), nil
	}
	s.process(rec, false)
	return s.resultOf(rec), nil
}

// process runs the processing stage for an ACCEPTED order. Async workers take
// the order's lock only to apply the outcome, so duplicate submissions are
// answered with ACCEPTED while processing runs.
func (s *Service) process(rec *record, lock bool) {
	s.mu.RLock()
	order := rec.order.clone()
	s.mu.RUnlock()

	err := s.opts.Processor.Process(s.workCtx, order)

	if lock {
		unlock := s.locks.Lock(order.ID)
		defer unlock()
	}
	switch {
	case err == nil:
		s.mustAdvance(rec, StatusProcessed, "", "")
		s.logger.Info("order processed", zap.String("order_id", order.ID))
	case s.workCtx.Err() != nil:
		// shutdown interrupted processing; ACCEPTED is the last consistent state
		s.logger.Warn("processing interrupted by shutdown, order left ACCEPTED", zap.String("order_id", order.ID))
	default:
		s.mustAdvance(rec, StatusFailed, ReasonProcessingError, err.Error())
		s.logger.Error("order processing failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// advance applies one transition. Callers hold the order's keyed lock.
func (s *Service) advance(rec *record, to Status, code ReasonCode, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := rec.order.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s for order %s", ErrInvalidTransition, from, to, rec.order.ID)
	}
	rec.order.Status = to
	rec.order.UpdatedAt = time.Now()
	rec.result = &OrderResult{OrderID: rec.order.ID, Status: to, ReasonCode: code, Message: msg}
	return nil
}

// mustAdvance is advance for transitions the caller's control flow guarantees.
func (s *Service) mustAdvance(rec *record, to Status, code ReasonCode, msg string) {
	if err := s.advance(rec, to, code, msg); err != nil {
		panic(err)
	}
}

func (s *Service) lookup(id string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[id]
}

func (s *Service) resultOf(rec *record) *OrderResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := *rec.result
	return &res
}

// Get returns a copy of the order with id.
func (s *Service) Get(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.order.clone(), nil
}

// List returns copies of the orders matching filter, oldest first.
func (s *Service) List(filter ListFilter) ([]Order, error) {
	var keep func(Status) bool
	switch filter {
	case "", ListAll:
		keep = func(Status) bool { return true }
	case ListOpen:
		keep = func(st Status) bool { return !st.Terminal() }
	case ListRejected:
		keep = func(st Status) bool { return st == StatusRejected || st == StatusFailed }
	default:
		return nil, fmt.Errorf("unknown list filter %q", filter)
	}

	s.mu.RLock()
	out := make([]Order, 0, len(s.orders))
	for _, rec := range s.orders {
		if keep(rec.order.Status) {
			out = append(out, *rec.order.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Info reports identity and counters; methods is filled in by the RPC layer.
func (s *Service) Info() Info {
	s.mu.RLock()
	count := len(s.orders)
	s.mu.RUnlock()

	st := "SERVING"
	if s.closed.Load() {
		st = "NOT_SERVING"
	}
	return Info{
		Name:       s.opts.Name,
		ID:         s.opts.ID,
		Version:    s.opts.Version,
		Mode:       s.opts.Mode,
		Status:     st,
		RejectAll:  s.rejectAll.Load(),
		OrderCount: count,
	}
}

// SetRejectAll toggles reject-all mode and returns the previous setting.
func (s *Service) SetRejectAll(on bool) bool {
	prev := s.rejectAll.Swap(on)
	if prev != on {
		s.logger.Warn("reject-all mode changed", zap.Bool("enabled", on))
	}
	return prev
}

// Serving is false once Close has started.
func (s *Service) Serving() bool {
	return !s.closed.Load()
}

// Close stops taking new orders and waits for async workers until ctx is
// done. Workers still running then are cancelled; their orders stay ACCEPTED.
func (s *Service) Close(ctx context.Context) error {
	s.workMu.Lock()
	s.closed.Store(true)
	s.workMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelWork()
		return nil
	case <-ctx.Done():
		s.cancelWork()
		return ctx.Err()
	}
}
