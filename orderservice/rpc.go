package orderservice

import (
	"context"
	"errors"
	"sort"

	"order-pipeline/server"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RPC service and method names.
const (
	SubmitOrderMethod  = "OrderService.SubmitOrder"
	GetOrderMethod     = "OrderAdmin.GetOrder"
	ListOrdersMethod   = "OrderAdmin.ListOrders"
	ServiceInfoMethod  = "OrderAdmin.ServiceInfo"
	SetRejectAllMethod = "OrderAdmin.SetRejectAll"
)

// OrderService is the RPC face of Service.Submit.
//
// The result is always written, and the returned status tells the caller how
// to treat it: InvalidArgument for REJECTED, Internal for FAILED, Unavailable
// while shutting down.
type OrderService struct {
	svc *Service
}

func (h *OrderService) SubmitOrder(ctx context.Context, order *Order, result *OrderResult) error {
	res, err := h.svc.Submit(ctx, order)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	*result = *res
	switch res.Status {
	case StatusRejected:
		return status.Errorf(codes.InvalidArgument, "%s: %s", res.ReasonCode, res.Message)
	case StatusFailed:
		return status.Errorf(codes.Internal, "%s: %s", res.ReasonCode, res.Message)
	}
	return nil
}

type GetOrderArgs struct {
	ID string `json:"id"`
}

type ListOrdersArgs struct {
	Filter ListFilter `json:"filter"`
}

type ListOrdersReply struct {
	Orders []Order `json:"orders"`
}

type ServiceInfoArgs struct{}

type SetRejectAllArgs struct {
	Enabled bool `json:"enabled"`
}

type SetRejectAllReply struct {
	Previous bool `json:"previous"`
	Enabled  bool `json:"enabled"`
}

// OrderAdmin exposes inspection and operator controls.
type OrderAdmin struct {
	svc     *Service
	methods func() []string
}

func (h *OrderAdmin) GetOrder(args *GetOrderArgs, reply *Order) error {
	order, err := h.svc.Get(args.ID)
	if err != nil {
		return status.Error(codes.NotFound, err.Error())
	}
	*reply = *order
	return nil
}

func (h *OrderAdmin) ListOrders(args *ListOrdersArgs, reply *ListOrdersReply) error {
	orders, err := h.svc.List(args.Filter)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	reply.Orders = orders
	return nil
}

func (h *OrderAdmin) ServiceInfo(_ *ServiceInfoArgs, reply *Info) error {
	*reply = h.svc.Info()
	if h.methods != nil {
		reply.Methods = h.methods()
		sort.Strings(reply.Methods)
	}
	return nil
}

func (h *OrderAdmin) SetRejectAll(args *SetRejectAllArgs, reply *SetRejectAllReply) error {
	reply.Previous = h.svc.SetRejectAll(args.Enabled)
	reply.Enabled = args.Enabled
	return nil
}

// Register exposes svc on svr as the OrderService and OrderAdmin RPC services.
func Register(svr *server.Server, svc *Service) error {
	if err := svr.Register(&OrderService{svc: svc}); err != nil {
		return err
	}
	return svr.Register(&OrderAdmin{svc: svc, methods: svr.Methods})
}
