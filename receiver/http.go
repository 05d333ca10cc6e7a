package receiver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"order-pipeline/orderservice"
	"order-pipeline/registry"
	"order-pipeline/resolver"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MaxOrderBytes bounds a POST /orders body. The order travels base64-encoded
// inside one RPC frame, so this stays well under protocol.MaxBodyLen.
const MaxOrderBytes = 8 << 20

// SubmitResponse is the body of every POST /orders answer.
type SubmitResponse struct {
	OrderID    string                  `json:"orderId"`
	Outcome    Outcome                 `json:"outcome"`
	Status     orderservice.Status     `json:"status,omitempty"`
	ReasonCode orderservice.ReasonCode `json:"reasonCode,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Layer      string                  `json:"layer,omitempty"`
}

type endpointView struct {
	ID       string            `json:"id"`
	Addr     string            `json:"addr"`
	Health   registry.Health   `json:"health"`
	LastSeen time.Time         `json:"lastSeen"`
	Meta     map[string]string `json:"meta,omitempty"`
}

type endpointsResponse struct {
	Service   string         `json:"service"`
	Version   uint64         `json:"version"`
	FetchedAt time.Time      `json:"fetchedAt"`
	Passing   int            `json:"passing"`
	Endpoints []endpointView `json:"endpoints"`
}

type Handler struct {
	dispatcher *Dispatcher
	resolver   *resolver.Resolver
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewHandler(d *Dispatcher, res *resolver.Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher: d,
		resolver:   res,
		logger:     logger,
		tracer:     otel.Tracer("order-pipeline/receiver"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.submitOrder)
	r.Get("/healthz", h.healthz)
	r.Get("/endpoints", h.endpoints)
	return r
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SubmitOrder")
	defer span.End()

	var order orderservice.Order
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxOrderBytes)).Decode(&order); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, code, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	res, err := h.dispatcher.SubmitOrder(ctx, &order)
	if err != nil {
		resp := SubmitResponse{OrderID: order.ID, Outcome: OutcomeDispatchFailed, Error: err.Error()}
		var derr *DispatchError
		if errors.As(err, &derr) {
			resp.Outcome = derr.Outcome
			resp.Layer = string(derr.Layer)
		}
		writeJSON(w, httpStatusOf(resp.Outcome), resp)
		return
	}

	outcome := OutcomeOf(res.Status)
	resp := SubmitResponse{
		OrderID:    order.ID,
		Outcome:    outcome,
		Status:     res.Status,
		ReasonCode: res.ReasonCode,
		Error:      res.Message,
	}
	h.logger.Info("order submitted", zap.String("order_id", order.ID), zap.String("outcome", string(outcome)))
	writeJSON(w, httpStatusOf(outcome), resp)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) endpoints(w http.ResponseWriter, r *http.Request) {
	service := h.dispatcher.Service()
	resp := endpointsResponse{Service: service, Endpoints: []endpointView{}}
	if snap := h.resolver.Snapshot(service); snap != nil {
		resp.Version = snap.Version
		resp.FetchedAt = snap.FetchedAt
		resp.Passing = len(snap.Passing())
		for _, ep := range snap.Endpoints {
			resp.Endpoints = append(resp.Endpoints, endpointView{
				ID:       ep.ID,
				Addr:     ep.Addr(),
				Health:   ep.Health,
				LastSeen: ep.LastSeen,
				Meta:     ep.Meta,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func httpStatusOf(o Outcome) int {
	switch o {
	case OutcomeAccepted, OutcomeProcessed:
		return http.StatusOK
	case OutcomeRejected:
		return http.StatusUnprocessableEntity
	case OutcomeFailed:
		return http.StatusInternalServerError
	case OutcomeNoHealthyEndpoints, OutcomePoolExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
