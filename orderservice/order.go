package orderservice

import (
	"errors"
	"fmt"
	"time"
)

// Status is an order's position in the state machine.
//
//	RECEIVED → VALIDATING → REJECTED
//	                      → ACCEPTED → PROCESSED
//	                                 → FAILED
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusValidating Status = "VALIDATING"
	StatusAccepted   Status = "ACCEPTED"
	StatusRejected   Status = "REJECTED"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusProcessed || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusReceived:   {StatusValidating},
	StatusValidating: {StatusAccepted, StatusRejected},
	StatusAccepted:   {StatusProcessed, StatusFailed},
}

// ErrInvalidTransition is returned for any move the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid order status transition")

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReasonCode explains a REJECTED or FAILED result.
type ReasonCode string

const (
	ReasonMissingOrderID  ReasonCode = "MISSING_ORDER_ID"
	ReasonEmptyItems      ReasonCode = "EMPTY_ITEMS"
	ReasonMissingSKU      ReasonCode = "MISSING_SKU"
	ReasonInvalidQuantity ReasonCode = "INVALID_QUANTITY"
	ReasonInvalidPrice    ReasonCode = "INVALID_PRICE"
	ReasonRejectAllMode   ReasonCode = "REJECT_ALL_MODE"
	ReasonProcessingError ReasonCode = "PROCESSING_ERROR"
)

type LineItem struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"priceCents"`
}

type Order struct {
	ID        string     `json:"id"`
	Customer  string     `json:"customer"`
	Items     []LineItem `json:"items"`
	Status    Status     `json:"status,omitempty"`
	CreatedAt time.Time  `json:"createdAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt,omitempty"`
}

func (o *Order) clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	return &c
}

// OrderResult is what SubmitOrder returns to the caller.
type OrderResult struct {
	OrderID    string     `json:"orderId"`
	Status     Status     `json:"status"`
	ReasonCode ReasonCode `json:"reasonCode,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// validate checks the structural constraints of an order. It returns an empty
// code when the order is well formed.
func validate(o *Order) (ReasonCode, string) {
	if o.ID == "" {
		return ReasonMissingOrderID, "order id is required"
	}
	if len(o.Items) == 0 {
		return ReasonEmptyItems, "order has no line items"
	}
	for i, item := range o.Items {
		switch {
		case item.SKU == "":
			return ReasonMissingSKU, fmt.Sprintf("item %d has no sku", i)
		case item.Quantity <= 0:
			return ReasonInvalidQuantity, fmt.Sprintf("item %d (%s) has quantity %d", i, item.SKU, item.Quantity)
		case item.PriceCents <= 0:
			return ReasonInvalidPrice, fmt.Sprintf("item %d (%s) has price %d", i, item.SKU, item.PriceCents)
		}
	}
	return "", ""
}
