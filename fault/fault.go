// Package fault annotates errors with the layer they came from and the kind of
// fault they represent, so the top of the dispatch path can tell "no endpoints"
// from "endpoint rejected" from "endpoint unreachable".
package fault

import (
	"errors"
	"fmt"
)

// Layer names the component a fault originated in.
type Layer string

const (
	LayerRegistry   Layer = "registry"
	LayerResolver   Layer = "resolver"
	LayerPool       Layer = "pool"
	LayerDispatcher Layer = "dispatcher"
	LayerRemote     Layer = "remote" // the endpoint answered with a non-OK status
)

// Kind classifies a fault by how a caller should react to it.
type Kind int

const (
	KindUnknown   Kind = iota
	KindTransient      // connection refused, timeout, unavailable: fail over
	KindPermanent      // business rejection or programming error: never retry
	KindExhausted      // no healthy endpoints, pool saturated, attempt budget spent
	KindFatal          // startup failures
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindExhausted:
		return "exhausted"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is a fault annotated with its layer of origin.
type Error struct {
	Layer    Layer
	Kind     Kind
	Endpoint string // host:port when the fault concerns one endpoint
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s (%s, %s): %v", e.Layer, e.Kind, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Layer, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err; a nil err stays nil.
func Wrap(layer Layer, kind Kind, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Layer: layer, Kind: kind, Endpoint: endpoint, Err: err}
}

// LayerOf returns the innermost annotated layer, i.e. where the fault started.
func LayerOf(err error) Layer {
	var origin Layer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if fe, ok := e.(*Error); ok {
			origin = fe.Layer
		}
	}
	return origin
}

// KindOf returns the outermost classification. Upper layers may reclassify a
// fault, e.g. the dispatcher turns the last transient fault into KindExhausted.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried against another endpoint.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
