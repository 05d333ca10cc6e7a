// Package message defines the RPC envelope exchanged between the order receiver and order services.
//
// RPCMessage is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Meta keys understood by the server.
const (
	MetaDeadline = "x-deadline-unix-nano" // absolute attempt deadline set by the caller
)

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Meta carries deadline and trace context.
//   - On response: Payload contains the serialized reply; Code is non-OK and Error is set if the call failed.
//
// A failed response may still carry a Payload: a rejected order returns its OrderResult
// together with codes.InvalidArgument.
type RPCMessage struct {
	ServiceMethod string            // "ServiceName.MethodName", e.g. "OrderService.SubmitOrder"
	Code          codes.Code        // codes.OK on success
	Error         string            // human readable status message when Code != OK
	Payload       []byte            // JSON-encoded args (request) or reply (response)
	Meta          map[string]string `json:",omitempty"`
}

// Failed reports whether the message carries a non-OK status.
func (m *RPCMessage) Failed() bool {
	return m.Code != codes.OK || m.Error != ""
}

// Status rebuilds the status carried by a response. A message with an Error
// but no Code (e.g. a transport failure synthesized locally) maps to Unknown.
func (m *RPCMessage) Status() *status.Status {
	if m.Code == codes.OK && m.Error != "" {
		return status.New(codes.Unknown, m.Error)
	}
	return status.New(m.Code, m.Error)
}

// Errorf builds a response carrying only a status.
func Errorf(serviceMethod string, c codes.Code, msg string) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Code: c, Error: msg}
}
