// Package lookup provides asynchronous clients for the reference-data lookup services.
//
// ProductClient resolves product names with one unary call per lookup.
// BrokerStreamClient multiplexes broker lookups over a single long-lived
// bidirectional stream and correlates out-of-order replies by key.
//
// Both return a *future.Future[string] from Lookup, and both report failures with
// the error kinds defined here.
package lookup

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any NotFoundError.
	ErrNotFound = errors.New("reference id not found")

	// ErrTransport matches any TransportError.
	ErrTransport = errors.New("lookup transport failure")

	// ErrNotConnected matches any NotConnectedError.
	ErrNotConnected = errors.New("lookup stream not connected")

	// ErrClientClosed is wrapped by the TransportError that fails requests pending at Close.
	ErrClientClosed = errors.New("lookup client closed")

	// ErrRequestTimeout is wrapped by the TransportError of a request that outlived RequestTimeout.
	ErrRequestTimeout = errors.New("lookup request timed out")
)

// NotFoundError reports an id absent from the server's reference map.
type NotFoundError struct {
	Kind string // "product" or "broker"
	ID   int32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransportError reports an RPC channel failure. It is recoverable per record.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NotConnectedError reports a streaming request submitted outside the Open state.
type NotConnectedError struct {
	State State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("lookup stream not connected (state %s)", e.State)
}

func (e *NotConnectedError) Is(target error) bool {
	return target == ErrNotConnected
}
