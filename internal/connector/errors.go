package connector

import "errors"

var (
	// ErrNotConnected is returned synchronously by a query issued while the
	// client has no live connection. No frame is sent.
	ErrNotConnected = errors.New("server is not connected")

	// ErrConnectionLost rejects queries still waiting when the connection drops.
	ErrConnectionLost = errors.New("connection lost before response")

	// ErrSuperseded rejects a waiter replaced by a newer query of the same kind.
	ErrSuperseded = errors.New("request superseded by a newer request of the same type")

	// ErrMalformedResponse wraps a JSON decode failure of a response payload.
	// It fails the request only; the connection stays up.
	ErrMalformedResponse = errors.New("malformed response payload")

	// ErrClientClosed is returned once the client has been shut down.
	ErrClientClosed = errors.New("server client closed")
)
