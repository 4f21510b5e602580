package esc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAliveConnections is returned when the pool has neither alive nor resurrectable connections left.
	// you can check for this error with errors.Is
	ErrNoAliveConnections = errors.New("no alive connections in the pool")

	// ErrPoolShutdown is returned when a connection pool shutdown has been triggered
	ErrPoolShutdown = errors.New("connection pool closed")

	// ErrServiceShutdown is returned when the SearchService shutdown has been triggered
	ErrServiceShutdown = errors.New("search service shutdown")

	// ErrSniffNoHosts is returned when a discovery round produced no usable hosts.
	ErrSniffNoHosts = errors.New("unable to sniff hosts, no viable hosts found")

	// ErrSniffFailed is returned when no candidate connection answered a discovery request.
	ErrSniffFailed = errors.New("unable to sniff hosts, no candidate connection answered")

	// ErrTransportShutdown is returned when the transport shutdown has been triggered
	ErrTransportShutdown = errors.New("transport is shutdown")
)

// ConnectionError indicates a request never produced an HTTP response (dns, socket or tls failure).
// The failing node should be marked dead and the request is safe to retry elsewhere.
type ConnectionError struct {
	Node string
	Op   string
	Err  error
}

// Error prints the node and the underlying failure.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on %s during %s: %s", e.Node, e.Op, e.Err)
}

// Unwrap yields the underlying error for errors.Is/errors.As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ConnectionTimeoutError indicates the node did not answer within the request timeout.
// It matches errors.As for both itself and ConnectionError.
type ConnectionTimeoutError struct {
	ConnectionError
}

// Error prints the node and the underlying timeout.
func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection timeout on %s during %s: %s", e.Node, e.Op, e.Err)
}

// Unwrap yields the embedded ConnectionError so subtype checks keep working.
func (e *ConnectionTimeoutError) Unwrap() error {
	return &e.ConnectionError
}

// HTTPStatusError is returned when the caller listed the response status in errorOn.
// Status codes are data everywhere else.
type HTTPStatusError struct {
	Node       string
	StatusCode int
	Body       []byte
}

// Error prints the status code and node.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.StatusCode, e.Node)
}

// SerializationError indicates a request body could not be encoded or a response body could not be decoded.
// It is never retried.
type SerializationError struct {
	Err error
}

// Error prints the underlying serializer failure.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed: %s", e.Err)
}

// Unwrap yields the underlying error for errors.Is/errors.As.
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsTimeout determines if any error in the chain was a connection timeout.
func IsTimeout(err error) bool {
	var te *ConnectionTimeoutError
	return errors.As(err, &te)
}
