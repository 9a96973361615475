package flagwire

import "errors"

var (
	// ErrInitializationTimeout is returned by MakeClient when the client did
	// not become ready within the caller's wait duration. The client is still
	// usable and may finish initializing later.
	ErrInitializationTimeout = errors.New("timed out waiting for client initialization")

	// ErrInitializationFailed is returned by MakeClient when the data source
	// failed permanently, such as a rejected SDK key.
	ErrInitializationFailed = errors.New("client initialization failed permanently")

	// ErrClientClosed is returned by operations invoked after Close.
	ErrClientClosed = errors.New("client is closed")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)
