package types

import "errors"

// Error taxonomy for the polling pipeline. Call sites classify with
// fmt.Errorf("%w: ...", ErrX) and callers match with errors.Is.
var (
	// ErrConnection covers socket-level failures: refused dials, resets,
	// a peer closing mid-exchange.
	ErrConnection = errors.New("connection error")

	// ErrTimeout means no timely response arrived for a request.
	ErrTimeout = errors.New("request timeout")

	// ErrProtocol covers malformed frames, transaction id mismatches and
	// device-signalled exception responses.
	ErrProtocol = errors.New("protocol error")

	// ErrDecode means a raw payload does not fit the declared register map.
	ErrDecode = errors.New("decode error")

	// ErrConfig is fatal at startup; it never occurs once pollers run.
	ErrConfig = errors.New("invalid configuration")
)
