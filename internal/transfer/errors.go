package transfer

import "errors"

// Error classes. Drivers wrap the underlying cause so callers can test the
// class with errors.Is.
var (
	// ErrTransport is a connect, send or receive failure.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is a malformed or unacceptable response from the peer.
	ErrProtocol = errors.New("protocol error")
	// ErrAllocation is a buffer that could not grow to hold the response.
	ErrAllocation = errors.New("allocation failure")
	// ErrRedirectLoop is more consecutive redirects than Limits.MaxRedirects.
	ErrRedirectLoop = errors.New("redirect limit exceeded")
	// ErrHeaderTooLarge is a header block not terminated within
	// Limits.MaxHeaderBytes. It is also an ErrProtocol.
	ErrHeaderTooLarge = &classError{msg: "response header too large", class: ErrProtocol}
	// ErrUnsupportedScheme is a URL scheme other than http or ftp.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	// ErrNotBuilt is Advance on an HTTP request with nothing to send.
	ErrNotBuilt = errors.New("request has not been built")
)

type classError struct {
	msg   string
	class error
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() error { return e.class }
