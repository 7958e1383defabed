// Package errs defines the error kinds used across the proxy.
//
// Every fallible operation in the pipeline returns one of a small set of
// kinds: ConfigError, NetworkError, TlsError, CryptoError, RequestError,
// ServerError. Callers that need to branch on kind use errors.As; callers
// that only need to log or respond to the client can use Error() directly.
package errs

import "fmt"

// Kind identifies the category of a proxy error.
type Kind int

const (
	// Config indicates a PEM load or passphrase failure at startup.
	Config Kind = iota
	// Network indicates a dial or I/O failure on either TLS leg.
	Network
	// Tls indicates a handshake failure, spoofed-cert rejection, or a
	// missing peer certificate.
	Tls
	// Crypto indicates a signing or ASN.1 failure while spoofing a leaf.
	Crypto
	// Request indicates a malformed request: bad CONNECT, invalid URI.
	Request
	// Server indicates a synchronizer/queue failure surfaced to a caller.
	Server
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Network:
		return "NetworkError"
	case Tls:
		return "TlsError"
	case Crypto:
		return "CryptoError"
	case Request:
		return "RequestError"
	case Server:
		return "ServerError"
	default:
		return "Error"
	}
}

// Error is a kinded error with a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%q): %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s(%q)", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, ignoring
// Msg/Err, so callers can do errors.Is(err, errs.RequestError) style
// checks via the Kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a kinded error with no wrapped cause.
func New(k Kind, msg string) *Error { return &Error{Kind: k, Msg: msg} }

// Wrap builds a kinded error with a wrapped cause.
func Wrap(k Kind, msg string, err error) *Error { return &Error{Kind: k, Msg: msg, Err: err} }

// ConfigError is a sentinel for errors.Is(err, errs.ConfigError) matching.
var ConfigError = &Error{Kind: Config}

// NetworkError is a sentinel for errors.Is(err, errs.NetworkError) matching.
var NetworkError = &Error{Kind: Network}

// TlsError is a sentinel for errors.Is(err, errs.TlsError) matching.
var TlsError = &Error{Kind: Tls}

// CryptoError is a sentinel for errors.Is(err, errs.CryptoError) matching.
var CryptoError = &Error{Kind: Crypto}

// RequestError is a sentinel for errors.Is(err, errs.RequestError) matching.
var RequestError = &Error{Kind: Request}

// ServerError is a sentinel for errors.Is(err, errs.ServerError) matching.
var ServerError = &Error{Kind: Server}
