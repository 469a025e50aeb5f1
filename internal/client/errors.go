package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrCancelled is returned by Fetch when the sink aborts the transfer. It is
// user-driven and never reported as a download error.
var ErrCancelled = errors.New("transfer cancelled by caller")

// Kind classifies transfer failures into the retry taxonomy. Workers consult
// Retriable to decide between backoff-and-retry and giving up.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindConnect
	KindResolve
	KindReset
	KindHTTP
	KindTLS
)

// TransferError carries the failure kind and, for HTTP failures, the status
// code that produced it.
type TransferError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("unexpected status code: %d", e.Status)
	case KindTLS:
		return fmt.Sprintf("TLS verification failed: %v", e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *TransferError) Unwrap() error { return e.Err }

// Retriable reports whether a fresh attempt might succeed. Network-level
// failures and throttling/server-side statuses retry; client errors and TLS
// failures do not.
func (e *TransferError) Retriable() bool {
	switch e.Kind {
	case KindTimeout, KindConnect, KindResolve, KindReset:
		return true
	case KindHTTP:
		switch e.Status {
		case 408, 429, 500, 502, 503, 504, 509:
			return true
		}
		return false
	case KindTLS:
		return false
	default:
		return true
	}
}

// Retriable is the package-level helper used by workers: cancellation is not
// retriable, unclassified errors default to retriable like other transport
// failures.
func Retriable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retriable()
	}
	return true
}

// StatusError builds the error for a non-success HTTP status.
func StatusError(status int) *TransferError {
	return &TransferError{Kind: KindHTTP, Status: status}
}

// Classify wraps a transport error with its taxonomy kind.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	var verifyErr *tls.CertificateVerificationError
	var certErr x509.CertificateInvalidError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &verifyErr) || errors.As(err, &certErr) ||
		errors.As(err, &authErr) || errors.As(err, &hostErr) {
		return &TransferError{Kind: KindTLS, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransferError{Kind: KindResolve, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransferError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransferError{Kind: KindTimeout, Err: err}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return &TransferError{Kind: KindReset, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return &TransferError{Kind: KindConnect, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransferError{Kind: KindConnect, Err: err}
	}

	return &TransferError{Kind: KindUnknown, Err: err}
}
