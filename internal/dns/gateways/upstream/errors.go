package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
)

// Kind classifies why a relay produced no response.
type Kind int

const (
	// KindUnexpected covers every I/O or platform fault that is neither a timeout
	// nor a TLS failure, including refused connections and truncated replies.
	KindUnexpected Kind = iota
	// KindTimeout means a dial, handshake, write or read did not finish in time.
	KindTimeout
	// KindSecureChannel means TLS negotiation or peer verification failed.
	KindSecureChannel
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindSecureChannel:
		return "secure_channel"
	default:
		return "unexpected"
	}
}

// Sentinels for errors.Is matching against a *RelayError.
var (
	ErrTimeout       = errors.New("upstream timeout")
	ErrSecureChannel = errors.New("upstream secure channel error")
	ErrUnexpected    = errors.New("upstream unexpected error")
)

// RelayError is returned by Relay for every failed exchange.
type RelayError struct {
	Kind     Kind
	Upstream string
	Err      error
}

func (e *RelayError) Error() string {
	return "relay to " + e.Upstream + " failed (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to e.Kind.
func (e *RelayError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrSecureChannel:
		return e.Kind == KindSecureChannel
	case ErrUnexpected:
		return e.Kind == KindUnexpected
	}
	return false
}

// KindOf returns the Kind carried by err, or KindUnexpected when err is not a RelayError.
func KindOf(err error) Kind {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnexpected
}

// phase is the step of an exchange in which an error occurred.
type phase int

const (
	phaseDial phase = iota
	phaseHandshake
	phaseExchange
)

// classify maps a raw error to a Kind. Timeouts win over everything else; any
// other failure while negotiating TLS is a secure channel error.
func classify(ctx context.Context, p phase, err error) Kind {
	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	if p == phaseHandshake || isTLSFailure(err) {
		return KindSecureChannel
	}
	return KindUnexpected
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSFailure(err error) bool {
	var (
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		hostErr    x509.HostnameError
		authErr    x509.UnknownAuthorityError
		invalidErr x509.CertificateInvalidError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &invalidErr)
}
