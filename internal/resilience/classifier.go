package resilience

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind categorizes a failure for retry purposes.
type ErrorKind int

const (
	// Transient errors may succeed on retry (timeouts, refused connections,
	// DNS failures, server overload).
	Transient ErrorKind = iota

	// Permanent errors will not be fixed by retrying (auth failures,
	// missing resources, local validation errors).
	Permanent
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Classifier decides whether an error is worth retrying.
//
//go:generate mockgen -destination=mocks/mock_classifier.go -package=mocks -source=classifier.go Classifier
type Classifier interface {
	// Classify categorizes err as Transient or Permanent. Errors it cannot
	// recognize are Permanent, so retries never mask unknown failure modes.
	Classify(err error) ErrorKind
}

// classifiedError carries an explicit kind assigned at the point where the
// failure semantics are known (for example the VCS transport layer).
type classifiedError struct {
	err  error
	kind ErrorKind
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// MarkTransient wraps err so the classifier treats it as Transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, kind: Transient}
}

// MarkPermanent wraps err so the classifier treats it as Permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, kind: Permanent}
}

// HTTPStatusError represents a failed HTTP exchange with a remote endpoint.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// defaultClassifier implements Classifier with the standard taxonomy.
type defaultClassifier struct{}

// NewDefaultClassifier creates the standard error classifier.
func NewDefaultClassifier() Classifier {
	return &defaultClassifier{}
}

// Classify categorizes err as Transient or Permanent.
func (*defaultClassifier) Classify(err error) ErrorKind {
	if err == nil {
		return Permanent
	}

	// Explicit markings win over heuristics.
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.kind
	}

	// Cancellation is a caller decision, never retried.
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyHTTPStatus(statusErr.StatusCode)
	}

	// DNS resolution failures come and go with connectivity.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	if isTransientSyscall(err) {
		return Transient
	}

	// A TLS handshake cut short by a flaky link is retryable; certificate
	// validation failures are not and do not surface as RecordHeaderError.
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return Transient
	}

	return Permanent
}

// classifyHTTPStatus maps response codes to retry categories.
func classifyHTTPStatus(code int) ErrorKind {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return Transient
	default:
		return Permanent
	}
}

// isTransientSyscall reports whether err is a connection-level failure that
// typically clears once the link recovers.
func isTransientSyscall(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
