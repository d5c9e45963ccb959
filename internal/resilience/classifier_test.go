package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestDefaultClassifier_Classify(t *testing.T) {
	t.Parallel()

	classifier := NewDefaultClassifier()

	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{
			name:     "connection refused is transient",
			err:      fmt.Errorf("dial remote: %w", syscall.ECONNREFUSED),
			expected: Transient,
		},
		{
			name:     "connection reset is transient",
			err:      syscall.ECONNRESET,
			expected: Transient,
		},
		{
			name:     "network timeout is transient",
			err:      &net.OpError{Op: "dial", Err: timeoutError{}},
			expected: Transient,
		},
		{
			name:     "dns failure is transient",
			err:      &net.DNSError{Err: "no such host", Name: "origin.example.com"},
			expected: Transient,
		},
		{
			name:     "deadline exceeded is transient",
			err:      context.DeadlineExceeded,
			expected: Transient,
		},
		{
			name:     "http 429 is transient",
			err:      &HTTPStatusError{StatusCode: 429},
			expected: Transient,
		},
		{
			name:     "http 502 is transient",
			err:      &HTTPStatusError{StatusCode: 502},
			expected: Transient,
		},
		{
			name:     "http 503 is transient",
			err:      &HTTPStatusError{StatusCode: 503},
			expected: Transient,
		},
		{
			name:     "http 504 is transient",
			err:      &HTTPStatusError{StatusCode: 504},
			expected: Transient,
		},
		{
			name:     "http 401 is permanent",
			err:      &HTTPStatusError{StatusCode: 401},
			expected: Permanent,
		},
		{
			name:     "http 403 is permanent",
			err:      &HTTPStatusError{StatusCode: 403},
			expected: Permanent,
		},
		{
			name:     "http 404 is permanent",
			err:      &HTTPStatusError{StatusCode: 404},
			expected: Permanent,
		},
		{
			name:     "http 409 is permanent",
			err:      &HTTPStatusError{StatusCode: 409},
			expected: Permanent,
		},
		{
			name:     "context canceled is permanent",
			err:      context.Canceled,
			expected: Permanent,
		},
		{
			name:     "unknown error defaults to permanent",
			err:      errors.New("something unexpected"),
			expected: Permanent,
		},
		{
			name:     "explicitly marked transient",
			err:      MarkTransient(errors.New("flaky replication lag")),
			expected: Transient,
		},
		{
			name:     "explicitly marked permanent",
			err:      MarkPermanent(&net.DNSError{Err: "validated locally"}),
			expected: Permanent,
		},
		{
			name:     "marking survives wrapping",
			err:      fmt.Errorf("push failed: %w", MarkTransient(errors.New("remote hung up"))),
			expected: Transient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, classifier.Classify(tt.err))
		})
	}
}

func TestMarkTransient_NilPassthrough(t *testing.T) {
	t.Parallel()

	assert.NoError(t, MarkTransient(nil))
	assert.NoError(t, MarkPermanent(nil))
}

func TestErrorKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "permanent", Permanent.String())
}
