package publish

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/skysense/scan-transformer/internal/telemetry"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "request stalled" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, GenericFailure},
		{"api code service unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailableException"}, BufferFull},
		{"api code slow down", &smithy.GenericAPIError{Code: "SlowDown"}, BufferFull},
		{"api code throttling", &smithy.GenericAPIError{Code: "ThrottlingException"}, RateLimit},
		{"api code provisioned throughput", &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}, RateLimit},
		{"api code unknown falls through to message", &smithy.GenericAPIError{Code: "InternalFailure", Message: "connection reset by peer"}, NetworkIssue},
		{"keyword buffer full", errors.New("downstream buffer full, try later"), BufferFull},
		{"keyword rate limit", errors.New("request rate limit hit"), RateLimit},
		{"keyword 429", errors.New("unexpected status 429"), RateLimit},
		{"keyword connection refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), NetworkIssue},
		{"keyword no such host", errors.New("lookup firehose.local: no such host"), NetworkIssue},
		{"wrapped cause message", fmt.Errorf("put batch: %w", errors.New("read: connection reset by peer")), NetworkIssue},
		{"buffer full beats rate limit", errors.New("slow down: too many requests"), BufferFull},
		{"rate limit beats network", errors.New("throttled: i/o timeout"), RateLimit},
		{"net.Error without keyword", timeoutErr{}, NetworkIssue},
		{"deadline exceeded", fmt.Errorf("call: %w", context.DeadlineExceeded), NetworkIssue},
		{"opaque", errors.New("something unexpected"), GenericFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestClassifier_CountsEachClassOnce(t *testing.T) {
	counters := telemetry.NewMemCounters()
	c := NewClassifier(counters)

	c.Classify(&smithy.GenericAPIError{Code: "ThrottlingException"})
	c.Classify(&smithy.GenericAPIError{Code: "ThrottlingException"})
	c.Classify(errors.New("connection refused"))
	c.Classify(nil)

	assert.Equal(t, int64(2), counters.Get("delivery_failures|class=rate_limit"))
	assert.Equal(t, int64(1), counters.Get("delivery_failures|class=network_issue"))
	assert.Equal(t, int64(1), counters.Get("delivery_failures|class=generic_failure"))
	assert.Equal(t, int64(4), counters.Total("delivery_failures"))
}
