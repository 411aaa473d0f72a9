package publish

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/skysense/scan-transformer/internal/telemetry"
)

// FailureClass buckets a delivery error into a retry policy.
type FailureClass int

const (
	// BufferFull: downstream reports capacity exhaustion. Retry with a
	// longer backoff.
	BufferFull FailureClass = iota
	// RateLimit: throttling / HTTP 429 equivalent. Retry with a longer
	// backoff.
	RateLimit
	// NetworkIssue: connection-level failure. Retry.
	NetworkIssue
	// GenericFailure: everything else, including nil. Single retry, then
	// drop to the dead-letter sink.
	GenericFailure
)

func (c FailureClass) String() string {
	switch c {
	case BufferFull:
		return "buffer_full"
	case RateLimit:
		return "rate_limit"
	case NetworkIssue:
		return "network_issue"
	default:
		return "generic_failure"
	}
}

// Resolution order is fixed: BufferFull, then RateLimit, then
// NetworkIssue, then GenericFailure. Each class is counted exactly once
// per classified error.
var (
	bufferFullCodes = map[string]struct{}{
		"ServiceUnavailable":          {},
		"ServiceUnavailableException": {},
		"SlowDown":                    {},
	}
	rateLimitCodes = map[string]struct{}{
		"Throttling":                             {},
		"ThrottlingException":                    {},
		"TooManyRequestsException":               {},
		"LimitExceededException":                 {},
		"ProvisionedThroughputExceededException": {},
	}

	bufferFullKeywords = []string{"service unavailable", "buffer full", "capacity exceeded", "slow down"}
	rateLimitKeywords  = []string{"throttl", "rate limit", "too many requests", "429"}
	networkKeywords    = []string{
		"connection refused", "no such host", "unknown host",
		"connection reset", "broken pipe", "network is unreachable",
		"i/o timeout", "socket timeout",
	}
)

// Classifier buckets delivery errors and keeps a per-class counter.
type Classifier struct {
	counters telemetry.Counters
}

// NewClassifier builds a Classifier recording into the given sink.
func NewClassifier(counters telemetry.Counters) *Classifier {
	return &Classifier{counters: counters}
}

// Classify inspects, in order, the API error code, the message text
// (case-insensitive, covering the whole unwrap chain), and the error type.
func (c *Classifier) Classify(err error) FailureClass {
	class := classify(err)
	c.counters.Inc("delivery_failures", "class", class.String())
	return class
}

func classify(err error) FailureClass {
	if err == nil {
		return GenericFailure
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := bufferFullCodes[code]; ok {
			return BufferFull
		}
		if _, ok := rateLimitCodes[code]; ok {
			return RateLimit
		}
	}

	// err.Error() on a wrapped chain includes every layer's message, so a
	// substring match covers causes without walking the chain by hand.
	msg := strings.ToLower(err.Error())
	for _, kw := range bufferFullKeywords {
		if strings.Contains(msg, kw) {
			return BufferFull
		}
	}
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) {
			return RateLimit
		}
	}
	for _, kw := range networkKeywords {
		if strings.Contains(msg, kw) {
			return NetworkIssue
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return NetworkIssue
	}

	return GenericFailure
}
