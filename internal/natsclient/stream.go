package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamDeadLetter is the durable stream holding records the delivery
	// client gave up on.
	StreamDeadLetter = "DEAD_LETTER"
	// SubjectDeadLetter is the wildcard subject hierarchy for dead letters.
	SubjectDeadLetter = "deadletter.>"
	// SubjectDeadLetterMeasurements receives exhausted measurement records.
	SubjectDeadLetterMeasurements = "deadletter.measurements"
)

// ProvisionDeadLetterStream idempotently creates the dead-letter stream.
func (c *Client) ProvisionDeadLetterStream() error {
	_, err := c.JS.StreamInfo(StreamDeadLetter)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamDeadLetter))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamDeadLetter,
		Subjects:  []string{SubjectDeadLetter},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamDeadLetter))
	return nil
}
