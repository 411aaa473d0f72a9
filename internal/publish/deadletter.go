package publish

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/skysense/scan-transformer/internal/natsclient"
)

// NATSDeadLetter publishes exhausted records to the JetStream dead-letter
// stream so they can be replayed once the downstream recovers.
type NATSDeadLetter struct {
	nc     *natsclient.Client
	logger *zap.Logger
}

// NewNATSDeadLetter wraps an established JetStream client. The dead-letter
// stream must already be provisioned (natsclient.ProvisionDeadLetterStream).
func NewNATSDeadLetter(nc *natsclient.Client, logger *zap.Logger) *NATSDeadLetter {
	return &NATSDeadLetter{nc: nc, logger: logger}
}

// DeadLetter implements the sink. Each record is published individually so
// replay tooling can re-ingest records one at a time; the reason travels in
// a header.
func (d *NATSDeadLetter) DeadLetter(ctx context.Context, records [][]byte, reason string) {
	for _, record := range records {
		msg := nats.NewMsg(natsclient.SubjectDeadLetterMeasurements)
		msg.Header.Set("Dead-Letter-Reason", reason)
		msg.Data = record

		if _, err := d.nc.JS.PublishMsg(msg, nats.Context(ctx)); err != nil {
			// Nothing left to do but log; the record is lost.
			d.logger.Error("dead-letter publish failed",
				zap.Int("bytes", len(record)),
				zap.Error(err),
			)
		}
	}
	d.logger.Warn("records dead-lettered",
		zap.Int("count", len(records)),
		zap.String("reason", reason),
	)
}

// LogDeadLetter is the fallback sink used when no NATS URL is configured:
// it logs the loss and drops the records.
type LogDeadLetter struct {
	logger *zap.Logger
}

// NewLogDeadLetter builds the fallback sink.
func NewLogDeadLetter(logger *zap.Logger) *LogDeadLetter {
	return &LogDeadLetter{logger: logger}
}

// DeadLetter implements the sink.
func (d *LogDeadLetter) DeadLetter(_ context.Context, records [][]byte, reason string) {
	d.logger.Error("dropping undeliverable records (no dead-letter stream configured)",
		zap.Int("count", len(records)),
		zap.String("reason", reason),
	)
}
