package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/skysense/scan-transformer/internal/telemetry"
)

const (
	backoffBase        = 100 * time.Millisecond
	backoffMultiplier  = 2.0
	backoffJitter      = 0.2
	defaultCallTimeout = 30 * time.Second
	defaultMaxAttempts = 3
)

// recordSender is the slice of the Firehose API the deliverer needs.
type recordSender interface {
	PutRecordBatch(ctx context.Context, params *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// DeadLetter receives records that exhausted their delivery attempts.
type DeadLetter interface {
	DeadLetter(ctx context.Context, records [][]byte, reason string)
}

// FirehoseDeliverer ships batches to a Kinesis Data Firehose delivery
// stream. Partial failures (per-record error codes in the response) are
// resubmitted alone; whole-call failures are retried according to their
// failure class.
type FirehoseDeliverer struct {
	client      recordSender
	streamName  string
	maxAttempts int
	callTimeout time.Duration
	classifier  *Classifier
	deadLetter  DeadLetter
	counters    telemetry.Counters
	logger      *zap.Logger
}

// NewFirehoseDeliverer constructs a deliverer for the named stream.
// maxAttempts <= 0 selects the default of 3.
func NewFirehoseDeliverer(
	client recordSender,
	streamName string,
	maxAttempts int,
	deadLetter DeadLetter,
	counters telemetry.Counters,
	logger *zap.Logger,
) *FirehoseDeliverer {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &FirehoseDeliverer{
		client:      client,
		streamName:  streamName,
		maxAttempts: maxAttempts,
		callTimeout: defaultCallTimeout,
		classifier:  NewClassifier(counters),
		deadLetter:  deadLetter,
		counters:    counters,
		logger:      logger,
	}
}

// Deliver implements Deliverer. On return every record has either been
// accepted downstream or handed to the dead-letter sink; the error reports
// the latter case for logging.
func (d *FirehoseDeliverer) Deliver(ctx context.Context, records [][]byte) error {
	remaining := records

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = backoffJitter
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		out, err := d.putBatch(ctx, remaining)
		if err != nil {
			class := d.classifier.Classify(err)
			lastErr = fmt.Errorf("put record batch (%s): %w", class, err)
			d.logger.Warn("delivery attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("records", len(remaining)),
				zap.String("class", class.String()),
				zap.Error(err),
			)
			// Generic failures get a single retry before dropping.
			if class == GenericFailure && attempt >= 2 {
				break
			}
			if attempt == d.maxAttempts {
				break
			}
			if err := d.wait(ctx, bo, class); err != nil {
				return err
			}
			continue
		}

		failed, code := failedSubset(remaining, out)
		delivered := len(remaining) - len(failed)
		d.counters.Add("records_delivered", int64(delivered))
		if len(failed) == 0 {
			return nil
		}

		class := d.classifier.Classify(&smithy.GenericAPIError{Code: code})
		lastErr = fmt.Errorf("%d of %d records rejected (%s)", len(failed), len(remaining), code)
		d.logger.Warn("partial delivery failure",
			zap.Int("attempt", attempt),
			zap.Int("failed", len(failed)),
			zap.Int("delivered", delivered),
			zap.String("error_code", code),
		)
		remaining = failed

		if attempt == d.maxAttempts {
			break
		}
		if err := d.wait(ctx, bo, class); err != nil {
			return err
		}
	}

	reason := "delivery attempts exhausted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	d.counters.Add("records_dead_lettered", int64(len(remaining)))
	d.deadLetter.DeadLetter(ctx, remaining, reason)
	return fmt.Errorf("delivery exhausted after %d attempts, %d records dead-lettered: %w",
		d.maxAttempts, len(remaining), lastErr)
}

func (d *FirehoseDeliverer) putBatch(ctx context.Context, records [][]byte) (*firehose.PutRecordBatchOutput, error) {
	// Records are newline-delimited in the stream so downstream readers
	// can split the concatenated objects.
	entries := make([]types.Record, len(records))
	for i, data := range records {
		line := make([]byte, 0, len(data)+1)
		line = append(line, data...)
		entries[i] = types.Record{Data: append(line, '\n')}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	return d.client.PutRecordBatch(callCtx, &firehose.PutRecordBatchInput{
		DeliveryStreamName: aws.String(d.streamName),
		Records:            entries,
	})
}

// wait sleeps for the next backoff interval, doubled for capacity-style
// failures where hammering the stream only makes things worse.
func (d *FirehoseDeliverer) wait(ctx context.Context, bo backoff.BackOff, class FailureClass) error {
	interval := bo.NextBackOff()
	if class == BufferFull || class == RateLimit {
		interval *= 2
	}
	select {
	case <-time.After(interval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failedSubset extracts, in order, the records the downstream rejected,
// plus the first error code seen (for classification).
func failedSubset(records [][]byte, out *firehose.PutRecordBatchOutput) ([][]byte, string) {
	if out.FailedPutCount == nil || *out.FailedPutCount == 0 {
		return nil, ""
	}
	var failed [][]byte
	var firstCode string
	for i, resp := range out.RequestResponses {
		if i >= len(records) {
			break
		}
		if resp.ErrorCode != nil {
			failed = append(failed, records[i])
			if firstCode == "" {
				firstCode = *resp.ErrorCode
			}
		}
	}
	return failed, firstCode
}
