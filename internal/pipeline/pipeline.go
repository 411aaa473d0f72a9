// Package pipeline processes one object-store notification end to end:
// fetch, decode, parse, transform, publish. The outcome tells the ingest
// loop whether to ack the queue message or leave it for redelivery.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/skysense/scan-transformer/internal/decode"
	"github.com/skysense/scan-transformer/internal/model"
	"github.com/skysense/scan-transformer/internal/telemetry"
	"github.com/skysense/scan-transformer/internal/transform"
)

// Outcome is the terminal state of processing one notification.
type Outcome int

const (
	// OK: every surviving record was handed to the publisher. Ack.
	OK Outcome = iota
	// Retriable: a transient dependency failure. Leave the message
	// un-acked so the queue redelivers it.
	Retriable
	// Drop: the payload is permanently bad. Ack so it stops redelivering.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Retriable:
		return "retriable"
	default:
		return "drop"
	}
}

// Notification references one newly created object in the store.
type Notification struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
}

// objectFetcher is the slice of the S3 API the pipeline needs.
type objectFetcher interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// measurementSink decouples the pipeline from the publisher for testing.
type measurementSink interface {
	Publish(m *model.Measurement)
	Flush()
}

const (
	defaultFetchTimeout = 10 * time.Second
	softBudget          = 5 * time.Second
)

// Processor wires the per-notification stages behind a single entrypoint.
// Safe for concurrent use; each call is independent.
type Processor struct {
	store        objectFetcher
	transformer  *transform.Transformer
	sink         measurementSink
	counters     telemetry.Counters
	logger       *zap.Logger
	tracer       trace.Tracer
	fetchTimeout time.Duration
}

// NewProcessor constructs a Processor over pre-built dependencies.
func NewProcessor(
	store objectFetcher,
	transformer *transform.Transformer,
	sink measurementSink,
	counters telemetry.Counters,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		store:        store,
		transformer:  transformer,
		sink:         sink,
		counters:     counters,
		logger:       logger,
		tracer:       otel.Tracer("scan-transformer/pipeline"),
		fetchTimeout: defaultFetchTimeout,
	}
}

// Process runs one notification through the pipeline. Records that fail
// per-record validation are skipped inside the transformer and never fail
// the message; only fetch-stage transience yields Retriable.
func (p *Processor) Process(ctx context.Context, n Notification) Outcome {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Process", trace.WithAttributes(
		attribute.String("object.bucket", n.Bucket),
		attribute.String("object.key", n.Key),
	))
	defer span.End()
	defer func() {
		if elapsed := time.Since(start); elapsed > softBudget {
			p.logger.Warn("notification processing exceeded soft budget",
				zap.String("key", n.Key),
				zap.Duration("elapsed", elapsed),
			)
		}
	}()

	raw, outcome := p.fetch(ctx, n)
	if outcome != OK {
		p.counters.Inc("notifications_processed", "outcome", outcome.String())
		return outcome
	}

	doc, err := decode.Decode(raw)
	if err != nil {
		p.counters.Inc("payload_errors", "kind", string(decode.KindOf(err)))
		p.counters.Inc("notifications_processed", "outcome", "drop")
		p.logger.Warn("undecodable payload, dropping",
			zap.String("bucket", n.Bucket),
			zap.String("key", n.Key),
			zap.Error(err),
		)
		return Drop
	}

	scan, err := model.ParseScanData(doc)
	if err != nil {
		p.counters.Inc("payload_errors", "kind", "bad_json")
		p.counters.Inc("notifications_processed", "outcome", "drop")
		p.logger.Warn("unparseable scan payload, dropping",
			zap.String("key", n.Key),
			zap.Error(err),
		)
		return Drop
	}

	// One batch id per worker invocation; every record from this payload
	// carries it.
	batchID := uuid.NewString()
	records := p.transformer.Transform(scan, batchID)
	for i := range records {
		p.sink.Publish(&records[i])
	}
	p.sink.Flush()

	p.counters.Inc("notifications_processed", "outcome", "ok")
	p.logger.Debug("notification processed",
		zap.String("key", n.Key),
		zap.String("batch_id", batchID),
		zap.Int("records", len(records)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return OK
}

func (p *Processor) fetch(ctx context.Context, n Notification) ([]byte, Outcome) {
	callCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	out, err := p.store.GetObject(callCtx, &s3.GetObjectInput{
		Bucket: aws.String(n.Bucket),
		Key:    aws.String(n.Key),
	})
	if err != nil {
		if objectGone(err) {
			p.counters.Inc("objects_missing")
			p.logger.Warn("object missing or inaccessible, dropping",
				zap.String("bucket", n.Bucket),
				zap.String("key", n.Key),
				zap.Error(err),
			)
			return nil, Drop
		}
		p.counters.Inc("object_fetch_failures")
		p.logger.Error("object fetch failed",
			zap.String("bucket", n.Bucket),
			zap.String("key", n.Key),
			zap.Error(err),
		)
		return nil, Retriable
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		p.counters.Inc("object_fetch_failures")
		p.logger.Error("object body read failed",
			zap.String("key", n.Key),
			zap.Error(err),
		)
		return nil, Retriable
	}
	return raw, OK
}

// objectGone reports whether the fetch error is permanent for this key:
// the object will never appear, so redelivery cannot help.
func objectGone(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "AccessDenied":
			return true
		}
	}
	return false
}
