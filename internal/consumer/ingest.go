// Package consumer long-polls the work queue and dispatches each received
// message to a bounded worker pool. Acking follows at-least-once semantics:
// a message is deleted only after the pipeline reports terminal success or
// a non-retriable drop; retriable failures leave the message for the
// visibility timeout to redeliver.
package consumer

import (
	"context"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skysense/scan-transformer/internal/pipeline"
	"github.com/skysense/scan-transformer/internal/telemetry"
)

// sqsReceiver is the slice of the SQS API the loop polls with.
type sqsReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
}

// sqsDeleter acks processed messages.
type sqsDeleter interface {
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// notificationProcessor is the pipeline entrypoint a worker invokes.
type notificationProcessor interface {
	Process(ctx context.Context, n pipeline.Notification) pipeline.Outcome
}

// flusher drains the publisher's remainder during shutdown.
type flusher interface {
	Flush()
}

// Config holds the loop's tunables. Zero values select the defaults.
type Config struct {
	QueueURL        string
	PollWaitSeconds int32
	BatchSize       int32
	Concurrency     int
	GracePeriod     time.Duration
}

func (c *Config) setDefaults() {
	if c.PollWaitSeconds <= 0 {
		c.PollWaitSeconds = 20
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.NumCPU()
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
}

// IngestLoop owns the receive-dispatch-ack cycle for one queue.
type IngestLoop struct {
	receiver  sqsReceiver
	deleter   sqsDeleter
	processor notificationProcessor
	flusher   flusher
	cfg       Config
	counters  telemetry.Counters
	logger    *zap.Logger
}

// NewIngestLoop wires the loop over pre-built clients.
func NewIngestLoop(
	receiver sqsReceiver,
	deleter sqsDeleter,
	processor notificationProcessor,
	fl flusher,
	cfg Config,
	counters telemetry.Counters,
	logger *zap.Logger,
) *IngestLoop {
	cfg.setDefaults()
	return &IngestLoop{
		receiver:  receiver,
		deleter:   deleter,
		processor: processor,
		flusher:   fl,
		cfg:       cfg,
		counters:  counters,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight workers up to
// the grace period and flushes the publisher. The worker pool's fixed size
// is the loop's backpressure against the queue.
func (l *IngestLoop) Run(ctx context.Context) error {
	l.logger.Info("ingest loop started",
		zap.String("queue", l.cfg.QueueURL),
		zap.Int("concurrency", l.cfg.Concurrency),
	)

	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)

	// Workers get a context that survives shutdown so in-flight messages
	// can finish (or be acked) within the grace period.
	workCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		out, err := l.receiver.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(l.cfg.QueueURL),
			MaxNumberOfMessages: l.cfg.BatchSize,
			WaitTimeSeconds:     l.cfg.PollWaitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.counters.Inc("receive_failures")
			l.logger.Error("queue receive failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range out.Messages {
			g.Go(func() error {
				l.handleMessage(workCtx, msg)
				return nil
			})
		}
	}

	l.logger.Info("ingest loop stopping",
		zap.Duration("grace_period", l.cfg.GracePeriod),
	)

	done := make(chan struct{})
	go func() {
		_ = g.Wait() // workers never return errors
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.GracePeriod):
		l.logger.Warn("grace period expired with workers still in flight")
	}

	l.flusher.Flush()
	l.logger.Info("ingest loop stopped")
	return nil
}

// handleMessage processes one queue message start to finish. A panic leaves
// the message un-acked for redelivery.
func (l *IngestLoop) handleMessage(ctx context.Context, msg sqstypes.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.counters.Inc("worker_panics")
			l.logger.Error("worker panicked, message left for redelivery",
				zap.Any("panic", r),
			)
		}
	}()

	var body []byte
	if msg.Body != nil {
		body = []byte(*msg.Body)
	}

	notifs, err := ParseNotifications(body)
	if err != nil {
		l.counters.Inc("messages_processed", "result", "unknown_shape")
		l.logger.Warn("unrecognized queue message, dropping", zap.Error(err))
		l.delete(ctx, msg)
		return
	}

	retriable, anyOK := false, false
	for _, n := range notifs {
		switch l.processor.Process(ctx, n) {
		case pipeline.Retriable:
			retriable = true
		case pipeline.OK:
			anyOK = true
		}
	}

	// One retriable notification keeps the whole message; reprocessing the
	// siblings on redelivery is fine under at-least-once.
	if retriable {
		l.counters.Inc("messages_processed", "result", "retriable")
		return
	}

	result := "drop"
	if anyOK {
		result = "ok"
	}
	l.counters.Inc("messages_processed", "result", result)
	l.delete(ctx, msg)
}

func (l *IngestLoop) delete(ctx context.Context, msg sqstypes.Message) {
	_, err := l.deleter.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(l.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// The message redelivers and reprocesses; wasteful but safe.
		l.counters.Inc("delete_failures")
		l.logger.Error("message delete failed", zap.Error(err))
	}
}
