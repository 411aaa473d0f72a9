// Package publish accumulates serialized measurement records into
// size-bounded batches and ships them to the delivery stream, classifying
// failures to drive retry/drop decisions.
package publish

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skysense/scan-transformer/internal/model"
	"github.com/skysense/scan-transformer/internal/telemetry"
)

// Deliverer ships one finished batch downstream. Implementations own their
// retry policy; the Publisher never retries.
type Deliverer interface {
	Deliver(ctx context.Context, records [][]byte) error
}

// Limits are the hard caps mirroring the delivery stream's API limits.
type Limits struct {
	MaxBatchCount      int
	MaxBatchBytes      int
	MaxRecordBytes     int
	MaxInFlightBatches int
	MaxLinger          time.Duration
}

// DefaultLimits mirrors the production defaults (Firehose hard limits).
func DefaultLimits() Limits {
	return Limits{
		MaxBatchCount:      500,
		MaxBatchBytes:      4_000_000,
		MaxRecordBytes:     1_000_000,
		MaxInFlightBatches: 8,
		MaxLinger:          200 * time.Millisecond,
	}
}

// Publisher is a thread-safe, size-aware batch accumulator. Records are
// never split across batches; concatenating emitted batches in order
// reproduces the accepted record sequence.
//
// Emission swaps the batch out under the mutex and hands it to the
// Deliverer on a separate goroutine; the mutex is never held across the
// delivery call. A semaphore caps in-flight deliveries and blocks Publish
// once the ceiling is reached, which is the pipeline's one explicit
// backpressure point.
type Publisher struct {
	deliverer Deliverer
	limits    Limits
	logger    *zap.Logger
	counters  telemetry.Counters

	mu      sync.Mutex
	records [][]byte
	bytes   int

	inFlight chan struct{}
	wg       sync.WaitGroup

	stopLinger chan struct{}
	lingerOnce sync.Once
}

// NewPublisher creates a Publisher and starts its linger timer, which
// flushes whatever has accumulated every MaxLinger so records never sit
// longer than that waiting for a full batch.
func NewPublisher(d Deliverer, limits Limits, counters telemetry.Counters, logger *zap.Logger) *Publisher {
	p := &Publisher{
		deliverer:  d,
		limits:     limits,
		logger:     logger,
		counters:   counters,
		inFlight:   make(chan struct{}, limits.MaxInFlightBatches),
		stopLinger: make(chan struct{}),
	}
	go p.lingerLoop()
	return p
}

// Publish serializes the measurement and appends it to the current batch,
// emitting first when the record would overflow either cap. Serialization
// failures and oversize records are dropped without affecting batch state.
func (p *Publisher) Publish(m *model.Measurement) {
	data, err := m.Marshal()
	if err != nil {
		p.counters.Inc("records_publish_dropped", "reason", "serialization")
		p.logger.Warn("dropping unserializable record",
			zap.String("bssid", m.BSSID),
			zap.Error(err),
		)
		return
	}
	if len(data) > p.limits.MaxRecordBytes {
		p.counters.Inc("records_publish_dropped", "reason", "oversize")
		p.logger.Error("dropping oversize record",
			zap.String("bssid", m.BSSID),
			zap.Int("bytes", len(data)),
			zap.Int("limit", p.limits.MaxRecordBytes),
		)
		return
	}

	var emit [][][]byte

	p.mu.Lock()
	if len(p.records)+1 > p.limits.MaxBatchCount || p.bytes+len(data) > p.limits.MaxBatchBytes {
		if batch := p.takeLocked(); batch != nil {
			emit = append(emit, batch)
		}
	}
	p.records = append(p.records, data)
	p.bytes += len(data)
	if len(p.records) >= p.limits.MaxBatchCount || p.bytes >= p.limits.MaxBatchBytes {
		if batch := p.takeLocked(); batch != nil {
			emit = append(emit, batch)
		}
	}
	p.mu.Unlock()

	for _, batch := range emit {
		p.schedule(batch)
	}
}

// Flush emits the current batch if non-empty. It returns once emission has
// been scheduled; delivery completes asynchronously.
func (p *Publisher) Flush() {
	p.mu.Lock()
	batch := p.takeLocked()
	p.mu.Unlock()

	if batch != nil {
		p.schedule(batch)
	}
}

// Status returns a consistent snapshot of the accumulating batch.
func (p *Publisher) Status() (count, bytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records), p.bytes
}

// Close stops the linger timer, flushes the remainder, and waits for all
// in-flight deliveries to finish or ctx to expire.
func (p *Publisher) Close(ctx context.Context) error {
	p.lingerOnce.Do(func() { close(p.stopLinger) })
	p.Flush()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeLocked swaps the current batch out for a fresh one. Callers must
// hold p.mu; the returned slice is no longer shared.
func (p *Publisher) takeLocked() [][]byte {
	if len(p.records) == 0 {
		return nil
	}
	batch := p.records
	p.records = nil
	p.bytes = 0
	return batch
}

// schedule blocks until an in-flight slot frees up, then delivers the
// batch on its own goroutine.
func (p *Publisher) schedule(batch [][]byte) {
	p.inFlight <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.inFlight }()

		if err := p.deliverer.Deliver(context.Background(), batch); err != nil {
			p.counters.Inc("batches_failed")
			p.logger.Error("batch delivery failed",
				zap.Int("records", len(batch)),
				zap.Error(err),
			)
			return
		}
		p.counters.Inc("batches_delivered")
	}()
}

func (p *Publisher) lingerLoop() {
	ticker := time.NewTicker(p.limits.MaxLinger)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopLinger:
			return
		case <-ticker.C:
			p.Flush()
		}
	}
}
