package publish

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skysense/scan-transformer/internal/model"
	"github.com/skysense/scan-transformer/internal/telemetry"
)

// captureDeliverer records batches in delivery order.
type captureDeliverer struct {
	mu      sync.Mutex
	batches [][][]byte
	err     error
}

func (c *captureDeliverer) Deliver(_ context.Context, records [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, records)
	return c.err
}

func (c *captureDeliverer) snapshot() [][][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][][]byte, len(c.batches))
	copy(out, c.batches)
	return out
}

func measurement(bssid string) *model.Measurement {
	return &model.Measurement{
		BSSID:            bssid,
		ConnectionStatus: model.StatusScan,
		QualityWeight:    1.0,
		RSSI:             -60,
	}
}

// testLimits serializes deliveries (in-flight 1) so batch order is
// deterministic, and uses a long linger so the timer does not interfere.
func testLimits(maxCount, maxBytes, maxRecord int) Limits {
	return Limits{
		MaxBatchCount:      maxCount,
		MaxBatchBytes:      maxBytes,
		MaxRecordBytes:     maxRecord,
		MaxInFlightBatches: 1,
		MaxLinger:          time.Hour,
	}
}

func closePublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestPublisher_CountBoundary(t *testing.T) {
	sink := &captureDeliverer{}
	p := NewPublisher(sink, testLimits(3, 1<<20, 1<<20), telemetry.NewMemCounters(), zaptest.NewLogger(t))

	var want [][]byte
	for i := 0; i < 7; i++ {
		m := measurement(bssidFor(i))
		data, err := m.Marshal()
		require.NoError(t, err)
		want = append(want, data)
		p.Publish(m)
	}
	closePublisher(t, p)

	batches := sink.snapshot()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)

	// Concatenated batches reproduce the accepted sequence exactly.
	var got [][]byte
	for _, b := range batches {
		got = append(got, b...)
	}
	assert.Equal(t, want, got)
}

func TestPublisher_ByteBoundary(t *testing.T) {
	sink := &captureDeliverer{}
	counters := telemetry.NewMemCounters()

	// Size one record, then cap the batch at exactly two of them: the
	// second fits (bytes == cap), the third forces emit-then-add.
	probe, err := measurement(bssidFor(0)).Marshal()
	require.NoError(t, err)
	limits := testLimits(1000, 2*len(probe), 1<<20)

	p := NewPublisher(sink, limits, counters, zaptest.NewLogger(t))
	p.Publish(measurement(bssidFor(0)))
	p.Publish(measurement(bssidFor(0)))
	p.Publish(measurement(bssidFor(0)))
	closePublisher(t, p)

	batches := sink.snapshot()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2, "record landing exactly on the byte cap stays in the batch")
	assert.Len(t, batches[1], 1)
}

func TestPublisher_OversizeRecordDropped(t *testing.T) {
	sink := &captureDeliverer{}
	counters := telemetry.NewMemCounters()
	p := NewPublisher(sink, testLimits(10, 1<<20, 200), counters, zaptest.NewLogger(t))

	p.Publish(measurement(bssidFor(1)))

	huge := measurement(bssidFor(2))
	filler := strings.Repeat("x", 500)
	huge.Capabilities = &filler
	p.Publish(huge)

	countAfter, _ := p.Status()
	assert.Equal(t, 1, countAfter, "batch state unchanged by the oversize drop")
	assert.Equal(t, int64(1), counters.Get("records_publish_dropped|reason=oversize"))

	p.Publish(measurement(bssidFor(3)))
	closePublisher(t, p)

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2, "subsequent publishes unaffected")
}

func TestPublisher_FlushEmitsRemainder(t *testing.T) {
	sink := &captureDeliverer{}
	p := NewPublisher(sink, testLimits(100, 1<<20, 1<<20), telemetry.NewMemCounters(), zaptest.NewLogger(t))

	p.Publish(measurement(bssidFor(1)))
	p.Publish(measurement(bssidFor(2)))
	p.Flush()
	closePublisher(t, p)

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestPublisher_FlushOnEmptyIsNoop(t *testing.T) {
	sink := &captureDeliverer{}
	p := NewPublisher(sink, testLimits(100, 1<<20, 1<<20), telemetry.NewMemCounters(), zaptest.NewLogger(t))

	p.Flush()
	closePublisher(t, p)
	assert.Empty(t, sink.snapshot())
}

func TestPublisher_LingerFlushes(t *testing.T) {
	sink := &captureDeliverer{}
	limits := testLimits(100, 1<<20, 1<<20)
	limits.MaxLinger = 20 * time.Millisecond
	p := NewPublisher(sink, limits, telemetry.NewMemCounters(), zaptest.NewLogger(t))

	p.Publish(measurement(bssidFor(1)))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond, "linger timer should emit the partial batch")
	closePublisher(t, p)
}

func TestPublisher_StatusSnapshot(t *testing.T) {
	sink := &captureDeliverer{}
	p := NewPublisher(sink, testLimits(100, 1<<20, 1<<20), telemetry.NewMemCounters(), zaptest.NewLogger(t))

	count, bytes := p.Status()
	assert.Zero(t, count)
	assert.Zero(t, bytes)

	m := measurement(bssidFor(1))
	data, err := m.Marshal()
	require.NoError(t, err)
	p.Publish(m)

	count, bytes = p.Status()
	assert.Equal(t, 1, count)
	assert.Equal(t, len(data), bytes)
	closePublisher(t, p)
}

func TestPublisher_DeliveryErrorCounted(t *testing.T) {
	sink := &captureDeliverer{err: assert.AnError}
	counters := telemetry.NewMemCounters()
	p := NewPublisher(sink, testLimits(1, 1<<20, 1<<20), counters, zaptest.NewLogger(t))

	p.Publish(measurement(bssidFor(1)))
	closePublisher(t, p)

	assert.Equal(t, int64(1), counters.Get("batches_failed"))
}

// bssidFor derives a distinct valid-looking BSSID per index.
func bssidFor(i int) string {
	digits := "0123456789abcdef"
	c := string(digits[i%16])
	return "aa:bb:cc:dd:ee:" + c + c
}
