package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counters is the sink pipeline components record pass/fail/drop counts
// against. Implementations must be safe for concurrent use.
type Counters interface {
	// Inc adds one to the named counter. Tags are alternating key/value
	// pairs; an odd trailing key is ignored.
	Inc(name string, tags ...string)
	// Add adds delta to the named counter.
	Add(name string, delta int64, tags ...string)
}

// OTelCounters backs the Counters sink with OpenTelemetry instruments,
// lazily creating one Int64Counter per metric name.
type OTelCounters struct {
	meter metric.Meter

	mu          sync.Mutex
	instruments map[string]metric.Int64Counter
}

// NewOTelCounters creates a counter sink on the given meter.
func NewOTelCounters(meter metric.Meter) *OTelCounters {
	return &OTelCounters{
		meter:       meter,
		instruments: make(map[string]metric.Int64Counter),
	}
}

// Inc implements Counters.
func (c *OTelCounters) Inc(name string, tags ...string) {
	c.Add(name, 1, tags...)
}

// Add implements Counters.
func (c *OTelCounters) Add(name string, delta int64, tags ...string) {
	c.mu.Lock()
	inst, ok := c.instruments[name]
	if !ok {
		var err error
		inst, err = c.meter.Int64Counter(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.instruments[name] = inst
	}
	c.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	inst.Add(context.Background(), delta, metric.WithAttributes(attrs...))
}

// MemCounters is an in-memory Counters implementation used in tests and as
// the fallback when no metrics endpoint is configured.
type MemCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemCounters creates an empty in-memory sink.
func NewMemCounters() *MemCounters {
	return &MemCounters{counts: make(map[string]int64)}
}

// Inc implements Counters. Tags are folded into the key as
// name|k=v|k=v so tagged counts stay distinguishable.
func (c *MemCounters) Inc(name string, tags ...string) {
	c.Add(name, 1, tags...)
}

// Add implements Counters.
func (c *MemCounters) Add(name string, delta int64, tags ...string) {
	key := name
	for i := 0; i+1 < len(tags); i += 2 {
		key += "|" + tags[i] + "=" + tags[i+1]
	}
	c.mu.Lock()
	c.counts[key] += delta
	c.mu.Unlock()
}

// Get returns the current count for the exact key (including tag suffix).
func (c *MemCounters) Get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Total sums every bucket whose key starts with the given name.
func (c *MemCounters) Total(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for k, v := range c.counts {
		if k == name || (len(k) > len(name) && k[:len(name)] == name && k[len(name)] == '|') {
			total += v
		}
	}
	return total
}
