package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/metrics"
)

// Publisher writes a batch of events; *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Collector buffers report events and publishes them in batches, either
// when a batch fills or every flush interval. Track never blocks the
// request path: when the buffer is full the event is dropped.
type Collector struct {
	publisher     Publisher
	eventCh       chan ReportEvent
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewCollector creates a Collector. m may be nil.
func NewCollector(publisher Publisher, cfg config.KafkaConfig, m *metrics.Metrics) *Collector {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Collector{
		publisher:     publisher,
		eventCh:       make(chan ReportEvent, bufferSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       m,
		logger:        slog.Default().With("component", "usage-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the publish loop. It stops when ctx is cancelled or Close
// is called, publishing whatever is still buffered.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		batch := make([]kafka.Event, 0, c.batchSize)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					c.flushFinal(batch)
					return
				}
				batch = append(batch, kafka.Event{Key: event.Endpoint, Value: event})
				if len(batch) >= c.batchSize {
					batch = c.flush(ctx, batch)
				}
			case <-ticker.C:
				batch = c.flush(ctx, batch)
			case <-ctx.Done():
				c.flushFinal(c.drain(batch))
				return
			}
		}
	}()
	c.logger.Info("usage collector started",
		"buffer_size", cap(c.eventCh),
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Track queues event for publishing.
func (c *Collector) Track(event ReportEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	if event.Type == "" {
		event.Type = EventReport
	}
	select {
	case c.eventCh <- event:
	default:
		c.count("dropped", 1)
		c.logger.Warn("usage event dropped (buffer full)", "endpoint", event.Endpoint)
	}
}

// Close stops accepting events and waits for the buffer to be published.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.eventCh)
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Collector) flush(ctx context.Context, batch []kafka.Event) []kafka.Event {
	if len(batch) == 0 {
		return batch
	}
	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.count("dropped", len(batch))
		c.logger.Error("usage batch publish failed", "batch_size", len(batch), "error", err)
	} else {
		c.count("published", len(batch))
		c.logger.Debug("usage batch published", "events", len(batch))
	}
	return batch[:0]
}

func (c *Collector) flushFinal(batch []kafka.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.flush(ctx, batch)
}

func (c *Collector) drain(batch []kafka.Event) []kafka.Event {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return batch
			}
			batch = append(batch, kafka.Event{Key: event.Endpoint, Value: event})
		default:
			return batch
		}
	}
}

func (c *Collector) count(outcome string, n int) {
	if c.metrics != nil {
		c.metrics.UsageEventsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}
