package bridge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/chanrelay/internal/adapter/metrics"
	"github.com/pscheid92/chanrelay/internal/domain"
	"github.com/pscheid92/chanrelay/internal/platform/retry"
)

// DefaultPrefix namespaces this system's topics on a shared broker.
const DefaultPrefix = "websocket:"

const (
	dropQueueFull     = "queue_full"
	dropPublishFailed = "publish_failed"
	dropStopped       = "stopped"
)

// ErrListenerFailed wraps any error that ends the listener other than
// cancellation. The process cannot deliver messages after it.
var ErrListenerFailed = errors.New("broker listener failed")

type Config struct {
	Prefix         string
	Workers        int
	QueueSize      int
	BatchSize      int
	FlushInterval  time.Duration
	PublishTimeout time.Duration
	StopTimeout    time.Duration
	Retry          retry.Policy
}

func DefaultConfig() Config {
	return Config{
		Prefix:         DefaultPrefix,
		Workers:        4,
		QueueSize:      4096,
		BatchSize:      64,
		FlushInterval:  10 * time.Millisecond,
		PublishTimeout: 2 * time.Second,
		StopTimeout:    5 * time.Second,
		Retry: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   50 * time.Millisecond,
			MaxBackoff:       500 * time.Millisecond,
			RateLimitBackoff: time.Second,
		},
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	return c
}

// Bridge is the process's publish entry point and broker listener.
type Bridge struct {
	broker  domain.Broker
	local   domain.Publisher
	cfg     Config
	clock   clockwork.Clock
	metrics *metrics.BrokerMetrics

	// one queue per flusher; a topic always hashes to the same queue, which
	// keeps its messages in publish order
	mu       sync.RWMutex // guards closing the outboxes against concurrent Publish
	stopped  bool
	outboxes []chan domain.Message

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	listening atomic.Bool
}

var _ domain.Publisher = (*Bridge)(nil)

// New creates a bridge that publishes to broker and hands inbound messages to local.
func New(broker domain.Broker, local domain.Publisher, cfg Config, clock clockwork.Clock, m *metrics.BrokerMetrics) *Bridge {
	cfg = cfg.withDefaults()
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = clock
	}

	b := &Bridge{
		broker:   broker,
		local:    local,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		outboxes: make([]chan domain.Message, cfg.Workers),
	}
	// each shard holds an equal share of QueueSize
	shardSize := max(1, (cfg.QueueSize+cfg.Workers-1)/cfg.Workers)
	for i := range b.outboxes {
		b.outboxes[i] = make(chan domain.Message, shardSize)
	}

	onRetry := cfg.Retry.OnRetry
	b.cfg.Retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		m.PublishRetries.Inc()
		slog.Debug("Retrying broker publish", "attempt", attempt, "backoff", backoff, "error", err)
		if onRetry != nil {
			onRetry(attempt, err, backoff)
		}
	}
	return b
}

// Prefix returns the topic namespace.
func (b *Bridge) Prefix() string {
	return b.cfg.Prefix
}

// Topic maps a channel path to its broker topic.
func (b *Bridge) Topic(path string) string {
	return b.cfg.Prefix + path
}

// Publish queues payload for the broker and returns immediately. Messages for
// one channel reach the broker in the order they were published. When the
// channel's shard is full or the bridge is stopped the message is dropped.
// The bridge owns payload after the call.
func (b *Bridge) Publish(payload []byte, path string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		b.drop(dropStopped, path, 1)
		return
	}

	topic := b.Topic(path)
	select {
	case b.shardFor(topic) <- domain.Message{Channel: topic, Payload: payload}:
		b.metrics.QueueDepth.Set(float64(b.queued()))
	default:
		b.drop(dropQueueFull, path, 1)
	}
}

func (b *Bridge) shardFor(topic string) chan domain.Message {
	if len(b.outboxes) == 1 {
		return b.outboxes[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return b.outboxes[h.Sum32()%uint32(len(b.outboxes))]
}

// queued counts messages waiting in every shard.
func (b *Bridge) queued() int {
	n := 0
	for _, outbox := range b.outboxes {
		n += len(outbox)
	}
	return n
}

func (b *Bridge) drop(reason, channel string, n int) {
	b.metrics.Dropped.WithLabelValues(reason).Add(float64(n))
	slog.Warn("Dropped outbound message", "reason", reason, "channel", channel, "count", n)
}

// Start launches one flusher per shard. Publishing uses ctx; cancelling it
// aborts in-flight broker calls.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(ctx)
		for _, outbox := range b.outboxes {
			b.wg.Add(1)
			go b.flusher(outbox)
		}
		slog.Info("Broker bridge started",
			"prefix", b.cfg.Prefix,
			"workers", b.cfg.Workers,
			"queue_size", b.cfg.QueueSize,
			"batch_size", b.cfg.BatchSize,
			"flush_interval", b.cfg.FlushInterval)
	})
}

// Stop rejects further publishes and drains the outbox. If draining takes
// longer than the stop timeout, in-flight publishes are cancelled and an error
// is returned.
func (b *Bridge) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		for _, outbox := range b.outboxes {
			close(outbox)
		}
		b.mu.Unlock()

		if b.cancel == nil {
			if n := b.queued(); n > 0 {
				b.drop(dropStopped, "", n)
			}
			return
		}

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-b.clock.After(b.cfg.StopTimeout):
			b.cancel()
			<-done
			err = fmt.Errorf("outbox drain exceeded %v", b.cfg.StopTimeout)
		}
		b.cancel()
		slog.Info("Broker bridge stopped")
	})
	return err
}

// flusher publishes one shard's batches sequentially, so a batch is on the
// broker before the next one from the same shard is sent.
func (b *Bridge) flusher(outbox <-chan domain.Message) {
	defer b.wg.Done()

	batch := make([]domain.Message, 0, b.cfg.BatchSize)
	for msg := range outbox {
		batch = append(batch[:0], msg)
		batch = b.fill(outbox, batch)
		b.flush(batch)
	}
}

// fill adds queued messages to batch until it is full, the flush interval
// has passed since the first one, or the outbox is closed.
func (b *Bridge) fill(outbox <-chan domain.Message, batch []domain.Message) []domain.Message {
	timer := b.clock.NewTimer(b.cfg.FlushInterval)
	defer timer.Stop()

	for len(batch) < b.cfg.BatchSize {
		select {
		case msg, ok := <-outbox:
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		case <-timer.Chan():
			return batch
		}
	}
	return batch
}

func (b *Bridge) flush(batch []domain.Message) {
	b.metrics.QueueDepth.Set(float64(b.queued()))
	b.metrics.BatchSize.Observe(float64(len(batch)))

	err := retry.DoVoid(b.ctx, b.cfg.Retry, classifyPublishError, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
		return b.broker.Publish(ctx, batch)
	})
	if err != nil {
		b.metrics.Dropped.WithLabelValues(dropPublishFailed).Add(float64(len(batch)))
		slog.Warn("Broker publish failed, dropping batch", "count", len(batch), "error", err)
		return
	}
	b.metrics.Published.Add(float64(len(batch)))
}

func classifyPublishError(err error) retry.Action {
	switch {
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return retry.Stop
	case errors.Is(err, context.Canceled):
		return retry.Stop
	default:
		return retry.Retry
	}
}

// Run subscribes to the prefix and dispatches inbound messages locally until
// ctx is cancelled, in which case it returns nil. Any other exit returns an
// error wrapping ErrListenerFailed.
func (b *Bridge) Run(ctx context.Context) error {
	pattern := b.cfg.Prefix + "*"

	sub, err := b.broker.PSubscribe(ctx, pattern)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe %q: %w", ErrListenerFailed, pattern, err)
	}
	defer func() { _ = sub.Close() }()

	b.listening.Store(true)
	b.metrics.ListenerRunning.Set(1)
	defer func() {
		b.listening.Store(false)
		b.metrics.ListenerRunning.Set(0)
	}()

	slog.Info("Broker listener subscribed", "pattern", pattern)

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Broker listener stopped")
				return nil
			}
			return fmt.Errorf("%w: %w", ErrListenerFailed, err)
		}
		b.metrics.Received.Inc()

		path, ok := strings.CutPrefix(msg.Channel, b.cfg.Prefix)
		if !ok {
			slog.Warn("Ignoring broker message outside namespace", "topic", msg.Channel)
			continue
		}
		b.local.Publish(msg.Payload, path)
	}
}

// Listening reports whether the listener holds an active subscription.
func (b *Bridge) Listening() bool {
	return b.listening.Load()
}

// Ping checks broker reachability.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.broker.Ping(ctx)
}
