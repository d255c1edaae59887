// Package dispatch serializes outbound sends per device and feeds transport
// results back into the delivery tracker.
//
// Each device gets its own bounded queue and a single worker goroutine, so
// sends from one device keep their order and a slow device never blocks
// another. A separate consumer maps asynchronous status callbacks onto
// delivery records through the transport message id.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowsendhq/flowsend/internal/messaging"
	"github.com/flowsendhq/flowsend/internal/models"
	"github.com/flowsendhq/flowsend/internal/tracker"
)

// Constants for dispatcher configuration
const (
	// DefaultQueueSize bounds each per-device send queue.
	DefaultQueueSize = 256
	// DefaultSendTimeout bounds one transport send call.
	DefaultSendTimeout = 30 * time.Second
)

// SendOperation is one outbound send handed to the pool.
type SendOperation struct {
	DeviceID string
	To       string
	RecordID string
	Payload  models.OutboundPayload
}

// Opts holds configuration options for the dispatch pool.
type Opts struct {
	QueueSize   int
	SendTimeout time.Duration
	Throttle    time.Duration
}

// Option defines a configuration option for the dispatch pool.
type Option func(*Opts)

// WithQueueSize sets the per-device queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithSendTimeout bounds the duration of a single transport send.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithThrottle makes each worker pause between consecutive sends, keeping a
// device under its transport rate limit.
func WithThrottle(d time.Duration) Option {
	return func(o *Opts) { o.Throttle = d }
}

// Pool dispatches send operations through the transport, one worker per
// device.
type Pool struct {
	transport messaging.Transport
	tracker   *tracker.Tracker
	opts      Opts

	mu      sync.Mutex
	queues  map[string]chan SendOperation
	records map[string]string // transport message id -> delivery record id
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a dispatch pool over the given transport and tracker.
func NewPool(transport messaging.Transport, tr *tracker.Tracker, opts ...Option) *Pool {
	cfg := Opts{QueueSize: DefaultQueueSize, SendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{
		transport: transport,
		tracker:   tr,
		opts:      cfg,
		queues:    make(map[string]chan SendOperation),
		records:   make(map[string]string),
	}
}

// Start launches the status callback consumer. Workers are launched lazily as
// devices first appear in Enqueue.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.consumeCallbacks()
	slog.Debug("dispatch pool started", "queueSize", p.opts.QueueSize)
}

// Enqueue queues one send operation on its device's queue. It fails the
// delivery immediately when the queue is full rather than blocking the
// caller.
func (p *Pool) Enqueue(op SendOperation) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("dispatch pool is stopped")
	}
	q, ok := p.queues[op.DeviceID]
	if !ok {
		q = make(chan SendOperation, p.opts.QueueSize)
		p.queues[op.DeviceID] = q
		p.wg.Add(1)
		go p.worker(op.DeviceID, q)
	}
	p.mu.Unlock()

	select {
	case q <- op:
		return nil
	default:
		if err := p.tracker.MarkFailed(op.RecordID, "dispatch queue full", time.Now()); err != nil {
			slog.Error("failed to mark overflowed send failed", "recordID", op.RecordID, "error", err)
		}
		return fmt.Errorf("dispatch queue full for device %q", op.DeviceID)
	}
}

// worker drains one device queue, sending strictly in order.
func (p *Pool) worker(deviceID string, q chan SendOperation) {
	defer p.wg.Done()
	slog.Debug("dispatch worker started", "deviceID", deviceID)
	for {
		select {
		case <-p.ctx.Done():
			return
		case op, ok := <-q:
			if !ok {
				return
			}
			p.send(op)
			if p.opts.Throttle > 0 {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.opts.Throttle):
				}
			}
		}
	}
}

func (p *Pool) send(op SendOperation) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.SendTimeout)
	defer cancel()

	messageID, err := p.transport.Send(ctx, op.DeviceID, op.To, op.Payload)
	now := time.Now()
	if err != nil {
		slog.Warn("transport send failed", "recordID", op.RecordID, "to", op.To, "error", err)
		if terr := p.tracker.MarkFailed(op.RecordID, err.Error(), now); terr != nil {
			slog.Error("failed to record send failure", "recordID", op.RecordID, "error", terr)
		}
		return
	}

	p.mu.Lock()
	p.records[messageID] = op.RecordID
	p.mu.Unlock()

	if err := p.tracker.MarkSent(op.RecordID, messageID, now); err != nil {
		slog.Error("failed to record send", "recordID", op.RecordID, "error", err)
	}
}

// consumeCallbacks applies transport status callbacks to their delivery
// records. Callbacks for message ids the pool never sent are dropped.
func (p *Pool) consumeCallbacks() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case cb, ok := <-p.transport.Callbacks():
			if !ok {
				return
			}
			p.applyCallback(cb)
		}
	}
}

func (p *Pool) applyCallback(cb models.StatusCallback) {
	p.mu.Lock()
	recordID, ok := p.records[cb.MessageID]
	if ok && (cb.Status == models.DeliveryStatusRead || cb.Status == models.DeliveryStatusFailed) {
		// Terminal callback; the correlation entry is no longer needed.
		delete(p.records, cb.MessageID)
	}
	p.mu.Unlock()
	if !ok {
		slog.Debug("dropping callback for unknown message", "messageID", cb.MessageID, "status", cb.Status)
		return
	}

	at := time.Unix(cb.Time, 0)
	var err error
	switch cb.Status {
	case models.DeliveryStatusSent:
		err = p.tracker.MarkSent(recordID, cb.MessageID, at)
	case models.DeliveryStatusDelivered:
		err = p.tracker.MarkDelivered(recordID, at)
	case models.DeliveryStatusRead:
		err = p.tracker.MarkRead(recordID, at)
	case models.DeliveryStatusFailed:
		err = p.tracker.MarkFailed(recordID, cb.Reason, at)
	default:
		slog.Debug("ignoring callback status", "status", cb.Status)
		return
	}
	if err != nil {
		slog.Error("failed to apply status callback", "recordID", recordID, "status", cb.Status, "error", err)
	}
}

// Stop halts all workers. Operations still queued are dropped; their records
// stay queued and are picked up by a later resend. Callers stop intake (API,
// scheduler) first.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("dispatch pool stopped")
}
