package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls broadcaster buffering.
//   - BufferSize: per-observer queue capacity (default 256).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize int
	Logger     *zap.Logger
}

const (
	defaultBufferSize = 256
	dropLogInterval   = 5 * time.Second
)

// Broadcaster fans events out to observers subscribed to a request ID. It is
// safe for concurrent use and never blocks publishers: a full observer queue
// drops its oldest event to make room, so slow observers see the freshest
// progress while executors keep moving. Appends are serialized, so each
// observer receives events in emission order.
type Broadcaster struct {
	cfg  Config
	taps []Tap

	mu     sync.Mutex
	subs   map[uuid.UUID][]*Subscription
	nextID uint64

	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
}

// NewBroadcaster initializes a Broadcaster with the supplied taps. Taps see
// every valid event, subscribed or not.
func NewBroadcaster(cfg Config, taps ...Tap) *Broadcaster {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		cfg:         cfg,
		taps:        append([]Tap(nil), taps...),
		subs:        make(map[uuid.UUID][]*Subscription),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Subscription is one observer's bounded view of a request's event stream.
type Subscription struct {
	id        uint64
	requestID uuid.UUID
	ch        chan Event
	closed    bool
}

// Events returns the observer channel. It is closed when the observer
// unsubscribes or the request ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Subscribe registers an observer for a request ID. Observers subscribed
// before the request starts receive every event in emission order; observers
// subscribing mid-run receive only subsequent events (no replay buffer).
func (b *Broadcaster) Subscribe(requestID uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:        b.nextID,
		requestID: requestID,
		ch:        make(chan Event, b.cfg.BufferSize),
	}
	b.subs[requestID] = append(b.subs[requestID], sub)
	return sub
}

// Unsubscribe removes the observer and closes its channel. Safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	remaining := b.subs[sub.requestID][:0]
	for _, s := range b.subs[sub.requestID] {
		if s.id != sub.id {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(b.subs, sub.requestID)
	} else {
		b.subs[sub.requestID] = remaining
	}
	sub.closed = true
	close(sub.ch)
}

// EndRequest closes every observer channel for the request once its stream is
// complete. Publishing for an ended request is a no-op for observers.
func (b *Broadcaster) EndRequest(requestID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[requestID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(b.subs, requestID)
}

// Publish delivers an event to the request's observers and to every tap. It
// never blocks; if an observer queue is full its oldest event is dropped and
// a rate-limited warning is logged.
func (b *Broadcaster) Publish(evt Event) {
	if b == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}

	b.mu.Lock()
	for _, sub := range b.subs[evt.RequestID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		// Queue full: make room by evicting the oldest event.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
		b.dropped.Add(1)
		if b.dropLimiter.Allow(time.Now()) {
			count := b.dropped.Swap(0)
			b.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", count),
				zap.String("request_id", evt.RequestID.String()),
			)
		}
	}
	b.mu.Unlock()

	for _, tap := range b.taps {
		if tap != nil {
			tap.Observe(evt)
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
