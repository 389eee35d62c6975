package events

import (
	"sync"

	"go.uber.org/zap"
)

const (
	// defaultHistoryCap is the default bound on in-memory event history
	defaultHistoryCap = 2000
	// defaultSubscriberCap is the default per-subscriber queue capacity
	defaultSubscriberCap = 256
	// appendQueueCap bounds the async journal-append queue
	appendQueueCap = 1024
)

// Bus is an in-process publish/subscribe event bus with bounded history.
//
// Publication never blocks: the in-memory history trims its oldest entry
// past the configured cap, and a subscriber whose queue is full loses its
// oldest queued event to make room for the new one. If a journal is
// attached, events are appended asynchronously; append failures are logged
// and never surfaced to publishers.
type Bus struct {
	mu         sync.Mutex
	history    []Event
	historyCap int
	subs       map[int]*subscriber
	nextSubID  int
	closed     bool

	journal  *Log
	appendCh chan Event
	doneCh   chan struct{}

	logger *zap.Logger
}

type subscriber struct {
	ch  chan Event
	cap int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistoryCap sets the maximum number of events retained in memory.
func WithHistoryCap(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.historyCap = n
		}
	}
}

// WithJournal attaches a persistent event log. Appends happen on a
// dedicated goroutine so slow disks never stall publishers.
func WithJournal(l *Log) BusOption {
	return func(b *Bus) { b.journal = l }
}

// NewBus creates an event bus. Callers that attach a journal must call
// Close to flush pending appends on shutdown.
func NewBus(logger *zap.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		historyCap: defaultHistoryCap,
		subs:       make(map[int]*subscriber),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.journal != nil {
		b.appendCh = make(chan Event, appendQueueCap)
		go b.appendLoop()
	}
	return b
}

// Publish appends the event to history, offers it to every subscriber, and
// queues it for journal persistence. It never blocks and never fails.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.history = append(b.history, e)
	if len(b.history) > b.historyCap {
		// Trim from the front; the retained tail is always the most
		// recently published events in publish order.
		b.history = b.history[len(b.history)-b.historyCap:]
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			// Queue full: drop the subscriber's oldest queued event.
			// The drain and send are both non-blocking so a racing
			// reader can never wedge a publisher.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
	// The journal enqueue stays under the mutex: Close sets closed while
	// holding it and only closes appendCh afterwards, so a send here can
	// never race the channel close. The send itself is non-blocking.
	if b.appendCh != nil {
		select {
		case b.appendCh <- e:
		default:
			b.logger.Warn("event journal queue full, dropping append",
				zap.Int64("event_id", e.ID),
				zap.String("type", string(e.Type)))
		}
	}
	b.mu.Unlock()
}

// appendLoop drains the append queue into the journal.
func (b *Bus) appendLoop() {
	defer close(b.doneCh)
	for e := range b.appendCh {
		if err := b.journal.Append(e); err != nil {
			b.logger.Warn("failed to append event to journal",
				zap.Int64("event_id", e.ID),
				zap.Error(err))
		}
	}
}

// Subscribe registers a new subscriber with the given queue capacity
// (<= 0 uses the default). The returned channel receives every event
// published after the call, subject to oldest-dropped overflow.
func (b *Bus) Subscribe(queueCap int) (int, <-chan Event) {
	if queueCap <= 0 {
		queueCap = defaultSubscriberCap
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{ch: make(chan Event, queueCap), cap: queueCap}
	b.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// WithSubscription runs fn with a scoped subscription that is removed when
// fn returns, including when fn returns an error or panics.
func (b *Bus) WithSubscription(queueCap int, fn func(<-chan Event) error) error {
	id, ch := b.Subscribe(queueCap)
	defer b.Unsubscribe(id)
	return fn(ch)
}

// History returns a copy of the retained event history in publish order.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Close stops accepting publications and flushes any pending journal
// appends. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	if b.appendCh != nil {
		close(b.appendCh)
		<-b.doneCh
	}
}
