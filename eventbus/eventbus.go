package eventbus

import (
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

const (
	defaultSubscriberCapacity = 64
	defaultInboxSize          = 256
)

// Event types published by the session lifecycle
const (
	SessionCreated       = "session.created"
	SessionStatusChanged = "session.status_changed"
	SessionCompleted     = "session.completed"
	SessionAbandoned     = "session.abandoned"
	WipUpdated           = "wip.updated"
	ReportCreated        = "report.created"
)

// Event is a committed change in a station's session lifecycle.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	StationID  string    `json:"station_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(eventType, stationID, sessionID, workerID string, at time.Time, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		StationID:  stationID,
		SessionID:  sessionID,
		WorkerID:   workerID,
		OccurredAt: at,
		Payload:    payload,
	}
}

// Option customizes Bus construction.
type Option func(*Bus)

// WithLogger injects a logger for drop/diagnostic messages.
func WithLogger(logger cmtlog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("module", "eventbus")
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithInboxSize overrides how many published events may wait for the dispatcher.
func WithInboxSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.inboxSize = size
		}
	}
}

// Bus fans committed events out to subscribers. Its dispatcher goroutine runs only while at
// least one subscription is open: the first Subscribe starts it and the last Close stops it.
// Events published while nobody listens are discarded.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	running     bool
	inbox       chan Event
	stop        chan struct{}
	done        chan struct{}
	capacity    int
	inboxSize   int
	logger      cmtlog.Logger
}

// New constructs a stopped bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: map[*subscriber]struct{}{},
		capacity:    defaultSubscriberCapacity,
		inboxSize:   defaultInboxSize,
		logger:      cmtlog.NewNopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
	once   sync.Once
}

// Close terminates the subscription and closes Events.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe registers for events of the given stations. No stations means every event.
func (b *Bus) Subscribe(stationIDs ...string) *Subscription {
	sub := newSubscriber(b.capacity, stationIDs)

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	if !b.running {
		b.start()
	}
	b.mu.Unlock()

	return &Subscription{
		Events: sub.ch,
		cancel: func() { b.unsubscribe(sub) },
	}
}

// Publish hands ev to the dispatcher without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	inbox := b.inbox
	b.mu.Unlock()

	select {
	case inbox <- ev:
	default:
		b.logger.Error("Event inbox full, dropping event", "type", ev.Type, "session", ev.SessionID)
	}
}

// Running reports whether the dispatcher is active
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SubscriberCount returns the number of open subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// start must be called with b.mu held.
func (b *Bus) start() {
	b.inbox = make(chan Event, b.inboxSize)
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.running = true
	b.logger.Debug("Starting event dispatcher")
	go b.run(b.inbox, b.stop, b.done)
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	var done chan struct{}
	if len(b.subscribers) == 0 && b.running {
		close(b.stop)
		done = b.done
		b.running = false
		b.logger.Debug("Stopping event dispatcher")
	}
	b.mu.Unlock()

	sub.close()
	if done != nil {
		<-done
	}
}

func (b *Bus) run(inbox <-chan Event, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev := <-inbox:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		if sub.wants(ev.StationID) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if dropped, ok := sub.deliver(ev); ok {
			b.logger.Info("Subscriber queue overflow, dropped oldest event", "type", dropped.Type, "id", dropped.ID)
		}
	}
}

type subscriber struct {
	mu       sync.Mutex
	ch       chan Event
	stations map[string]struct{}
	closed   bool
}

func newSubscriber(capacity int, stationIDs []string) *subscriber {
	sub := &subscriber{ch: make(chan Event, capacity)}
	if len(stationIDs) > 0 {
		sub.stations = make(map[string]struct{}, len(stationIDs))
		for _, id := range stationIDs {
			sub.stations[id] = struct{}{}
		}
	}
	return sub
}

func (s *subscriber) wants(stationID string) bool {
	if s.stations == nil {
		return true
	}
	_, ok := s.stations[stationID]
	return ok
}

// deliver never blocks. On overflow the oldest queued event is replaced and returned.
func (s *subscriber) deliver(ev Event) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, false
	}
	select {
	case s.ch <- ev:
		return Event{}, false
	default:
	}

	var dropped Event
	var ok bool
	select {
	case dropped = <-s.ch:
		ok = true
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return dropped, ok
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
