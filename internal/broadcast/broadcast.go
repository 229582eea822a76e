package broadcast

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ksred/forex-api/internal/types"
)

// Broadcaster fans trading events out to subscribers. Publish never
// blocks: when a subscriber's queue is full the oldest queued event is
// dropped to make room, so a slow consumer only loses its own history.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[int]*Subscription
	nextID    int
	queueSize int
}

func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Broadcaster{
		subs:      make(map[int]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscriber with no interests. Events only
// flow once WatchSymbol or WatchAccount is called on the subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &Subscription{
		id:       id,
		owner:    b,
		events:   make(chan types.Event, b.queueSize),
		symbols:  make(map[string]struct{}),
		accounts: make(map[string]struct{}),
	}
	b.subs[id] = sub
	return sub
}

// Publish delivers the event to every interested subscriber.
func (b *Broadcaster) Publish(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.wants(event) {
			sub.enqueue(event)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one consumer's view of the event stream. Interests are
// additive; price updates match watched symbols, everything else matches
// watched accounts.
type Subscription struct {
	id     int
	owner  *Broadcaster
	events chan types.Event

	mu        sync.Mutex
	symbols   map[string]struct{}
	allPrices bool
	accounts  map[string]struct{}
	closed    bool
	dropped   int
}

// Events returns the subscriber's delivery channel. The channel is
// closed by Close.
func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

// WatchSymbol adds price updates for a symbol to the subscription.
// An empty symbol watches all symbols.
func (s *Subscription) WatchSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol == "" {
		s.allPrices = true
		return
	}
	s.symbols[symbol] = struct{}{}
}

// WatchAccount adds an account's order, margin and alert events to the
// subscription.
func (s *Subscription) WatchAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = struct{}{}
}

// Close detaches the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.dropped > 0 {
		log.Debug().Int("subscriber", s.id).Int("dropped", s.dropped).Msg("subscriber closed with dropped events")
	}
	s.mu.Unlock()

	s.owner.unsubscribe(s.id)
	close(s.events)
}

func (s *Subscription) wants(event types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if event.Type == types.EventPriceUpdate {
		if s.allPrices {
			return true
		}
		_, ok := s.symbols[event.Symbol]
		return ok
	}
	_, ok := s.accounts[event.AccountID]
	return ok
}

// enqueue appends the event, evicting the oldest queued event when the
// buffer is full. Runs under the subscription lock so eviction and send
// cannot race with Close.
func (s *Subscription) enqueue(event types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.events <- event:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped++
		default:
		}
	}
}
