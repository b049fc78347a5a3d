// Package events provides the live broadcast hub that fans usage and alert
// notifications out to connected dashboard subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/ports"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	EventType ports.LiveEventType `json:"event_type"`
	Data      any                 `json:"data"`
	Timestamp time.Time           `json:"timestamp"`
}

// Stats receives hub counters. *metrics.Collector satisfies it.
type Stats interface {
	HubDrop()
	HubDisconnect()
	SubscriberDelta(d float64)
}

// Config controls per-subscriber back-pressure.
type Config struct {
	// QueueSize bounds each subscriber's pending messages (default: 64).
	QueueSize int
	// MaxDrops is the number of consecutive overflows after which a
	// subscriber is disconnected (default: 1).
	MaxDrops int
}

// Disconnect reasons.
const (
	ReasonSlow     = "slow_consumer"
	ReasonClosed   = "closed"
	ReasonShutdown = "shutdown"
	ReasonWrite    = "write_failed"
	ReasonIdle     = "idle_timeout"
)

// Subscriber is one connected client.
type Subscriber struct {
	id     uint64
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	reason atomic.Value

	mu          sync.Mutex
	consecutive int
	dropped     int
}

// ID returns the subscriber's hub-local id.
func (s *Subscriber) ID() uint64 { return s.id }

// C returns the message channel. It is never closed; select on Done too.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Done is closed when the subscriber is disconnected.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Reason returns why the subscriber was disconnected, or "".
func (s *Subscriber) Reason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Dropped returns how many messages were dropped for this subscriber.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues without blocking. On overflow the oldest message is
// dropped. It returns true when the overflow budget is exhausted.
func (s *Subscriber) offer(m Message, maxDrops int) (overflowed, exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- m:
		s.consecutive = 0
		return false, false
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- m:
	default:
	}
	s.dropped++
	s.consecutive++
	return true, s.consecutive >= maxDrops
}

func (s *Subscriber) close(reason string) {
	s.once.Do(func() {
		s.reason.Store(reason)
		close(s.done)
	})
}

// Hub is a publish/subscribe fan-out with bounded per-subscriber queues.
// Publish never blocks on a subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID atomic.Uint64

	cfg    Config
	now    func() time.Time
	stats  Stats
	logger zerolog.Logger
}

// NewHub creates a new hub. stats may be nil.
func NewHub(cfg Config, clock ports.Clock, stats Stats, logger zerolog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxDrops <= 0 {
		cfg.MaxDrops = 1
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Hub{
		subs:   make(map[uint64]*Subscriber),
		cfg:    cfg,
		now:    now,
		stats:  stats,
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		id:   h.nextID.Add(1),
		ch:   make(chan Message, h.cfg.QueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()

	if h.stats != nil {
		h.stats.SubscriberDelta(1)
	}
	h.logger.Debug().Uint64("subscriber", s.id).Msg("subscriber connected")
	return s
}

// Unsubscribe removes a subscriber; reason is recorded on it.
func (h *Hub) Unsubscribe(s *Subscriber, reason string) {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	delete(h.subs, s.id)
	h.mu.Unlock()

	s.close(reason)
	if !ok {
		return
	}
	if h.stats != nil {
		h.stats.SubscriberDelta(-1)
	}
	h.logger.Debug().Uint64("subscriber", s.id).Str("reason", reason).Msg("subscriber removed")
}

// Publish delivers a message to every connected subscriber.
func (h *Hub) Publish(eventType ports.LiveEventType, data any) {
	m := Message{EventType: eventType, Data: data, Timestamp: h.now()}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		overflowed, exhausted := s.offer(m, h.cfg.MaxDrops)
		if !overflowed {
			continue
		}
		if h.stats != nil {
			h.stats.HubDrop()
		}
		if exhausted {
			h.logger.Warn().
				Uint64("subscriber", s.id).
				Int("dropped", s.Dropped()).
				Msg("disconnecting slow subscriber")
			if h.stats != nil {
				h.stats.HubDisconnect()
			}
			h.Unsubscribe(s, ReasonSlow)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.Unsubscribe(s, ReasonShutdown)
	}
}

// Ensure interface compliance.
var _ ports.Publisher = (*Hub)(nil)
