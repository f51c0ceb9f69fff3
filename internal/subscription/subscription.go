// Package subscription implements inbound message fan-out (spec.md
// §4.7): one shared adapter.Watch stream per channel, applying inbound
// allow/deny policy once per message, then distributed to bounded
// per-subscriber queues with a drop-oldest overflow policy and a sticky
// dropped count — the same non-blocking-send-or-drop discipline as the
// teacher's session.Hub.broadcastToShards, generalized from "skip a
// slow shard" to "drop the oldest entry and keep counting".
package subscription

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/metrics"
	"github.com/carapace-gateway/carapace/internal/policy"
)

// Event is one delivered message plus how many prior messages were
// dropped from this subscriber's queue before it, reported once then
// reset to zero (spec.md §4.7: "sticky until reported").
type Event struct {
	Message adapter.IncomingMessage
	Dropped uint64
}

// Subscription is one connection's bounded view onto a channel watch.
type Subscription struct {
	id      string
	channel string

	mu      sync.Mutex
	buf     []adapter.IncomingMessage
	cap     int
	dropped uint64
	closed  bool

	signal chan struct{}
	done   chan struct{}
}

func newSubscription(id, channel string, capacity int) *Subscription {
	return &Subscription{
		id:      id,
		channel: channel,
		cap:     capacity,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push appends msg to the subscriber's bounded queue, dropping the
// oldest buffered message if it is full. It reports whether a drop
// occurred so the caller can account for it in metrics.
func (s *Subscription) push(msg adapter.IncomingMessage) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.buf) >= s.cap {
		s.buf = s.buf[1:]
		s.dropped++
		dropped = true
	}
	s.buf = append(s.buf, msg)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a message is available, the subscription is
// closed, or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			dropped := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return Event{Message: msg, Dropped: dropped}, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-s.signal:
			continue
		case <-s.done:
			return Event{}, false
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// Channel reports the channel this subscription watches.
func (s *Subscription) Channel() string { return s.channel }

type channelWatch struct {
	subs   map[string]*Subscription
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Manager owns exactly one adapter.Watch stream per channel and fans
// its events out to every active Subscription on that channel, after
// applying the live inbound allow/deny policy.
type Manager struct {
	adapters   map[string]adapter.Adapter
	engine     *policy.Engine
	journal    *audit.Journal
	deadLetters *audit.DeadLetterStore
	metrics    *metrics.Registry
	logger     *zap.Logger
	bufferSize int

	mu       sync.Mutex
	watches  map[string]*channelWatch
	nextID   uint64
}

// New builds a subscription Manager. bufferSize is the per-subscriber
// queue depth (advanced.watch_buffer_size).
func New(adapters map[string]adapter.Adapter, engine *policy.Engine, journal *audit.Journal, deadLetters *audit.DeadLetterStore, reg *metrics.Registry, logger *zap.Logger, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Manager{
		adapters:    adapters,
		engine:      engine,
		journal:     journal,
		deadLetters: deadLetters,
		metrics:     reg,
		logger:      logger,
		bufferSize:  bufferSize,
		watches:     make(map[string]*channelWatch),
	}
}

// Subscribe registers a new Subscription on channel, starting that
// channel's shared watch stream on first use. ctx does not bound the
// shared watch: it runs on a context of its own until the adapter
// closes its stream, and later subscribers join the running stream.
func (m *Manager) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	a, ok := m.adapters[channel]
	if !ok {
		return nil, adapter.NotConfigured("watch", errNoAdapter(channel))
	}

	m.mu.Lock()
	cw, exists := m.watches[channel]
	var watchCtx context.Context
	if !exists {
		var cancel context.CancelFunc
		watchCtx, cancel = context.WithCancel(context.Background())
		cw = &channelWatch{subs: make(map[string]*Subscription), cancel: cancel}
		m.watches[channel] = cw
	}
	m.nextID++
	id := channel + "-" + strconv.FormatUint(m.nextID, 10)
	m.mu.Unlock()

	sub := newSubscription(id, channel, m.bufferSize)
	cw.mu.Lock()
	cw.subs[id] = sub
	cw.mu.Unlock()

	// The watch starts only once its first subscriber is registered, so
	// an event arriving as soon as the stream opens has someone to reach.
	if !exists {
		go m.runWatch(watchCtx, channel, a, cw)
	}

	m.metrics.ActiveSubscriptions.Inc()
	return sub, nil
}

// Unsubscribe removes sub from its channel's fan-out set and releases
// any goroutine blocked in Subscription.Next.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	cw, ok := m.watches[sub.channel]
	m.mu.Unlock()
	if ok {
		cw.mu.Lock()
		delete(cw.subs, sub.id)
		cw.mu.Unlock()
	}
	sub.close()
	m.metrics.ActiveSubscriptions.Dec()
}

func (m *Manager) runWatch(ctx context.Context, channel string, a adapter.Adapter, cw *channelWatch) {
	stream, err := a.Watch(ctx)
	if err != nil {
		m.logger.Error("subscription: watch start failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				m.closeAll(channel, cw)
				return
			}
			m.deliver(channel, msg, cw)
		case <-ctx.Done():
			m.closeAll(channel, cw)
			return
		}
	}
}

func (m *Manager) deliver(channel string, msg adapter.IncomingMessage, cw *channelWatch) {
	snap := m.engine.Current()
	if ok, kind := snap.CheckInbound(channel, msg.Sender); !ok {
		m.metrics.PolicyDenialsTotal.WithLabelValues(channel, string(kind)).Inc()
		_ = m.journal.WriteSync(audit.Record{
			Action: "channel.deliver", Channel: channel, Direction: "inbound",
			Target: msg.Sender, Status: audit.StatusBlocked, Reason: string(kind),
		})
		if _, err := m.deadLetters.Write(channel, "inbound", msg.Sender, string(kind), []byte(msg.Text)); err != nil {
			m.logger.Warn("subscription: dead letter write failed", zap.Error(err))
		} else {
			m.metrics.DeadLettersTotal.Inc()
		}
		return
	}

	_ = m.journal.Write(audit.Record{
		Action: "channel.deliver", Channel: channel, Direction: "inbound",
		Target: msg.Sender, Status: audit.StatusAllowed,
	})

	cw.mu.Lock()
	defer cw.mu.Unlock()
	for _, sub := range cw.subs {
		if sub.push(msg) {
			m.metrics.SubscriptionsDropped.Inc()
		}
	}
}

func (m *Manager) closeAll(channel string, cw *channelWatch) {
	cw.mu.Lock()
	subs := make([]*Subscription, 0, len(cw.subs))
	for _, sub := range cw.subs {
		subs = append(subs, sub)
	}
	cw.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}

	m.mu.Lock()
	delete(m.watches, channel)
	m.mu.Unlock()
}

func errNoAdapter(channel string) error {
	return &noAdapterError{channel: channel}
}

type noAdapterError struct{ channel string }

func (e *noAdapterError) Error() string { return "no adapter configured for channel " + e.channel }
