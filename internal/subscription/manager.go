package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chain-rpc-gateway/internal/domain"
	"chain-rpc-gateway/internal/observability"
	"chain-rpc-gateway/internal/selector"
)

var (
	// ErrNoStreamingProvider is returned when no provider can serve a
	// subscription for the chain.
	ErrNoStreamingProvider = errors.New("no streaming provider available")

	// ErrSubscriptionNotFound is returned for unknown subscription ids.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("subscription manager closed")
)

// Ranker produces ordered provider candidates for a subscription.
type Ranker interface {
	Rank(chain, method string, priority domain.Priority, opts selector.Options) []domain.Provider
}

// Dialer opens a stream on a provider. Swappable in tests.
type Dialer func(ctx context.Context, p domain.Provider, topic string, params any, cfg StreamConfig) (*Stream, error)

// Config holds manager tunables.
type Config struct {
	// ReconnectBase is the initial delay before redialing the same
	// provider; doubles per attempt up to ReconnectMax.
	ReconnectBase time.Duration
	// ReconnectMax caps the redial delay.
	ReconnectMax time.Duration
	// MaxReconnectAttempts bounds redials on one provider before the
	// subscription rebinds to another.
	MaxReconnectAttempts int
	// QueueSize bounds each subscription's delivery queue. When full,
	// the oldest message is dropped to admit the newest.
	QueueSize int
	// Stream configures the underlying connections.
	Stream StreamConfig
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	c.Stream = c.Stream.withDefaults()
	return c
}

// Subscription is a handle to one managed stream subscription. The
// consumer reads Messages; the manager keeps them flowing across
// reconnects and provider rebinds.
type Subscription struct {
	ID    string
	Chain string
	Topic string

	params any
	queue  chan domain.StreamMessage

	mu       sync.Mutex
	state    domain.SubscriptionState
	provider string
	lastSeq  uint64
	failure  error

	cancel context.CancelFunc
	done   chan struct{}
}

// Messages returns the delivery channel. It is closed when the
// subscription ends, either by Unsubscribe or terminal failure.
func (s *Subscription) Messages() <-chan domain.StreamMessage {
	return s.queue
}

// State returns the current lifecycle state.
func (s *Subscription) State() domain.SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProviderID returns the provider currently serving the subscription.
func (s *Subscription) ProviderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// Err returns the terminal error for a failed subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// newSubscription builds an unbound handle; the manager drives it
// through the connect lifecycle.
func newSubscription(id, chain, topic string, params any, queueSize int) *Subscription {
	return &Subscription{
		ID:     id,
		Chain:  chain,
		Topic:  topic,
		params: params,
		queue:  make(chan domain.StreamMessage, queueSize),
		state:  domain.SubUnbound,
		done:   make(chan struct{}),
	}
}

func (s *Subscription) setState(state domain.SubscriptionState, provider string) {
	s.mu.Lock()
	s.state = state
	s.provider = provider
	s.mu.Unlock()
}

// Manager owns all stream subscriptions. Each runs its own goroutine
// driving the connect/reconnect/rebind state machine.
type Manager struct {
	ranker Ranker
	dial   Dialer
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	// OnFailure, when set, is invoked after a subscription exhausts
	// reconnects on every eligible provider.
	OnFailure func(sub *Subscription, err error)
}

// NewManager creates a subscription manager.
func NewManager(ranker Ranker, cfg Config, clk clock.Clock, logger *log.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[subscription] ", log.LstdFlags)
	}
	return &Manager{
		ranker: ranker,
		dial:   Dial,
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe binds a new subscription to the best streaming provider
// for the chain and starts delivering messages. The topic is the
// provider-side subscribe method, passed through opaquely.
func (m *Manager) Subscribe(ctx context.Context, chain, topic string, params any) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.nextID++
	id := fmt.Sprintf("sub-%d", m.nextID)
	m.mu.Unlock()

	candidates := m.ranker.Rank(chain, topic, domain.PriorityLatency, selector.Options{RequireStreaming: true})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s: %w", chain, ErrNoStreamingProvider)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(id, chain, topic, params, m.cfg.QueueSize)
	sub.cancel = cancel
	sub.setState(domain.SubConnecting, "")

	stream, provider, err := m.dialFirst(ctx, candidates, sub)
	if err != nil {
		cancel()
		return nil, err
	}
	sub.setState(domain.SubActive, provider.ID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		stream.Close()
		return nil, ErrManagerClosed
	}
	m.subs[id] = sub
	m.mu.Unlock()

	observability.AddActiveSubscriptions(1)

	m.wg.Add(1)
	go m.run(runCtx, sub, stream)

	return sub, nil
}

// dialFirst tries candidates in rank order until one accepts the
// subscription.
func (m *Manager) dialFirst(ctx context.Context, candidates []domain.Provider, sub *Subscription) (*Stream, domain.Provider, error) {
	var lastErr error
	for _, p := range candidates {
		stream, err := m.dial(ctx, p, sub.Topic, sub.params, m.cfg.Stream)
		if err != nil {
			m.logger.Printf("subscribe %s %s via %s: %v", sub.Chain, sub.Topic, p.ID, err)
			lastErr = err
			continue
		}
		return stream, p, nil
	}
	return nil, domain.Provider{}, fmt.Errorf("%s: %w: %v", sub.Chain, ErrNoStreamingProvider, lastErr)
}

// Unsubscribe tears down a subscription.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSubscriptionNotFound
	}

	sub.cancel()
	<-sub.done
	return nil
}

// Get returns a live subscription by id.
func (m *Manager) Get(id string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	return sub, ok
}

// List returns all live subscriptions.
func (m *Manager) List() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	return subs
}

// Close tears down every subscription and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	m.wg.Wait()
}

// run drives one subscription until it is cancelled or fails
// terminally. Reconnects stay on the bound provider with exponential
// backoff; once attempts are exhausted the subscription rebinds to the
// next ranked provider.
func (m *Manager) run(ctx context.Context, sub *Subscription, stream *Stream) {
	defer m.wg.Done()
	defer close(sub.done)
	defer close(sub.queue)
	defer observability.AddActiveSubscriptions(-1)

	for {
		streamErr := m.pump(ctx, sub, stream)
		stream.Close()

		if ctx.Err() != nil {
			sub.setState(domain.SubClosed, "")
			return
		}

		m.logger.Printf("%s: stream on %s ended: %v", sub.ID, stream.Provider().ID, streamErr)

		next, err := m.reestablish(ctx, sub, stream.Provider())
		if err != nil {
			if ctx.Err() != nil {
				sub.setState(domain.SubClosed, "")
				return
			}
			sub.mu.Lock()
			sub.state = domain.SubFailed
			sub.failure = err
			sub.mu.Unlock()
			m.logger.Printf("%s: terminal: %v", sub.ID, err)
			if m.OnFailure != nil {
				m.OnFailure(sub, err)
			}
			m.mu.Lock()
			delete(m.subs, sub.ID)
			m.mu.Unlock()
			return
		}

		stream = next
		sub.setState(domain.SubActive, stream.Provider().ID)
	}
}

// pump forwards stream messages into the delivery queue until the
// stream ends. Duplicate suppression uses the payload sequence cursor
// when present; a full queue drops its oldest message.
func (m *Manager) pump(ctx context.Context, sub *Subscription, stream *Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-stream.Messages():
			if !ok {
				return stream.Err()
			}

			if msg.Sequence > 0 {
				sub.mu.Lock()
				if msg.Sequence <= sub.lastSeq {
					sub.mu.Unlock()
					continue
				}
				sub.lastSeq = msg.Sequence
				sub.mu.Unlock()
			}

			for {
				select {
				case sub.queue <- msg:
					observability.RecordMessageDelivered()
				default:
					select {
					case <-sub.queue:
						observability.RecordMessageDropped()
						m.logger.Printf("%s: queue full, dropped oldest message", sub.ID)
					default:
					}
					continue
				}
				break
			}
		}
	}
}

// reestablish redials the bound provider with backoff and, once its
// attempts are exhausted, rebinds to the next ranked provider. The
// exclusion set is rebuilt per drop, so a provider that recovered
// since an earlier drop is consulted again.
func (m *Manager) reestablish(ctx context.Context, sub *Subscription, current domain.Provider) (*Stream, error) {
	sub.setState(domain.SubReconnecting, current.ID)

	delay := m.cfg.ReconnectBase
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		timer := m.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Stream.HandshakeTimeout+m.cfg.Stream.ConfirmTimeout)
		stream, err := m.dial(dialCtx, current, sub.Topic, sub.params, m.cfg.Stream)
		cancel()
		if err == nil {
			return stream, nil
		}
		m.logger.Printf("%s: reconnect %d/%d to %s failed: %v", sub.ID, attempt, m.cfg.MaxReconnectAttempts, current.ID, err)

		delay *= 2
		if delay > m.cfg.ReconnectMax {
			delay = m.cfg.ReconnectMax
		}
	}

	sub.setState(domain.SubConnecting, "")

	// Rebind: only the provider that just exhausted its attempts is
	// excluded; the rest of the ranking is walked in order.
	candidates := m.ranker.Rank(sub.Chain, sub.Topic, domain.PriorityLatency, selector.Options{
		RequireStreaming: true,
		Exclude:          map[string]bool{current.ID: true},
	})
	for _, p := range candidates {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Stream.HandshakeTimeout+m.cfg.Stream.ConfirmTimeout)
		stream, err := m.dial(dialCtx, p, sub.Topic, sub.params, m.cfg.Stream)
		cancel()
		if err != nil {
			m.logger.Printf("%s: rebind to %s failed: %v", sub.ID, p.ID, err)
			continue
		}
		observability.RecordSubscriptionRebind(sub.Chain)
		return stream, nil
	}

	return nil, fmt.Errorf("%s: %w", sub.Chain, ErrNoStreamingProvider)
}
