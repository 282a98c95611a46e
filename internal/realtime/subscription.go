package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"storyweave/internal/models"
	"storyweave/internal/telemetry"
)

// State of one subscription lifetime.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// FetchFunc re-reads the full persisted message list for an instance.
type FetchFunc func(ctx context.Context, instanceID int64) ([]*models.Message, int, error)

// Options tune the self-healing intervals. Zero values pick the defaults.
type Options struct {
	HealthInterval time.Duration // periodic health check, default 60s
	IdleThreshold  time.Duration // idle time that triggers re-verification, default 30s
	ErrorDebounce  time.Duration // delay between a transport error and catch-up, default 1.5s
	RetryDelay     time.Duration // single retry delay after a failed catch-up, default 5s
}

func (o *Options) fill() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 60 * time.Second
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 30 * time.Second
	}
	if o.ErrorDebounce <= 0 {
		o.ErrorDebounce = 1500 * time.Millisecond
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
}

// Subscription keeps one instance's push feed alive: it forwards fresh
// inserts to the reconciler, relays instance updates, and recovers from
// degraded connections with catch-up fetches. It never propagates errors
// across the callback boundary; everything is logged and self-healed.
type Subscription struct {
	instanceID       int64
	transport        Transport
	fetch            FetchFunc
	deliver          func(*models.Message)
	onInstanceUpdate func(json.RawMessage)
	opts             Options

	mu           sync.Mutex
	state        State
	processed    map[int64]struct{}
	lastActivity time.Time
	catchupTimer *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscription wires a subscription for one instance. deliver receives
// each new message exactly once; onInstanceUpdate gets instance patches
// verbatim and may be nil.
func NewSubscription(instanceID int64, transport Transport, fetch FetchFunc, deliver func(*models.Message), onInstanceUpdate func(json.RawMessage), opts Options) *Subscription {
	opts.fill()
	return &Subscription{
		instanceID:       instanceID,
		transport:        transport,
		fetch:            fetch,
		deliver:          deliver,
		onInstanceUpdate: onInstanceUpdate,
		opts:             opts,
		state:            StateConnecting,
		processed:        make(map[int64]struct{}),
		lastActivity:     time.Now(),
		done:             make(chan struct{}),
	}
}

// Start opens the transport channel and runs the event loop until Close.
func (s *Subscription) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ch, err := s.transport.Subscribe(ctx, ChannelName(s.instanceID))
	if err != nil {
		cancel()
		return err
	}
	go s.run(ctx, ch)
	return nil
}

func (s *Subscription) run(ctx context.Context, ch <-chan TransportMessage) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return
		case msg, ok := <-ch:
			if !ok {
				s.setState(StateClosed)
				return
			}
			s.handleTransport(ctx, msg)
		case <-ticker.C:
			s.healthCheck(ctx)
		}
	}
}

func (s *Subscription) handleTransport(ctx context.Context, msg TransportMessage) {
	switch msg.Signal {
	case SignalSubscribed:
		s.setState(StateSubscribed)
	case SignalData:
		s.handleData(msg.Payload)
	case SignalChannelError, SignalTimedOut:
		s.setState(StateDegraded)
		s.scheduleCatchup(ctx, s.opts.ErrorDebounce, false)
	case SignalClosed:
		if ctx.Err() == nil {
			s.setState(StateDegraded)
			s.scheduleCatchup(ctx, s.opts.ErrorDebounce, false)
		}
	}
}

func (s *Subscription) handleData(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("realtime decode event failed: %v", err)
		return
	}
	telemetry.PushEvents.WithLabelValues(ev.Kind).Inc()

	switch ev.Kind {
	case KindMessageInsert:
		if ev.Message == nil {
			log.Printf("realtime insert event without row on instance %d", s.instanceID)
			return
		}
		s.onInsert(ev.Message)
	case KindInstanceUpdate:
		// Diagnostic only; the payload is never interpreted here.
		var peek map[string]json.RawMessage
		if json.Unmarshal(ev.Instance, &peek) == nil {
			if _, ok := peek["objectives_progress"]; ok {
				debugf("instance %d update carries objective progress", s.instanceID)
			}
		}
		if s.onInstanceUpdate != nil {
			s.onInstanceUpdate(ev.Instance)
		}
	default:
		log.Printf("realtime unknown event kind %q on instance %d", ev.Kind, s.instanceID)
	}
}

// onInsert forwards a row unless it was already processed in this
// subscription lifetime.
func (s *Subscription) onInsert(msg *models.Message) {
	s.mu.Lock()
	if _, seen := s.processed[msg.ID]; seen {
		s.mu.Unlock()
		debugf("instance %d duplicate push delivery of message %d dropped", s.instanceID, msg.ID)
		telemetry.DedupeDrops.WithLabelValues("push_duplicate").Inc()
		return
	}
	s.processed[msg.ID] = struct{}{}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.deliver(msg)
}

func (s *Subscription) healthCheck(ctx context.Context) {
	s.mu.Lock()
	idle := time.Since(s.lastActivity)
	s.mu.Unlock()
	if idle > s.opts.IdleThreshold {
		// Re-verify via catch-up rather than assuming the channel is
		// still healthy.
		s.runCatchup(ctx, false)
	}
}

// scheduleCatchup arms a single catch-up; an already-armed timer wins.
func (s *Subscription) scheduleCatchup(ctx context.Context, delay time.Duration, isRetry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if s.catchupTimer != nil {
		return
	}
	s.catchupTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.catchupTimer = nil
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.runCatchup(ctx, isRetry)
	})
}

// runCatchup re-fetches everything and forwards what the processed set has
// not seen, in ascending server order. Success restores connection health;
// failure schedules exactly one retry.
func (s *Subscription) runCatchup(ctx context.Context, isRetry bool) {
	messages, _, err := s.fetch(ctx, s.instanceID)
	if err != nil {
		telemetry.CatchupFetches.WithLabelValues("error").Inc()
		log.Printf("catch-up fetch for instance %d failed: %v", s.instanceID, err)
		if !isRetry {
			s.scheduleCatchup(ctx, s.opts.RetryDelay, true)
		}
		return
	}

	var fresh []*models.Message
	s.mu.Lock()
	for _, m := range messages {
		if _, seen := s.processed[m.ID]; seen {
			continue
		}
		s.processed[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	s.lastActivity = time.Now()
	if s.state != StateClosed {
		s.state = StateSubscribed
	}
	s.mu.Unlock()

	telemetry.CatchupFetches.WithLabelValues("ok").Inc()
	if len(fresh) > 0 {
		debugf("catch-up on instance %d recovered %d messages", s.instanceID, len(fresh))
	}
	for _, m := range fresh {
		s.deliver(m)
	}
}

// State reports the current connection state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close tears the subscription down and clears all dedupe memory.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.state = StateClosed
	if s.catchupTimer != nil {
		s.catchupTimer.Stop()
		s.catchupTimer = nil
	}
	s.processed = make(map[int64]struct{})
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
