package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"storyweave/internal/models"
)

// fakeTransport lets tests inject transport signals by hand.
type fakeTransport struct {
	ch chan TransportMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan TransportMessage, 16)}
}

func (t *fakeTransport) Subscribe(context.Context, string) (<-chan TransportMessage, error) {
	return t.ch, nil
}

func (t *fakeTransport) data(tb testing.TB, ev Event) {
	tb.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		tb.Fatalf("marshal event: %v", err)
	}
	t.ch <- TransportMessage{Signal: SignalData, Payload: payload}
}

// collector gathers delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []*models.Message
}

func (c *collector) deliver(m *models.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, m := range c.msgs {
		out = append(out, m.ID)
	}
	return out
}

func (c *collector) waitCount(tb testing.TB, n int) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %d deliveries, have %d", n, len(c.ids()))
}

func testOptions() Options {
	return Options{
		HealthInterval: time.Hour, // disable the periodic check
		IdleThreshold:  time.Hour,
		ErrorDebounce:  20 * time.Millisecond,
		RetryDelay:     30 * time.Millisecond,
	}
}

func msg(id int64) *models.Message {
	return &models.Message{ID: id, InstanceID: 1, Type: models.TypeAI, Sequence: id, Body: "m"}
}

func TestSubscriptionDeliversAndDeduplicates(t *testing.T) {
	transport := newFakeTransport()
	c := &collector{}
	sub := NewSubscription(1, transport, nil, c.deliver, nil, testOptions())
	if err := sub.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	transport.ch <- TransportMessage{Signal: SignalSubscribed}
	transport.data(t, Event{Kind: KindMessageInsert, InstanceID: 1, Message: msg(10)})
	transport.data(t, Event{Kind: KindMessageInsert, InstanceID: 1, Message: msg(10)})
	transport.data(t, Event{Kind: KindMessageInsert, InstanceID: 1, Message: msg(11)})

	c.waitCount(t, 2)
	time.Sleep(20 * time.Millisecond)
	ids := c.ids()
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 11 {
		t.Fatalf("expected [10 11], got %v", ids)
	}
	if sub.State() != StateSubscribed {
		t.Fatalf("expected subscribed state, got %s", sub.State())
	}
}

func TestSubscriptionChannelErrorTriggersCatchup(t *testing.T) {
	transport := newFakeTransport()
	c := &collector{}

	var fetchMu sync.Mutex
	fetches := 0
	fetch := func(context.Context, int64) ([]*models.Message, int, error) {
		fetchMu.Lock()
		fetches++
		fetchMu.Unlock()
		return []*models.Message{msg(1), msg(2)}, 2, nil
	}
	sub := NewSubscription(1, transport, fetch, c.deliver, nil, testOptions())
	if err := sub.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	transport.ch <- TransportMessage{Signal: SignalSubscribed}
	// message 1 arrives normally, then the channel degrades
	transport.data(t, Event{Kind: KindMessageInsert, InstanceID: 1, Message: msg(1)})
	c.waitCount(t, 1)
	transport.ch <- TransportMessage{Signal: SignalChannelError}

	if sub.State() != StateDegraded && sub.State() != StateSubscribed {
		// the catch-up may already have healed the state
		t.Fatalf("unexpected state %s", sub.State())
	}

	// catch-up forwards only the message the push feed missed
	c.waitCount(t, 2)
	ids := c.ids()
	if ids[1] != 2 {
		t.Fatalf("catch-up should deliver message 2, got %v", ids)
	}
	deadline := time.Now().Add(time.Second)
	for sub.State() != StateSubscribed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.State() != StateSubscribed {
		t.Fatalf("catch-up should restore subscribed state, got %s", sub.State())
	}
	fetchMu.Lock()
	defer fetchMu.Unlock()
	if fetches != 1 {
		t.Fatalf("expected a single catch-up fetch, got %d", fetches)
	}
}

func TestSubscriptionCatchupRetriesOnce(t *testing.T) {
	transport := newFakeTransport()
	c := &collector{}

	var fetchMu sync.Mutex
	fetches := 0
	fetch := func(context.Context, int64) ([]*models.Message, int, error) {
		fetchMu.Lock()
		defer fetchMu.Unlock()
		fetches++
		if fetches == 1 {
			return nil, 0, context.DeadlineExceeded
		}
		return []*models.Message{msg(5)}, 1, nil
	}
	sub := NewSubscription(1, transport, fetch, c.deliver, nil, testOptions())
	if err := sub.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	transport.ch <- TransportMessage{Signal: SignalChannelError}

	c.waitCount(t, 1)
	if ids := c.ids(); ids[0] != 5 {
		t.Fatalf("retry should deliver message 5, got %v", ids)
	}
	fetchMu.Lock()
	defer fetchMu.Unlock()
	if fetches != 2 {
		t.Fatalf("expected failed fetch plus one retry, got %d", fetches)
	}
}

func TestSubscriptionRelaysInstanceUpdates(t *testing.T) {
	transport := newFakeTransport()
	c := &collector{}
	patches := make(chan json.RawMessage, 4)
	sub := NewSubscription(1, transport, nil, c.deliver, func(p json.RawMessage) { patches <- p }, testOptions())
	if err := sub.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	raw := json.RawMessage(`{"current_turn": 4, "objectives_progress": {}}`)
	transport.data(t, Event{Kind: KindInstanceUpdate, InstanceID: 1, Instance: raw})

	select {
	case got := <-patches:
		var decoded struct {
			CurrentTurn int `json:"current_turn"`
		}
		if err := json.Unmarshal(got, &decoded); err != nil || decoded.CurrentTurn != 4 {
			t.Fatalf("patch relayed wrong: %s err=%v", got, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("instance update never relayed")
	}
	if len(c.ids()) != 0 {
		t.Fatalf("instance update must not become a message delivery")
	}
}

func TestSubscriptionIdleHealthCheckFetches(t *testing.T) {
	transport := newFakeTransport()
	c := &collector{}
	fetched := make(chan struct{}, 4)
	fetch := func(context.Context, int64) ([]*models.Message, int, error) {
		fetched <- struct{}{}
		return nil, 0, nil
	}
	opts := Options{
		HealthInterval: 20 * time.Millisecond,
		IdleThreshold:  time.Nanosecond,
		ErrorDebounce:  time.Hour,
		RetryDelay:     time.Hour,
	}
	sub := NewSubscription(1, transport, fetch, c.deliver, nil, opts)
	if err := sub.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	select {
	case <-fetched:
	case <-time.After(time.Second):
		t.Fatalf("idle health check never re-verified via fetch")
	}
}

func TestChannelName(t *testing.T) {
	if got := ChannelName(42); got != "instance:42:events" {
		t.Fatalf("unexpected channel name %q", got)
	}
}
