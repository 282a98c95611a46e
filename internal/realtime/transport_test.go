package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// floodReceiver hands back a payload on every call.
type floodReceiver struct{}

func (floodReceiver) Receive(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &goredis.Message{Payload: "x"}, nil
}

// errOnceReceiver fails the first receive, then blocks until cancel.
type errOnceReceiver struct{ calls int }

func (r *errOnceReceiver) Receive(ctx context.Context) (interface{}, error) {
	r.calls++
	if r.calls == 1 {
		return nil, errors.New("connection reset")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPumpExitsWhenConsumerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan TransportMessage, 1) // fills immediately; nobody reads
	done := make(chan struct{})
	go func() {
		pump(ctx, "instance:1:events", floodReceiver{}, out)
		close(done)
	}()

	// let the buffer fill, then walk away the way a closed subscription does
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump goroutine stuck on a full buffer after cancel")
	}
}

func TestPumpForwardsChannelError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan TransportMessage, 4)
	done := make(chan struct{})
	go func() {
		pump(ctx, "instance:1:events", &errOnceReceiver{}, out)
		close(done)
	}()

	select {
	case m := <-out:
		if m.Signal != SignalChannelError {
			t.Fatalf("expected channel-error signal, got %v", m.Signal)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive failure never surfaced")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not stop after cancel")
	}
}
