package realtime

import (
	"context"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"storyweave/internal/redis"
)

// Signal classifies what the transport handed us.
type Signal int

const (
	SignalSubscribed Signal = iota
	SignalData
	SignalChannelError
	SignalTimedOut
	SignalClosed
)

// TransportMessage is one delivery from the transport: either a payload
// (SignalData) or a connection status transition.
type TransportMessage struct {
	Signal  Signal
	Payload []byte
}

// Transport abstracts the pub/sub product behind the subscription so the
// state machine can be driven by a fake in tests.
type Transport interface {
	// Subscribe opens the channel and emits messages until ctx is done.
	// Shutdown is signaled by closing the returned channel.
	Subscribe(ctx context.Context, channel string) (<-chan TransportMessage, error)
}

// receiver is the slice of go-redis PubSub the pump reads from.
type receiver interface {
	Receive(ctx context.Context) (interface{}, error)
}

// redisTransport adapts go-redis pub/sub to the Transport contract.
type redisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps the shared redis client.
func NewRedisTransport(client *redis.Client) Transport {
	return &redisTransport{client: client}
}

func (t *redisTransport) Subscribe(ctx context.Context, channel string) (<-chan TransportMessage, error) {
	raw := t.client.Raw()
	pubsub := raw.Subscribe(ctx, channel)
	out := make(chan TransportMessage, 16)

	go func() {
		defer close(out)
		defer pubsub.Close()
		pump(ctx, channel, pubsub, out)
	}()
	return out, nil
}

// pump forwards pub/sub deliveries until ctx is done. Every send also
// selects on ctx, so a consumer that stopped reading cannot strand the
// goroutine on a full buffer.
func pump(ctx context.Context, channel string, r receiver, out chan<- TransportMessage) {
	send := func(m TransportMessage) bool {
		select {
		case out <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("realtime receive on %s failed: %v", channel, err)
			if !send(TransportMessage{Signal: SignalChannelError}) {
				return
			}
			// brief pause before the next receive so a dead
			// connection does not spin
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		switch m := msg.(type) {
		case *goredis.Subscription:
			if !send(TransportMessage{Signal: SignalSubscribed}) {
				return
			}
		case *goredis.Message:
			if !send(TransportMessage{Signal: SignalData, Payload: []byte(m.Payload)}) {
				return
			}
		case *goredis.Pong:
			// keepalive, nothing to forward
		default:
			log.Printf("realtime unexpected pubsub message %T on %s", m, channel)
		}
	}
}
