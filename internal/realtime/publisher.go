package realtime

import (
	"context"
	"encoding/json"
	"log"

	"storyweave/internal/models"
	"storyweave/internal/redis"
)

// Publisher broadcasts row events on the instance channel. Publish
// failures are logged and swallowed; the catch-up fetch is the backstop
// for anything a subscriber misses.
type Publisher struct {
	client *redis.Client
}

// NewPublisher wraps the shared redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishMessage announces a freshly inserted message row.
func (p *Publisher) PublishMessage(ctx context.Context, msg *models.Message) {
	if p == nil || p.client == nil || msg == nil {
		return
	}
	p.publish(ctx, msg.InstanceID, Event{
		Kind:       KindMessageInsert,
		InstanceID: msg.InstanceID,
		Message:    msg,
	})
}

// PublishInstance announces changed instance fields. The patch is relayed
// verbatim; subscribers forward it without interpreting.
func (p *Publisher) PublishInstance(ctx context.Context, instanceID int64, patch any) {
	if p == nil || p.client == nil {
		return
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		log.Printf("realtime marshal instance patch failed: %v", err)
		return
	}
	p.publish(ctx, instanceID, Event{
		Kind:       KindInstanceUpdate,
		InstanceID: instanceID,
		Instance:   raw,
	})
}

func (p *Publisher) publish(ctx context.Context, instanceID int64, ev Event) {
	raw := p.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("realtime marshal event failed: %v", err)
		return
	}
	if err := raw.Publish(ctx, ChannelName(instanceID), payload).Err(); err != nil {
		log.Printf("realtime publish to %s failed: %v", ChannelName(instanceID), err)
	}
}
