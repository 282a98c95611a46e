package realtime

import (
	"encoding/json"
	"fmt"

	"storyweave/internal/models"
)

// Event kinds carried on an instance channel.
const (
	KindMessageInsert  = "message_insert"
	KindInstanceUpdate = "instance_update"
)

// Event is the single inbound event type of the push feed: a row payload
// plus its kind.
type Event struct {
	Kind       string          `json:"kind"`
	InstanceID int64           `json:"instance_id"`
	Message    *models.Message `json:"message,omitempty"`
	// Instance carries the changed instance fields verbatim; the
	// subscription never interprets them.
	Instance json.RawMessage `json:"instance,omitempty"`
}

// ChannelName returns the pub/sub channel for one instance.
func ChannelName(instanceID int64) string {
	return fmt.Sprintf("instance:%d:events", instanceID)
}
