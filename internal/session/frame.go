package session

import (
	"encoding/json"

	"storyweave/internal/models"
	"storyweave/internal/playback"
)

// Frame kinds pushed to session listeners.
const (
	// FrameMessage carries a message that entered (or replaced one in)
	// the session's message list.
	FrameMessage = "message"
	// FrameRetract withdraws an optimistic message after a failed send.
	FrameRetract = "retract"
	// FrameReveal carries one character-reveal step.
	FrameReveal = "reveal"
	// FrameRevealDone fires shortly after a reveal finishes.
	FrameRevealDone = "reveal_done"
	// FrameInstance carries an instance update patch.
	FrameInstance = "instance"
	// FrameTyping reports a typing-indicator change.
	FrameTyping = "typing"
)

// Frame is one unit of the session's outbound feed. Exactly one of the
// payload fields is set, selected by Kind.
type Frame struct {
	Kind     string           `json:"kind"`
	Message  *models.Message  `json:"message,omitempty"`
	Reveal   *playback.Update `json:"reveal,omitempty"`
	Instance json.RawMessage  `json:"instance,omitempty"`
	Typing   *bool            `json:"typing,omitempty"`
}
