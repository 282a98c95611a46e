package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"storyweave/internal/models"
	"storyweave/internal/playback"
	"storyweave/internal/realtime"
	"storyweave/internal/service/history"
	"storyweave/internal/telemetry"
)

const (
	// instanceRefreshDelay gives the backend time to commit turn and
	// objective updates before the post-narration re-read.
	instanceRefreshDelay = 500 * time.Millisecond
	// hashPrefixLen bounds the content-hash guard key.
	hashPrefixLen = 100
	// listenerBuffer is the per-listener frame backlog; a listener that
	// falls further behind starts losing frames rather than stalling the
	// session.
	listenerBuffer = 64
	// opsBuffer bounds the serialized command queue.
	opsBuffer = 128
)

// Session owns the live state of one open scenario instance: the ordered
// message list, the typing indicator, the push subscription and the
// playback queue. All state mutations run on a single goroutine, so every
// delivery path funnels through one serialized reconcile step.
type Session struct {
	instanceID int64
	userID     int64

	gateway Gateway
	refresh func(ctx context.Context, instanceID int64) (*models.ScenarioInstance, error)

	ops  chan func()
	stop chan struct{}
	once sync.Once

	// Loop-owned state; never touched off the ops goroutine.
	instance     *models.ScenarioInstance
	scenario     *models.Scenario
	messages     []*models.Message
	typing       bool
	expectedTurn int
	apiHashes    map[string]struct{}
	refreshArmed bool

	player *playback.Player
	sub    *realtime.Subscription

	listenerMu sync.Mutex
	listeners  map[int]chan Frame
	nextListen int
}

func newSession(instanceID, userID int64, gw Gateway, refresh func(context.Context, int64) (*models.ScenarioInstance, error)) *Session {
	s := &Session{
		instanceID: instanceID,
		userID:     userID,
		gateway:    gw,
		refresh:    refresh,
		ops:        make(chan func(), opsBuffer),
		stop:       make(chan struct{}),
		apiHashes:  make(map[string]struct{}),
		listeners:  make(map[int]chan Frame),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	for {
		select {
		case <-s.stop:
			return
		case op := <-s.ops:
			op()
		}
	}
}

// do enqueues a state mutation on the session goroutine.
func (s *Session) do(op func()) {
	select {
	case s.ops <- op:
	case <-s.stop:
	}
}

// doWait runs op on the session goroutine and waits for it.
func (s *Session) doWait(op func()) {
	done := make(chan struct{})
	s.do(func() {
		op()
		close(done)
	})
	select {
	case <-done:
	case <-s.stop:
	}
}

// Deliver funnels a message from any source (push feed or catch-up) into
// the serialized reconcile step.
func (s *Session) Deliver(msg *models.Message) {
	s.do(func() { s.reconcile(msg) })
}

// reconcile merges one incoming message into the session list. The checks
// run strictly in this order; the first match wins.
func (s *Session) reconcile(msg *models.Message) {
	// The fetch path decodes in the store, but push deliveries arrive
	// verbatim from the row; unwrap the legacy envelope here so every
	// comparison below sees plain text.
	msg.Body = models.DecodeBody(msg.Body)

	// An ai_response whose content was already recorded as created by a
	// direct API response would arrive twice; drop the push copy.
	if msg.Type == models.TypeAI {
		if _, dup := s.apiHashes[contentHash(msg.Sender, msg.Turn, msg.Body)]; dup {
			telemetry.DedupeDrops.WithLabelValues("api_content").Inc()
			debugf("instance %d dropped api-content duplicate of %q", s.instanceID, msg.Sender)
			return
		}
	}

	// Any non-user message proves the backend is done thinking.
	if msg.Type != models.TypeUser {
		s.setTyping(false)
		s.expectedTurn = 0
	}

	// Narration marks turn completion; re-read the instance shortly after
	// so turn counter and objectives catch up.
	if msg.Type == models.TypeNarration {
		s.armInstanceRefresh()
	}

	// The server echo of our own message replaces the optimistic copy.
	if msg.Type == models.TypeUser {
		for i, existing := range s.messages {
			if existing.Pending() && existing.Body == msg.Body {
				if msg.Mode == "" {
					msg.Mode = existing.Mode
				}
				s.messages[i] = msg
				history.Sort(s.messages)
				s.broadcast(Frame{Kind: FrameMessage, Message: msg})
				debugf("instance %d promoted optimistic message to id %d", s.instanceID, msg.ID)
				return
			}
		}
	}

	for _, existing := range s.messages {
		if existing.ID == msg.ID {
			telemetry.DedupeDrops.WithLabelValues("message_id").Inc()
			return
		}
	}

	if msg.Type == models.TypeSystem || msg.Type == models.TypeNarration {
		for i, existing := range s.messages {
			if existing.Type == msg.Type && existing.Turn == msg.Turn && existing.Body == msg.Body {
				if existing.Pending() {
					// A locally seeded copy; the authoritative row
					// replaces it the same way server echoes replace
					// optimistic user messages.
					s.messages[i] = msg
					history.Sort(s.messages)
					s.broadcast(Frame{Kind: FrameMessage, Message: msg})
					if msg.Streamable() {
						s.player.Enqueue([]*models.Message{msg})
					}
					return
				}
				telemetry.DedupeDrops.WithLabelValues("seed_content").Inc()
				return
			}
		}
	}

	if msg.Type == models.TypeUser && msg.Mode == "" {
		msg.Mode = models.InferMode(msg.Body)
	}
	s.messages = append(s.messages, msg)
	history.Sort(s.messages)
	s.broadcast(Frame{Kind: FrameMessage, Message: msg})
	if msg.Streamable() {
		s.player.Enqueue([]*models.Message{msg})
	}
}

// armInstanceRefresh schedules a single delayed instance re-read. Multiple
// narrations inside the window share one refresh.
func (s *Session) armInstanceRefresh() {
	if s.refreshArmed {
		return
	}
	s.refreshArmed = true
	time.AfterFunc(instanceRefreshDelay, func() {
		s.do(func() { s.refreshArmed = false })

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		inst, err := s.refresh(ctx, s.instanceID)
		if err != nil {
			log.Printf("session: refresh instance %d: %v", s.instanceID, err)
			return
		}
		patch, err := json.Marshal(inst)
		if err != nil {
			log.Printf("session: encode instance %d: %v", s.instanceID, err)
			return
		}
		s.do(func() {
			s.instance = inst
			s.broadcast(Frame{Kind: FrameInstance, Instance: patch})
		})
	})
}

// applyInstancePatch relays a push-feed instance update verbatim and folds
// the fields it understands into the local snapshot.
func (s *Session) applyInstancePatch(patch json.RawMessage) {
	s.do(func() {
		var partial struct {
			CurrentTurn *int                                `json:"current_turn"`
			Status      *string                             `json:"status"`
			Objectives  map[string]models.ObjectiveProgress `json:"objectives_progress"`
		}
		if err := json.Unmarshal(patch, &partial); err == nil && s.instance != nil {
			if partial.CurrentTurn != nil {
				s.instance.CurrentTurn = *partial.CurrentTurn
			}
			if partial.Status != nil {
				s.instance.Status = *partial.Status
			}
			if partial.Objectives != nil {
				s.instance.Objectives = partial.Objectives
			}
		}
		s.broadcast(Frame{Kind: FrameInstance, Instance: patch})
	})
}

// applySend appends the optimistic copy of an outgoing user message and
// flips the typing indicator on. It returns the optimistic message and a
// history snapshot of the persisted messages to send as context.
func (s *Session) applySend(content string, mode models.Mode) (*models.Message, []*models.Message, error) {
	var (
		opt    *models.Message
		window []*models.Message
		err    error
	)
	s.doWait(func() {
		if s.instance == nil {
			err = fmt.Errorf("instance %d is not open", s.instanceID)
			return
		}
		if s.instance.Status != models.InstanceActive {
			err = fmt.Errorf("instance %d is %s", s.instanceID, s.instance.Status)
			return
		}
		for _, m := range s.messages {
			if !m.Pending() {
				window = append(window, m)
			}
		}
		if mode == "" {
			mode = models.InferMode(content)
		}
		opt = &models.Message{
			ID:         models.NextPendingID(),
			InstanceID: s.instanceID,
			Sender:     "Player",
			Body:       content,
			Type:       models.TypeUser,
			Turn:       s.instance.CurrentTurn + 1,
			Mode:       mode,
			CreatedAt:  time.Now().UTC(),
		}
		s.messages = append(s.messages, opt)
		history.Sort(s.messages)
		// advisory only; never used for correctness
		s.expectedTurn = s.instance.CurrentTurn + 1
		debugf("instance %d expecting turn %d", s.instanceID, s.expectedTurn)
		s.broadcast(Frame{Kind: FrameMessage, Message: opt})
		s.setTyping(true)
	})
	return opt, window, err
}

// rollback withdraws an optimistic message after the backend rejected the
// send, and clears the typing indicator.
func (s *Session) rollback(optimisticID int64) {
	s.do(func() {
		for i, m := range s.messages {
			if m.ID == optimisticID {
				retracted := m
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				s.broadcast(Frame{Kind: FrameRetract, Message: retracted})
				break
			}
		}
		s.setTyping(false)
		s.expectedTurn = 0
	})
}

func (s *Session) setTyping(on bool) {
	if s.typing == on {
		return
	}
	s.typing = on
	v := on
	s.broadcast(Frame{Kind: FrameTyping, Typing: &v})
}

// NoteAPIContent records content as created through a direct API response,
// so the matching push delivery gets dropped instead of duplicated.
func (s *Session) NoteAPIContent(sender string, turn int, body string) {
	s.do(func() {
		s.apiHashes[contentHash(sender, turn, body)] = struct{}{}
	})
}

func contentHash(sender string, turn int, body string) string {
	if len(body) > hashPrefixLen {
		body = body[:hashPrefixLen]
	}
	return fmt.Sprintf("%s|%d|%s", sender, turn, body)
}

// Snapshot returns a copy of the current message list, the typing flag and
// the instance record.
func (s *Session) Snapshot() ([]*models.Message, bool, *models.ScenarioInstance) {
	var (
		messages []*models.Message
		typing   bool
		inst     *models.ScenarioInstance
	)
	s.doWait(func() {
		messages = make([]*models.Message, len(s.messages))
		copy(messages, s.messages)
		typing = s.typing
		inst = s.instance
	})
	return messages, typing, inst
}

// Scenario returns the scenario this session plays.
func (s *Session) Scenario() *models.Scenario {
	var sc *models.Scenario
	s.doWait(func() { sc = s.scenario })
	return sc
}

// Subscribe attaches a listener to the session's frame feed. The returned
// cancel detaches it.
func (s *Session) Subscribe() (<-chan Frame, func()) {
	s.listenerMu.Lock()
	id := s.nextListen
	s.nextListen++
	ch := make(chan Frame, listenerBuffer)
	s.listeners[id] = ch
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if existing, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(existing)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) broadcast(f Frame) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for id, ch := range s.listeners {
		select {
		case ch <- f:
		default:
			debugf("instance %d listener %d lagging, frame dropped", s.instanceID, id)
		}
	}
}

// Skip fast-forwards one playing or queued reveal.
func (s *Session) Skip(messageID int64) { s.player.Skip(messageID) }

// SkipAll fast-forwards everything.
func (s *Session) SkipAll() { s.player.SkipAll() }

// ConnectionState reports the push-feed health.
func (s *Session) ConnectionState() realtime.State { return s.sub.State() }

// close tears down the subscription, the player and the loop, and drops
// all per-session dedupe and playback memory.
func (s *Session) close() {
	s.once.Do(func() {
		if s.sub != nil {
			s.sub.Close()
		}
		if s.player != nil {
			s.player.Close()
		}
		close(s.stop)

		s.listenerMu.Lock()
		for id, ch := range s.listeners {
			delete(s.listeners, id)
			close(ch)
		}
		s.listenerMu.Unlock()
	})
}
