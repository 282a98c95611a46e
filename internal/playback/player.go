package playback

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"storyweave/internal/models"
	"storyweave/internal/telemetry"
)

// Update is one frame of the reveal feed. Pending announces a zero-length
// placeholder before animation starts (prevents a flash of fully-formed
// text); Complete marks the final frame.
type Update struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Pending   bool   `json:"pending,omitempty"`
	Complete  bool   `json:"complete,omitempty"`
}

// completionDelay is the pause before the completion callback fires, so a
// consumer can scroll the finished message into view after the last frame.
const completionDelay = 200 * time.Millisecond

type queueItem struct {
	msg      *models.Message
	priority int64
}

type revealQueue []*queueItem

func (q revealQueue) Len() int { return len(q) }
func (q revealQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	if q[i].msg.Sequence != q[j].msg.Sequence {
		return q[i].msg.Sequence < q[j].msg.Sequence
	}
	return q[i].msg.ID < q[j].msg.ID
}
func (q revealQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *revealQueue) Push(x any)        { *q = append(*q, x.(*queueItem)) }
func (q *revealQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// priorityOf: narration always jumps the queue; character replies play in
// sequence order after it.
func priorityOf(msg *models.Message) int64 {
	if msg.Type == models.TypeNarration {
		return 0
	}
	return msg.Sequence + 1
}

// Player animates not-yet-displayed ai_response and narration messages as
// a character-by-character reveal, one message at a time, highest priority
// first. User and system messages never pass through it. One Player exists
// per open instance and is discarded with it.
type Player struct {
	flags      Flags
	clock      Clock
	update     func(Update)
	onComplete func(messageID int64)

	mu        sync.Mutex
	q         revealQueue
	queued    map[int64]struct{}
	processed map[int64]struct{}
	currentID int64
	skip      chan struct{}
	skipped   bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// NewPlayer starts the playback loop. update receives every frame; the
// optional onComplete fires shortly after each message finishes.
func NewPlayer(flags Flags, clock Clock, update func(Update), onComplete func(messageID int64)) *Player {
	if clock == nil {
		clock = SystemClock
	}
	p := &Player{
		flags:      flags,
		clock:      clock,
		update:     update,
		onComplete: onComplete,
		queued:     make(map[int64]struct{}),
		processed:  make(map[int64]struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue offers new messages to the player. Streamable candidates get an
// immediate zero-length pending frame; the streamed-flag check and the
// actual queue insert happen asynchronously so callers never block on the
// flag store.
func (p *Player) Enqueue(messages []*models.Message) {
	var candidates []*models.Message
	p.mu.Lock()
	for _, m := range messages {
		if m == nil || !m.Streamable() || m.Pending() {
			continue
		}
		if _, done := p.processed[m.ID]; done {
			continue
		}
		if _, waiting := p.queued[m.ID]; waiting {
			continue
		}
		if p.currentID == m.ID {
			continue
		}
		p.queued[m.ID] = struct{}{}
		candidates = append(candidates, m)
	}
	p.mu.Unlock()

	if len(candidates) == 0 {
		return
	}
	for _, m := range candidates {
		p.emit(Update{MessageID: m.ID, Pending: true})
	}

	go func() {
		for _, m := range candidates {
			streamed, err := p.flags.Streamed(context.Background(), m.ID)
			if err != nil {
				log.Printf("streamed flag lookup for message %d failed: %v", m.ID, err)
				streamed = false
			}
			if streamed {
				// Already seen on an earlier load: render instantly.
				p.mu.Lock()
				delete(p.queued, m.ID)
				p.processed[m.ID] = struct{}{}
				p.mu.Unlock()
				p.emit(Update{MessageID: m.ID, Text: models.DecodeBody(m.Body), Complete: true})
				continue
			}
			p.mu.Lock()
			heap.Push(&p.q, &queueItem{msg: m, priority: priorityOf(m)})
			p.mu.Unlock()
		}
		p.kick()
	}()
}

func (p *Player) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) run() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for {
			msg := p.dequeue()
			if msg == nil {
				break
			}
			p.stream(msg)
		}
	}
}

// dequeue pops the head and marks it processed immediately, so a fast
// re-enqueue of the same id cannot double-start it. Returns nil when the
// queue is empty.
func (p *Player) dequeue() *models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentID != 0 || p.q.Len() == 0 {
		return nil
	}
	it := heap.Pop(&p.q).(*queueItem)
	delete(p.queued, it.msg.ID)
	p.processed[it.msg.ID] = struct{}{}
	p.currentID = it.msg.ID
	p.skip = make(chan struct{})
	p.skipped = false
	return it.msg
}

func (p *Player) stream(msg *models.Message) {
	text := models.DecodeBody(msg.Body)
	runes := []rune(text)

	p.mu.Lock()
	skip := p.skip
	p.mu.Unlock()

	for i, r := range runes {
		p.emit(Update{MessageID: msg.ID, Text: string(runes[:i+1]), Complete: i == len(runes)-1})
		if i == len(runes)-1 {
			break
		}
		select {
		case <-p.clock.After(StepDelay(r)):
		case <-skip:
			p.emit(Update{MessageID: msg.ID, Text: text, Complete: true})
			p.finish(msg)
			return
		case <-p.stop:
			return
		}
	}
	if len(runes) == 0 {
		p.emit(Update{MessageID: msg.ID, Text: "", Complete: true})
	}
	p.finish(msg)
}

// finish records the durable streamed marker (best-effort), counts the
// completion, fires the delayed completion callback, and frees the loop
// for the next queued message.
func (p *Player) finish(msg *models.Message) {
	if err := p.flags.MarkStreamed(context.Background(), msg.ID); err != nil {
		// Worst case the message re-animates once on a later reload.
		log.Printf("mark message %d streamed failed: %v", msg.ID, err)
	}
	telemetry.StreamedMessages.Inc()

	if p.onComplete != nil {
		id := msg.ID
		go func() {
			select {
			case <-p.clock.After(completionDelay):
				p.onComplete(id)
			case <-p.stop:
			}
		}()
	}

	p.mu.Lock()
	p.currentID = 0
	p.skip = nil
	p.mu.Unlock()
}

// Skip cancels one message: mid-animation it snaps to full text; still
// queued it renders complete and leaves the queue. Other queued messages
// are untouched.
func (p *Player) Skip(messageID int64) {
	p.mu.Lock()
	if p.currentID == messageID {
		if !p.skipped && p.skip != nil {
			p.skipped = true
			close(p.skip)
		}
		p.mu.Unlock()
		return
	}
	removed := p.removeQueuedLocked(messageID)
	p.mu.Unlock()

	if removed != nil {
		p.completeInstantly(removed)
	}
}

// SkipAll drains the current message and the whole queue in one pass.
func (p *Player) SkipAll() {
	p.mu.Lock()
	if p.currentID != 0 && !p.skipped && p.skip != nil {
		p.skipped = true
		close(p.skip)
	}
	var drained []*models.Message
	for p.q.Len() > 0 {
		it := heap.Pop(&p.q).(*queueItem)
		delete(p.queued, it.msg.ID)
		p.processed[it.msg.ID] = struct{}{}
		drained = append(drained, it.msg)
	}
	p.mu.Unlock()

	for _, m := range drained {
		p.emit(Update{MessageID: m.ID, Text: models.DecodeBody(m.Body), Complete: true})
		if err := p.flags.MarkStreamed(context.Background(), m.ID); err != nil {
			log.Printf("mark message %d streamed failed: %v", m.ID, err)
		}
	}
}

func (p *Player) removeQueuedLocked(messageID int64) *models.Message {
	for i, it := range p.q {
		if it.msg.ID == messageID {
			heap.Remove(&p.q, i)
			delete(p.queued, messageID)
			p.processed[messageID] = struct{}{}
			return it.msg
		}
	}
	return nil
}

func (p *Player) completeInstantly(msg *models.Message) {
	p.emit(Update{MessageID: msg.ID, Text: models.DecodeBody(msg.Body), Complete: true})
	if err := p.flags.MarkStreamed(context.Background(), msg.ID); err != nil {
		log.Printf("mark message %d streamed failed: %v", msg.ID, err)
	}
}

// Streaming reports whether a message is mid-animation, and which.
func (p *Player) Streaming() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentID, p.currentID != 0
}

func (p *Player) emit(u Update) {
	if p.update != nil {
		p.update(u)
	}
}

// Close stops the loop and clears queue, streaming state and timers. Used
// on instance change; a new instance gets a new Player.
func (p *Player) Close() {
	p.once.Do(func() {
		close(p.stop)
	})
	p.mu.Lock()
	p.q = nil
	p.queued = make(map[int64]struct{})
	p.processed = make(map[int64]struct{})
	p.currentID = 0
	p.skip = nil
	p.mu.Unlock()
}
