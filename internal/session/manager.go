package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"storyweave/internal/models"
	"storyweave/internal/playback"
	"storyweave/internal/realtime"
)

// openTimeout bounds the whole open sequence: instance load, history
// fetch and, for a fresh instance, the backend initialize call.
const openTimeout = 30 * time.Second

// Gateway is the slice of the backend HTTP surface the engine drives.
type Gateway interface {
	SendChat(ctx context.Context, instanceID int64, userMessage string, mode models.Mode, history []*models.Message) error
	Initialize(ctx context.Context, instanceID int64) error
}

// Store reads the persisted message list.
type Store interface {
	FetchAll(ctx context.Context, instanceID int64) ([]*models.Message, int, error)
}

// Instances reads scenario and instance records.
type Instances interface {
	GetInstance(ctx context.Context, instanceID int64) (*models.ScenarioInstance, error)
	GetScenario(ctx context.Context, id int64) (*models.Scenario, error)
}

// Config carries the manager's collaborators. Clock and SubOptions are
// optional; zero values select real time and the default intervals.
type Config struct {
	Store      Store
	Instances  Instances
	Gateway    Gateway
	Transport  realtime.Transport
	Flags      playback.Flags
	Clock      playback.Clock
	SubOptions realtime.Options
}

// Manager holds at most one live Session per instance and serializes
// open/close against lookups.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewManager builds a session manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, sessions: make(map[int64]*Session)}
}

// Open returns the live session for the instance, creating one if needed.
// A fresh instance (zero messages) gets its opening narration seeded via
// the backend; if that call fails the session still opens and the seed
// arrives on a later turn instead.
func (m *Manager) Open(ctx context.Context, instanceID, userID int64) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[instanceID]; ok {
		m.mu.Unlock()
		if existing.userID != userID {
			return nil, fmt.Errorf("instance %d is owned by another user", instanceID)
		}
		return existing, nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	inst, err := m.cfg.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if inst.UserID != userID {
		return nil, fmt.Errorf("instance %d is owned by another user", instanceID)
	}
	sc, err := m.cfg.Instances.GetScenario(ctx, inst.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}

	messages, count, err := m.cfg.Store.FetchAll(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if count == 0 {
		if err := m.cfg.Gateway.Initialize(ctx, instanceID); err != nil {
			// Open anyway; a degraded open beats a blocked one. Seed the
			// opening locally so the scene is not blank; the authoritative
			// copy replaces it by content when it eventually lands.
			log.Printf("session: initialize instance %d: %v", instanceID, err)
			if sc.OpeningPrompt != "" {
				messages = append(messages, &models.Message{
					ID:         models.NextPendingID(),
					InstanceID: instanceID,
					Sender:     "Narrator",
					Body:       sc.OpeningPrompt,
					Type:       models.TypeNarration,
					Turn:       0,
					CreatedAt:  time.Now().UTC(),
				})
			}
		} else if messages, count, err = m.cfg.Store.FetchAll(ctx, instanceID); err != nil {
			return nil, fmt.Errorf("reload history: %w", err)
		}
		_ = count
	}

	s := newSession(instanceID, userID, m.cfg.Gateway, m.cfg.Instances.GetInstance)
	s.doWait(func() {
		s.instance = inst
		s.scenario = sc
		s.messages = messages
	})

	s.player = playback.NewPlayer(m.cfg.Flags, m.cfg.Clock,
		func(u playback.Update) {
			rev := u
			s.broadcast(Frame{Kind: FrameReveal, Reveal: &rev})
		},
		func(messageID int64) {
			s.broadcast(Frame{Kind: FrameRevealDone, Reveal: &playback.Update{MessageID: messageID, Complete: true}})
		},
	)
	s.sub = realtime.NewSubscription(instanceID, m.cfg.Transport, m.cfg.Store.FetchAll,
		s.Deliver, s.applyInstancePatch, m.cfg.SubOptions)
	if err := s.sub.Start(); err != nil {
		s.close()
		return nil, fmt.Errorf("subscribe instance %d: %w", instanceID, err)
	}
	s.player.Enqueue(messages)

	m.mu.Lock()
	if raced, ok := m.sessions[instanceID]; ok {
		m.mu.Unlock()
		s.close()
		if raced.userID != userID {
			return nil, fmt.Errorf("instance %d is owned by another user", instanceID)
		}
		return raced, nil
	}
	m.sessions[instanceID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the live session for the instance, or nil.
func (m *Manager) Get(instanceID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[instanceID]
}

// Send appends the message optimistically, then posts it to the backend.
// A rejected post rolls the optimistic copy back and returns the error; an
// accepted one returns the optimistic message, which the push feed later
// replaces with the server copy.
func (m *Manager) Send(ctx context.Context, instanceID, userID int64, content string, mode models.Mode) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}
	s := m.Get(instanceID)
	if s == nil {
		return nil, fmt.Errorf("instance %d has no open session", instanceID)
	}
	if s.userID != userID {
		return nil, fmt.Errorf("instance %d is owned by another user", instanceID)
	}

	opt, window, err := s.applySend(content, mode)
	if err != nil {
		return nil, err
	}
	if err := m.cfg.Gateway.SendChat(ctx, instanceID, content, opt.Mode, window); err != nil {
		s.rollback(opt.ID)
		return nil, fmt.Errorf("send message: %w", err)
	}
	return opt, nil
}

// Close discards the session for the instance, if any.
func (m *Manager) Close(instanceID int64) {
	m.mu.Lock()
	s := m.sessions[instanceID]
	delete(m.sessions, instanceID)
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// CloseAll discards every live session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
