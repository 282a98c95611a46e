package responder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"storyweave/internal/gateway"
	"storyweave/internal/models"
	"storyweave/internal/realtime"
	"storyweave/internal/service/ai"
	"storyweave/internal/service/history"
	"storyweave/internal/service/scenario"
)

// narratorName is the sender recorded on narration rows.
const narratorName = "Narrator"

// objectiveStep is how much the running objective advances per turn.
const objectiveStep = 20

// Service is the backend half of the conversation loop: it persists the
// authoritative rows for a turn, publishes a push event per insert, and
// advances the instance's turn and objective progress. The engine never
// reads its responses; everything it produces travels through the store
// and the push feed.
type Service struct {
	scenarios *scenario.Service
	history   *history.Service
	gen       ai.Generator
	publisher *realtime.Publisher
}

// NewService wires the responder.
func NewService(scenarios *scenario.Service, hist *history.Service, gen ai.Generator, publisher *realtime.Publisher) *Service {
	return &Service{scenarios: scenarios, history: hist, gen: gen, publisher: publisher}
}

// Accept validates a chat request and schedules turn processing. The
// caller can acknowledge with 2xx as soon as this returns; produced
// messages arrive via the push feed only.
func (s *Service) Accept(ctx context.Context, req gateway.ChatRequest) error {
	if req.InstanceID <= 0 {
		return errors.New("instance_id is required")
	}
	if req.UserMessage == "" {
		return errors.New("user_message is required")
	}
	inst, err := s.scenarios.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != models.InstanceActive {
		return fmt.Errorf("instance %d is %s", inst.ID, inst.Status)
	}

	go s.respond(context.Background(), inst, req)
	return nil
}

// respond runs one full turn. Failures here are backend-side: they are
// logged and the turn is abandoned; the client's catch-up and retry paths
// handle the gap.
func (s *Service) respond(ctx context.Context, inst *models.ScenarioInstance, req gateway.ChatRequest) {
	sc, err := s.scenarios.GetScenario(ctx, inst.ScenarioID)
	if err != nil {
		log.Printf("responder: load scenario %d: %v", inst.ScenarioID, err)
		return
	}
	turn := inst.CurrentTurn + 1

	mode := req.MessageMode
	if mode == "" {
		mode = models.InferMode(req.UserMessage)
	}
	if _, err := s.insertAndPublish(ctx, models.Message{
		InstanceID: inst.ID,
		Sender:     "Player",
		Body:       req.UserMessage,
		Type:       models.TypeUser,
		Turn:       turn,
		Mode:       mode,
	}); err != nil {
		log.Printf("responder: persist user message: %v", err)
		return
	}

	reply, err := s.gen.Reply(ctx, sc, req.ConversationHistory, req.UserMessage, mode)
	if err != nil {
		log.Printf("responder: generate reply for instance %d: %v", inst.ID, err)
		return
	}
	if _, err := s.insertAndPublish(ctx, models.Message{
		InstanceID: inst.ID,
		Sender:     sc.Title,
		Body:       reply,
		Type:       models.TypeAI,
		Turn:       turn,
	}); err != nil {
		log.Printf("responder: persist reply: %v", err)
		return
	}

	objectives := s.advanceObjectives(inst, turn)
	narration, err := s.gen.Narrate(ctx, sc, turn)
	if err != nil {
		log.Printf("responder: generate narration for instance %d: %v", inst.ID, err)
	} else if _, err := s.insertAndPublish(ctx, models.Message{
		InstanceID: inst.ID,
		Sender:     narratorName,
		Body:       narration,
		Type:       models.TypeNarration,
		Turn:       turn,
	}); err != nil {
		log.Printf("responder: persist narration: %v", err)
	}

	if err := s.scenarios.UpdateTurn(ctx, inst.ID, turn); err != nil {
		log.Printf("responder: update turn for instance %d: %v", inst.ID, err)
	}
	if err := s.scenarios.UpdateObjectives(ctx, inst.ID, objectives); err != nil {
		log.Printf("responder: update objectives for instance %d: %v", inst.ID, err)
	}
	s.publisher.PublishInstance(ctx, inst.ID, map[string]any{
		"current_turn":        turn,
		"objectives_progress": objectives,
		"updated_at":          time.Now().UTC(),
	})
}

// Initialize seeds a fresh instance's opening narration and default
// objective. Idempotent: an instance that already has messages is left
// alone.
func (s *Service) Initialize(ctx context.Context, instanceID int64) error {
	inst, err := s.scenarios.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	_, count, err := s.history.FetchAll(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if count > 0 {
		return nil
	}
	sc, err := s.scenarios.GetScenario(ctx, inst.ScenarioID)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}

	opening := sc.OpeningPrompt
	if opening == "" {
		opening, err = s.gen.Narrate(ctx, sc, 0)
		if err != nil {
			return fmt.Errorf("generate opening: %w", err)
		}
	}
	if _, err := s.insertAndPublish(ctx, models.Message{
		InstanceID: instanceID,
		Sender:     narratorName,
		Body:       opening,
		Type:       models.TypeNarration,
		Turn:       0,
	}); err != nil {
		return fmt.Errorf("seed opening narration: %w", err)
	}

	objectives := map[string]models.ObjectiveProgress{
		"main": {CompletionPercentage: 0, Status: "in_progress", LastUpdatedTurn: 0},
	}
	if err := s.scenarios.UpdateObjectives(ctx, instanceID, objectives); err != nil {
		return fmt.Errorf("seed objectives: %w", err)
	}
	return nil
}

func (s *Service) insertAndPublish(ctx context.Context, msg models.Message) (*models.Message, error) {
	stored, err := s.history.Insert(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.publisher.PublishMessage(ctx, stored)
	return stored, nil
}

// advanceObjectives bumps every in-progress objective for the turn,
// completing it at 100%.
func (s *Service) advanceObjectives(inst *models.ScenarioInstance, turn int) map[string]models.ObjectiveProgress {
	objectives := inst.Objectives
	if len(objectives) == 0 {
		objectives = map[string]models.ObjectiveProgress{
			"main": {CompletionPercentage: 0, Status: "in_progress", LastUpdatedTurn: 0},
		}
	}
	for id, obj := range objectives {
		if obj.Status == "completed" {
			continue
		}
		obj.CompletionPercentage += objectiveStep
		if obj.CompletionPercentage >= 100 {
			obj.CompletionPercentage = 100
			obj.Status = "completed"
		}
		obj.LastUpdatedTurn = turn
		objectives[id] = obj
	}
	return objectives
}
