package responder

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"storyweave/internal/config"
	"storyweave/internal/gateway"
	"storyweave/internal/models"
	"storyweave/internal/realtime"
	"storyweave/internal/service/ai"
	"storyweave/internal/service/history"
	"storyweave/internal/service/scenario"
	"storyweave/internal/storage"
)

func newTestService(t *testing.T) (*Service, *scenario.Service, *history.Service, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// a second pool connection would see its own empty in-memory db
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	scenarios := scenario.NewService(db)
	hist := history.NewService(db)
	// no redis in unit tests; the publisher degrades to a no-op
	svc := NewService(scenarios, hist, ai.NewOfflineGenerator(), realtime.NewPublisher(nil))
	return svc, scenarios, hist, db
}

func seedPlaythrough(t *testing.T, scenarios *scenario.Service, opening string) *models.ScenarioInstance {
	t.Helper()
	ctx := context.Background()
	user, err := scenarios.RegisterUser(ctx, "carol", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sc, err := scenarios.CreateScenario(ctx, models.Scenario{
		Title:         "The Lighthouse",
		Description:   "A storm closes in.",
		OpeningPrompt: opening,
	})
	if err != nil {
		t.Fatalf("create scenario: %v", err)
	}
	inst, err := scenarios.CreateInstance(ctx, sc.ID, user.ID)
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func waitForMessages(t *testing.T, hist *history.Service, instanceID int64, n int) []*models.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		messages, count, err := hist.FetchAll(context.Background(), instanceID)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if count >= n {
			return messages
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestInitializeSeedsOpeningNarration(t *testing.T) {
	svc, scenarios, hist, _ := newTestService(t)
	inst := seedPlaythrough(t, scenarios, "Waves crash against the rocks.")

	if err := svc.Initialize(context.Background(), inst.ID); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	messages, count, err := hist.FetchAll(context.Background(), inst.ID)
	if err != nil || count != 1 {
		t.Fatalf("expected one seeded message, got %d err=%v", count, err)
	}
	seed := messages[0]
	if seed.Type != models.TypeNarration || seed.Turn != 0 || seed.Body != "Waves crash against the rocks." {
		t.Fatalf("unexpected seed %+v", seed)
	}

	// re-initialize must not duplicate the seed
	if err := svc.Initialize(context.Background(), inst.ID); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	_, count, _ = hist.FetchAll(context.Background(), inst.ID)
	if count != 1 {
		t.Fatalf("initialize is not idempotent: %d messages", count)
	}

	got, err := scenarios.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if obj, ok := got.Objectives["main"]; !ok || obj.Status != "in_progress" {
		t.Fatalf("default objective missing: %+v", got.Objectives)
	}
}

func TestInitializeGeneratesOpeningWhenPromptEmpty(t *testing.T) {
	svc, scenarios, hist, _ := newTestService(t)
	inst := seedPlaythrough(t, scenarios, "")

	if err := svc.Initialize(context.Background(), inst.ID); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	messages, _, _ := hist.FetchAll(context.Background(), inst.ID)
	if len(messages) != 1 || messages[0].Body == "" {
		t.Fatalf("expected generated opening narration, got %+v", messages)
	}
}

func TestAcceptRunsFullTurn(t *testing.T) {
	svc, scenarios, hist, _ := newTestService(t)
	inst := seedPlaythrough(t, scenarios, "opening")

	err := svc.Accept(context.Background(), gateway.ChatRequest{
		InstanceID:  inst.ID,
		UserMessage: "I climb the stairs",
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// user message, character reply and turn narration
	messages := waitForMessages(t, hist, inst.ID, 3)
	if messages[0].Type != models.TypeUser || messages[0].Turn != 1 {
		t.Fatalf("unexpected first row %+v", messages[0])
	}
	if messages[1].Type != models.TypeAI {
		t.Fatalf("unexpected second row %+v", messages[1])
	}
	if messages[2].Type != models.TypeNarration {
		t.Fatalf("unexpected third row %+v", messages[2])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := scenarios.GetInstance(context.Background(), inst.ID)
		if err != nil {
			t.Fatalf("get instance: %v", err)
		}
		if got.CurrentTurn == 1 {
			if obj := got.Objectives["main"]; obj.CompletionPercentage != 20 || obj.LastUpdatedTurn != 1 {
				t.Fatalf("objectives not advanced: %+v", got.Objectives)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn counter never advanced")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcceptValidatesRequest(t *testing.T) {
	svc, scenarios, _, _ := newTestService(t)
	inst := seedPlaythrough(t, scenarios, "opening")

	if err := svc.Accept(context.Background(), gateway.ChatRequest{UserMessage: "x"}); err == nil {
		t.Fatalf("expected error for missing instance id")
	}
	if err := svc.Accept(context.Background(), gateway.ChatRequest{InstanceID: inst.ID}); err == nil {
		t.Fatalf("expected error for empty message")
	}
	if err := svc.Accept(context.Background(), gateway.ChatRequest{InstanceID: 9999, UserMessage: "x"}); err == nil {
		t.Fatalf("expected error for unknown instance")
	}

	if err := scenarios.SetStatus(context.Background(), inst.ID, models.InstanceCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := svc.Accept(context.Background(), gateway.ChatRequest{InstanceID: inst.ID, UserMessage: "x"}); err == nil {
		t.Fatalf("expected error for completed instance")
	}
}

func TestActionModeCarriesThrough(t *testing.T) {
	svc, scenarios, hist, _ := newTestService(t)
	inst := seedPlaythrough(t, scenarios, "opening")

	err := svc.Accept(context.Background(), gateway.ChatRequest{
		InstanceID:  inst.ID,
		UserMessage: "ACTION climbs the stairs",
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	messages := waitForMessages(t, hist, inst.ID, 3)
	if messages[0].Mode != models.ModeAction {
		t.Fatalf("action prefix should infer action mode, got %q", messages[0].Mode)
	}
}
