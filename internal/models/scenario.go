package models

import "time"

// Scenario is an authored playable setting.
type Scenario struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	// OpeningPrompt seeds the first narration when an instance starts.
	OpeningPrompt string    `json:"opening_prompt"`
	CreatedAt     time.Time `json:"created_at"`
}

// InstanceStatus values for a running play-through.
const (
	InstanceActive    = "active"
	InstanceCompleted = "completed"
	InstanceAbandoned = "abandoned"
)

// ObjectiveProgress tracks completion of one scenario objective.
type ObjectiveProgress struct {
	CompletionPercentage int    `json:"completion_percentage"`
	Status               string `json:"status"`
	LastUpdatedTurn      int    `json:"last_updated_turn"`
}

// ScenarioInstance is one running play-through of a scenario and the
// scoping key for all conversation state.
type ScenarioInstance struct {
	ID          int64                        `json:"id"`
	ScenarioID  int64                        `json:"scenario_id"`
	UserID      int64                        `json:"user_id"`
	CurrentTurn int                          `json:"current_turn"`
	Status      string                       `json:"status"`
	Objectives  map[string]ObjectiveProgress `json:"objectives_progress"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}
