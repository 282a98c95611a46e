package ai

import (
	"context"
	"fmt"

	"storyweave/internal/models"
)

// offlineGenerator produces deterministic text so the conversation loop
// works without any provider credentials (local development and tests).
type offlineGenerator struct{}

// NewOfflineGenerator returns the provider-free generator.
func NewOfflineGenerator() Generator {
	return offlineGenerator{}
}

func (offlineGenerator) Reply(_ context.Context, sc *models.Scenario, history []*models.Message, userMessage string, mode models.Mode) (string, error) {
	verb := "says"
	if mode == models.ModeAction {
		verb = "does"
	}
	return fmt.Sprintf("In %q the character considers what the player %s (%d prior messages) and responds to: %s",
		sc.Title, verb, len(history), userMessage), nil
}

func (offlineGenerator) Narrate(_ context.Context, sc *models.Scenario, turn int) (string, error) {
	if turn <= 0 {
		return fmt.Sprintf("The scene opens. %s", sc.Description), nil
	}
	return fmt.Sprintf("Turn %d passes in %q; the story moves forward.", turn, sc.Title), nil
}
