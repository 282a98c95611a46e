package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"storyweave/internal/config"
	"storyweave/internal/models"
)

// Generator produces the in-world text for a scenario turn.
type Generator interface {
	// Reply returns the AI character's answer to the user's message.
	Reply(ctx context.Context, sc *models.Scenario, history []*models.Message, userMessage string, mode models.Mode) (string, error)
	// Narrate returns scene narration for the given turn.
	Narrate(ctx context.Context, sc *models.Scenario, turn int) (string, error)
}

type aiService struct {
	chatModel model.ToolCallingChatModel
}

// NewGenerator builds the provider-backed generator, or the offline one
// when provider is empty.
func NewGenerator(cfg *config.Config, provider string) (Generator, error) {
	if provider == "" {
		return NewOfflineGenerator(), nil
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := provCfg.Model

	var chatModel model.ToolCallingChatModel
	var err error
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("init gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &aiService{chatModel: chatModel}, nil
}

func (s *aiService) Reply(ctx context.Context, sc *models.Scenario, history []*models.Message, userMessage string, mode models.Mode) (string, error) {
	systemPrompt := fmt.Sprintf(
		"You are the lead character of an interactive scenario. Stay in character and keep replies under six sentences.\n\nScenario: %s\n\n%s",
		sc.Title, sc.Description,
	)
	msgs := []*schema.Message{{Role: schema.System, Content: systemPrompt}}
	for _, m := range history {
		switch m.Type {
		case models.TypeUser:
			msgs = append(msgs, &schema.Message{Role: schema.User, Content: m.Body})
		case models.TypeAI:
			msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: m.Body})
		}
	}
	if mode == models.ModeAction {
		userMessage = fmt.Sprintf("(The player performs an action.) %s", userMessage)
	}
	msgs = append(msgs, &schema.Message{Role: schema.User, Content: userMessage})

	resp, err := s.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate reply failed: %w", err)
	}
	return resp.Content, nil
}

func (s *aiService) Narrate(ctx context.Context, sc *models.Scenario, turn int) (string, error) {
	systemPrompt := "You are the narrator of an interactive scenario. " +
		"Describe the scene progression in two or three vivid sentences. " +
		"Output narration only; no dialogue, no meta commentary."
	userPrompt := fmt.Sprintf("Scenario: %s\n%s\n\nNarrate the state of the scene at turn %d.",
		sc.Title, sc.Description, turn)
	msgs := []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: userPrompt},
	}
	resp, err := s.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate narration failed: %w", err)
	}
	return resp.Content, nil
}
