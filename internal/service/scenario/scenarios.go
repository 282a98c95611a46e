package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyweave/internal/models"
)

// CreateScenario stores a new authored scenario.
func (s *Service) CreateScenario(ctx context.Context, sc models.Scenario) (*models.Scenario, error) {
	sc.Title = strings.TrimSpace(sc.Title)
	if sc.Title == "" {
		return nil, errors.New("title is required")
	}
	if strings.TrimSpace(sc.Description) == "" {
		return nil, errors.New("description is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (title, description, opening_prompt, created_at) VALUES (?, ?, ?, ?)`,
		sc.Title, sc.Description, sc.OpeningPrompt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create scenario: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("scenario id: %w", err)
	}
	sc.ID = id
	sc.CreatedAt = now
	return &sc, nil
}

// GetScenario loads one scenario by id.
func (s *Service) GetScenario(ctx context.Context, id int64) (*models.Scenario, error) {
	var sc models.Scenario
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, opening_prompt, created_at FROM scenarios WHERE id = ?`, id,
	).Scan(&sc.ID, &sc.Title, &sc.Description, &sc.OpeningPrompt, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListScenarios returns all scenarios, newest first.
func (s *Service) ListScenarios(ctx context.Context) ([]models.Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, opening_prompt, created_at FROM scenarios ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []models.Scenario
	for rows.Next() {
		var sc models.Scenario
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.Description, &sc.OpeningPrompt, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, rows.Err()
}
