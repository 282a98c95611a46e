package scenario

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyweave/internal/models"
)

// CreateInstance starts a new play-through of a scenario for the user.
func (s *Service) CreateInstance(ctx context.Context, scenarioID, userID int64) (*models.ScenarioInstance, error) {
	if scenarioID <= 0 || userID <= 0 {
		return nil, errors.New("scenario_id and user_id are required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (scenario_id, user_id, current_turn, status, objectives_progress, created_at, updated_at)
		 VALUES (?, ?, 0, ?, '{}', ?, ?)`,
		scenarioID, userID, models.InstanceActive, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}
	return &models.ScenarioInstance{
		ID:          id,
		ScenarioID:  scenarioID,
		UserID:      userID,
		CurrentTurn: 0,
		Status:      models.InstanceActive,
		Objectives:  map[string]models.ObjectiveProgress{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetInstance loads one instance with its decoded objective progress.
func (s *Service) GetInstance(ctx context.Context, instanceID int64) (*models.ScenarioInstance, error) {
	var inst models.ScenarioInstance
	var objectives string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scenario_id, user_id, current_turn, status, objectives_progress, created_at, updated_at
		 FROM instances WHERE id = ?`,
		instanceID,
	).Scan(&inst.ID, &inst.ScenarioID, &inst.UserID, &inst.CurrentTurn, &inst.Status, &objectives, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	inst.Objectives = map[string]models.ObjectiveProgress{}
	if objectives != "" {
		if err := json.Unmarshal([]byte(objectives), &inst.Objectives); err != nil {
			return nil, fmt.Errorf("decode objectives: %w", err)
		}
	}
	return &inst, nil
}

// UpdateTurn writes the instance's current turn counter back.
func (s *Service) UpdateTurn(ctx context.Context, instanceID int64, turn int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET current_turn = ?, updated_at = ? WHERE id = ?`,
		turn, time.Now().UTC(), instanceID,
	)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("instance rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateObjectives replaces the stored objective progress map.
func (s *Service) UpdateObjectives(ctx context.Context, instanceID int64, objectives map[string]models.ObjectiveProgress) error {
	data, err := json.Marshal(objectives)
	if err != nil {
		return fmt.Errorf("encode objectives: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE instances SET objectives_progress = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), instanceID,
	); err != nil {
		return fmt.Errorf("update objectives: %w", err)
	}
	return nil
}

// SetStatus moves the instance into a new lifecycle state.
func (s *Service) SetStatus(ctx context.Context, instanceID int64, status string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), instanceID,
	); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}
