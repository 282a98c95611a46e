package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"storyweave/internal/models"
)

// Service is the canonical message store for scenario instances. Every
// component that needs conversation order goes through Sort here; nothing
// else in the codebase re-implements the comparison.
type Service struct {
	db *sql.DB
}

// NewService builds a message store backed by the given database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Less is the single ordering rule: sequence number ascending when both
// sides carry one, otherwise creation time, with turn number as the final
// tiebreak.
func Less(a, b *models.Message) bool {
	if a.Sequence > 0 && b.Sequence > 0 {
		return a.Sequence < b.Sequence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Turn < b.Turn
}

// Sort orders messages in place. Stable and idempotent, safe to call
// repeatedly on partially-sorted input.
func Sort(messages []*models.Message) []*models.Message {
	sort.SliceStable(messages, func(i, j int) bool {
		return Less(messages[i], messages[j])
	})
	return messages
}

// FetchAll returns every persisted message for the instance in sequence
// order, deduplicated. System and narration entries sharing the same type,
// body and turn collapse to one (accidental re-seeds); all other types
// deduplicate strictly by id. The count is returned so callers can decide
// whether the instance still needs seeding.
func (s *Service) FetchAll(ctx context.Context, instanceID int64) ([]*models.Message, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, sender_name, body, message_type, turn_number, sequence_number, mode, created_at
		 FROM messages WHERE instance_id = ? ORDER BY sequence_number ASC`,
		instanceID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	seenID := make(map[int64]struct{})
	seenSeed := make(map[string]struct{})
	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.Sender, &m.Body, &m.Type, &m.Turn, &m.Sequence, &m.Mode, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		m.Body = models.DecodeBody(m.Body)
		if m.Type == models.TypeSystem || m.Type == models.TypeNarration {
			key := seedKey(m)
			if _, dup := seenSeed[key]; dup {
				continue
			}
			seenSeed[key] = struct{}{}
		} else {
			if _, dup := seenID[m.ID]; dup {
				continue
			}
		}
		seenID[m.ID] = struct{}{}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return Sort(messages), len(messages), nil
}

func seedKey(m *models.Message) string {
	return fmt.Sprintf("%s|%d|%s", m.Type, m.Turn, m.Body)
}

// Insert persists a message, assigning the next per-instance sequence
// number inside a transaction, and touches the instance updated_at.
func (s *Service) Insert(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.InstanceID <= 0 {
		return nil, errors.New("instance_id is required")
	}
	if msg.Body == "" {
		return nil, errors.New("body cannot be empty")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE instance_id = ?`,
		msg.InstanceID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (instance_id, sender_name, body, message_type, turn_number, sequence_number, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.InstanceID, msg.Sender, msg.Body, msg.Type, msg.Turn, seq, msg.Mode, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE instances SET updated_at = ? WHERE id = ?`, now, msg.InstanceID); err != nil {
		return nil, fmt.Errorf("touch instance: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert message: %w", err)
	}

	msg.ID = id
	msg.Sequence = seq
	msg.CreatedAt = now
	return &msg, nil
}
