package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PromptVersion represents a row in the prompt_versions table.
type PromptVersion struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Content   string     `json:"content"`
	CreatedAt string     `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ProductionPrompt is the singleton live prompt.
type ProductionPrompt struct {
	Content     string `json:"content"`
	LockCounter int64  `json:"lock_counter"`
	UpdatedAt   string `json:"updated_at"`
}

// CreatePromptVersion stores a named prompt version. Names are unique.
func (s *Store) CreatePromptVersion(ctx context.Context, name, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO prompt_versions (name, content) VALUES (?, ?)", name, content)
	if isUniqueViolation(err) {
		return 0, ErrPromptConflict
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPromptVersion retrieves a live (not soft-deleted) version by name.
func (s *Store) GetPromptVersion(ctx context.Context, name string) (*PromptVersion, error) {
	return s.scanPrompt(s.db.QueryRowContext(ctx, `
		SELECT id, name, content, created_at, deleted_at
		FROM prompt_versions WHERE name = ? AND deleted_at IS NULL`, name))
}

// GetPromptVersionAny retrieves a version by name including deleted ones.
func (s *Store) GetPromptVersionAny(ctx context.Context, name string) (*PromptVersion, error) {
	return s.scanPrompt(s.db.QueryRowContext(ctx, `
		SELECT id, name, content, created_at, deleted_at
		FROM prompt_versions WHERE name = ?`, name))
}

func (s *Store) scanPrompt(row *sql.Row) (*PromptVersion, error) {
	p := &PromptVersion{}
	var deleted sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPromptNotFound
	}
	if err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		p.DeletedAt = &t
	}
	return p, nil
}

// ListPromptVersions returns versions, optionally including deleted.
func (s *Store) ListPromptVersions(ctx context.Context, includeDeleted bool) ([]PromptVersion, error) {
	q := `SELECT id, name, content, created_at, deleted_at FROM prompt_versions`
	if !includeDeleted {
		q += " WHERE deleted_at IS NULL"
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []PromptVersion
	for rows.Next() {
		var p PromptVersion
		var deleted sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt, &deleted); err != nil {
			return nil, err
		}
		if deleted.Valid {
			t := deleted.Time
			p.DeletedAt = &t
		}
		versions = append(versions, p)
	}
	return versions, rows.Err()
}

// SoftDeletePromptVersion marks a version deleted without removing it.
func (s *Store) SoftDeletePromptVersion(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_versions SET deleted_at = CURRENT_TIMESTAMP
		WHERE name = ? AND deleted_at IS NULL`, name)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RestorePromptVersion undoes a soft delete.
func (s *Store) RestorePromptVersion(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_versions SET deleted_at = NULL
		WHERE name = ? AND deleted_at IS NOT NULL`, name)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// HardDeletePromptVersion permanently removes a version that has been
// soft-deleted for at least minAge.
func (s *Store) HardDeletePromptVersion(ctx context.Context, name string, minAge time.Duration) error {
	cutoff := time.Now().Add(-minAge)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM prompt_versions
		WHERE name = ? AND deleted_at IS NOT NULL AND deleted_at <= ?`, name, cutoff)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetProductionPrompt returns the live prompt, or ErrPromptNotFound when
// none has been promoted yet.
func (s *Store) GetProductionPrompt(ctx context.Context) (*ProductionPrompt, error) {
	p := &ProductionPrompt{}
	err := s.db.QueryRowContext(ctx,
		"SELECT content, lock_counter, updated_at FROM production_prompt WHERE id = 1").
		Scan(&p.Content, &p.LockCounter, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPromptNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SwapProductionPrompt replaces the live prompt iff the lock counter
// still equals expectedCounter, incrementing it in the same statement.
// ErrPromptConflict when another promotion won the race.
func (s *Store) SwapProductionPrompt(ctx context.Context, content string, expectedCounter int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO production_prompt (id, content, lock_counter)
			VALUES (1, ?, 1)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				lock_counter = production_prompt.lock_counter + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE production_prompt.lock_counter = ?`,
			content, expectedCounter)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPromptConflict
		}
		return nil
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPromptNotFound
	}
	return nil
}
