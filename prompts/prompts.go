// Package prompts manages named prompt versions and their promotion to
// the single production slot, with object-store backups taken before
// every swap and an optimistic lock against concurrent promotions.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"govguide/audit"
	"govguide/store"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("prompts: version not found")
	ErrConflict        = errors.New("prompts: concurrent promotion detected")
	ErrTooLong         = errors.New("prompts: content exceeds maximum length")
	ErrNotConfirmed    = errors.New("prompts: promotion requires confirmation")
	ErrBackupFailed    = errors.New("prompts: backup failed, promotion aborted")
	ErrRetentionActive = errors.New("prompts: soft-delete retention window still active")
)

const (
	// MaxContentLength caps prompt size.
	MaxContentLength = 10000

	// hardDeleteRetention is the minimum soft-deleted age before a
	// version can be removed for good.
	hardDeleteRetention = 30 * 24 * time.Hour

	backupPrefix = "prompt-backups/"
)

// Preview compares a candidate version against production.
type Preview struct {
	Name            string `json:"name"`
	CharDelta       int    `json:"char_delta"`
	LineDelta       int    `json:"line_delta"`
	CandidateChars  int    `json:"candidate_chars"`
	ProductionChars int    `json:"production_chars"`
	BackupSize      int    `json:"backup_size"`
	LockCounter     int64  `json:"lock_counter"`
}

// PromoteResult reports a completed promotion.
type PromoteResult struct {
	Name      string `json:"name"`
	BackupKey string `json:"backup_key,omitempty"`
	Counter   int64  `json:"lock_counter"`
}

// Manager owns prompt versions and the production slot.
type Manager struct {
	store   *store.Store
	objects ObjectStore
	audit   audit.Sink
	now     func() time.Time
}

// NewManager builds a Manager.
func NewManager(s *store.Store, objects ObjectStore, sink audit.Sink) *Manager {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Manager{store: s, objects: objects, audit: sink, now: time.Now}
}

// Create stores a new named version.
func (m *Manager) Create(ctx context.Context, name, content string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("prompts: name required")
	}
	if len(content) > MaxContentLength {
		return fmt.Errorf("%w: %d chars (max %d)", ErrTooLong, len(content), MaxContentLength)
	}
	_, err := m.store.CreatePromptVersion(ctx, name, content)
	if errors.Is(err, store.ErrPromptConflict) {
		return fmt.Errorf("prompts: version %q already exists", name)
	}
	return err
}

// Get returns a live version.
func (m *Manager) Get(ctx context.Context, name string) (*store.PromptVersion, error) {
	v, err := m.store.GetPromptVersion(ctx, name)
	if errors.Is(err, store.ErrPromptNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// List returns versions, optionally including soft-deleted ones.
func (m *Manager) List(ctx context.Context, includeDeleted bool) ([]store.PromptVersion, error) {
	return m.store.ListPromptVersions(ctx, includeDeleted)
}

// Delete soft-deletes a version. It stays restorable for 30 days.
func (m *Manager) Delete(ctx context.Context, name, actor string) error {
	err := m.store.SoftDeletePromptVersion(ctx, name)
	if errors.Is(err, store.ErrPromptNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	m.audit.Record(ctx, audit.Entry{
		Event: "PROMPT_DELETE", Actor: actor, Subject: name, Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// Restore undoes a soft delete.
func (m *Manager) Restore(ctx context.Context, name, actor string) error {
	err := m.store.RestorePromptVersion(ctx, name)
	if errors.Is(err, store.ErrPromptNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	m.audit.Record(ctx, audit.Entry{
		Event: "PROMPT_RESTORE", Actor: actor, Subject: name, Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// HardDelete permanently removes a version soft-deleted at least 30
// days ago.
func (m *Manager) HardDelete(ctx context.Context, name, actor string) error {
	v, err := m.store.GetPromptVersionAny(ctx, name)
	if errors.Is(err, store.ErrPromptNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if v.DeletedAt == nil {
		return fmt.Errorf("%w: %q is not deleted", ErrRetentionActive, name)
	}
	if m.now().Sub(*v.DeletedAt) < hardDeleteRetention {
		return fmt.Errorf("%w: %q deleted %s ago", ErrRetentionActive, name,
			m.now().Sub(*v.DeletedAt).Round(time.Hour))
	}

	if err := m.store.HardDeletePromptVersion(ctx, name, hardDeleteRetention); err != nil {
		if errors.Is(err, store.ErrPromptNotFound) {
			return ErrNotFound
		}
		return err
	}
	m.audit.Record(ctx, audit.Entry{
		Event: "PROMPT_HARD_DELETE", Actor: actor, Subject: name, Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// PreviewPromotion compares a version against the current production
// prompt without changing anything. The returned LockCounter must be
// echoed into Promote.
func (m *Manager) PreviewPromotion(ctx context.Context, name string) (*Preview, error) {
	v, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	production := ""
	var counter int64
	if p, err := m.store.GetProductionPrompt(ctx); err == nil {
		production = p.Content
		counter = p.LockCounter
	} else if !errors.Is(err, store.ErrPromptNotFound) {
		return nil, err
	}

	return &Preview{
		Name:            name,
		CharDelta:       len(v.Content) - len(production),
		LineDelta:       strings.Count(v.Content, "\n") - strings.Count(production, "\n"),
		CandidateChars:  len(v.Content),
		ProductionChars: len(production),
		BackupSize:      len(production),
		LockCounter:     counter,
	}, nil
}

// Promote makes a version the production prompt. The current production
// content is backed up to the object store first; the swap then runs
// under the optimistic lock counter observed at preview time. On a
// counter conflict nothing is swapped and the failure is audited.
func (m *Manager) Promote(ctx context.Context, name string, confirmed bool, expectedCounter int64, actor string) (*PromoteResult, error) {
	if !confirmed {
		return nil, ErrNotConfirmed
	}

	v, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	// Backup before swap. A missing production prompt (first promotion)
	// needs no backup.
	backupKey := ""
	if p, err := m.store.GetProductionPrompt(ctx); err == nil {
		backupKey = backupPrefix + m.now().UTC().Format(time.RFC3339) + ".md"
		if err := m.objects.Put(ctx, backupKey, []byte(p.Content)); err != nil {
			m.audit.Record(ctx, audit.Entry{
				Event: "PROMOTE", Actor: actor, Subject: name, Outcome: audit.OutcomeFailure,
				Context: map[string]any{"reason": "backup failed", "error": err.Error()},
			})
			return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
	} else if !errors.Is(err, store.ErrPromptNotFound) {
		return nil, err
	}

	if err := m.store.SwapProductionPrompt(ctx, v.Content, expectedCounter); err != nil {
		if errors.Is(err, store.ErrPromptConflict) {
			m.audit.Record(ctx, audit.Entry{
				Event: "PROMOTE", Actor: actor, Subject: name, Outcome: audit.OutcomeFailure,
				Context: map[string]any{"reason": "lock counter moved", "expected_counter": expectedCounter},
			})
			return nil, ErrConflict
		}
		return nil, err
	}

	result := &PromoteResult{Name: name, BackupKey: backupKey, Counter: expectedCounter + 1}
	m.audit.Record(ctx, audit.Entry{
		Event: "PROMOTE", Actor: actor, Subject: name, Outcome: audit.OutcomeSuccess,
		Context: map[string]any{"backup_key": backupKey, "lock_counter": result.Counter},
	})
	slog.Info("prompts: promoted version",
		"name", name, "backup_key", backupKey, "actor", actor)
	return result, nil
}

// Production returns the live prompt content.
func (m *Manager) Production(ctx context.Context) (*store.ProductionPrompt, error) {
	p, err := m.store.GetProductionPrompt(ctx)
	if errors.Is(err, store.ErrPromptNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

// Backups lists stored prompt backups, newest first.
func (m *Manager) Backups(ctx context.Context) ([]BackupInfo, error) {
	return m.objects.List(ctx, backupPrefix)
}
