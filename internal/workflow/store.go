package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go_acmebot/internal/model"
)

// ErrInstanceNotFound is returned for unknown instance ids
var ErrInstanceNotFound = errors.New("workflow instance not found")

// ErrAlreadyRunning is returned when the certificate already has a running instance
var ErrAlreadyRunning = errors.New("certificate already has a running workflow")

// ErrInstanceFinished is returned when finishing an instance that already left running
var ErrInstanceFinished = errors.New("workflow instance already finished")

// Store persists instances and their event history
type Store struct {
	db *gorm.DB
}

// NewStore creates a new workflow store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateInstance inserts a new instance. A running instance takes the
// certificate's running key, so a second concurrent start fails with
// ErrAlreadyRunning.
func (s *Store) CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	if inst.Status == model.WorkflowStatusRunning {
		key := inst.CertificateName
		inst.RunningKey = &key
	}

	err := s.db.WithContext(ctx).Create(inst).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyRunning
	}
	// 驱动未翻译唯一键错误时再查一次
	if inst.RunningKey != nil {
		if busy, herr := s.HasRunning(ctx, inst.CertificateName); herr == nil && busy {
			return ErrAlreadyRunning
		}
	}
	return fmt.Errorf("failed to create workflow instance: %w", err)
}

// GetInstance loads one instance
func (s *Store) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow instance %s: %w", id, err)
	}
	return &inst, nil
}

// ListRunning returns every instance still in the running state, oldest first
func (s *Store) ListRunning(ctx context.Context) ([]model.WorkflowInstance, error) {
	var list []model.WorkflowInstance
	err := s.db.WithContext(ctx).
		Where("status = ?", model.WorkflowStatusRunning).
		Order("created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list running instances: %w", err)
	}
	return list, nil
}

// SetAttempt records the current whole-certificate attempt
func (s *Store) SetAttempt(ctx context.Context, id string, attempt int) error {
	return s.db.WithContext(ctx).Model(&model.WorkflowInstance{}).
		Where("id = ? AND status = ?", id, model.WorkflowStatusRunning).
		Update("attempt", attempt).Error
}

// Finish moves a running instance to its terminal state (optimistic lock on status)
func (s *Store) Finish(ctx context.Context, id, status string, result interface{}, reason string) error {
	updates := map[string]interface{}{
		"status":      status,
		"reason":      reason,
		"running_key": nil,
		"finished_at": time.Now(),
	}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		updates["result"] = datatypes.JSON(b)
	}

	res := s.db.WithContext(ctx).Model(&model.WorkflowInstance{}).
		Where("id = ? AND status = ?", id, model.WorkflowStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to finish workflow instance %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInstanceFinished
	}
	return nil
}

// History returns the recorded events of an instance ordered by seq
func (s *Store) History(ctx context.Context, id string) ([]model.WorkflowEvent, error) {
	var events []model.WorkflowEvent
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", id).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", id, err)
	}
	return events, nil
}

// AppendEvent commits one event. The (instance_id, seq) unique key rejects
// a second writer replaying the same instance.
func (s *Store) AppendEvent(ctx context.Context, ev *model.WorkflowEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to record event %d of %s: %w", ev.Seq, ev.InstanceID, err)
	}
	return nil
}

// HasRunning reports whether a running instance exists for the certificate
func (s *Store) HasRunning(ctx context.Context, certificateName string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.WorkflowInstance{}).
		Where("certificate_name = ? AND status = ?", certificateName, model.WorkflowStatusRunning).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check running instances of %s: %w", certificateName, err)
	}
	return count > 0, nil
}
