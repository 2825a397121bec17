package identitysync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/storefront_backend/config"
	"github.com/mmdatafocus/storefront_backend/models"
	"gorm.io/gorm"
)

// RecordStore is the local identity record store. Find methods return
// (nil, nil) when no row matches.
type RecordStore interface {
	Get(ctx context.Context, id int) (*models.User, error)
	FindByExternalId(ctx context.Context, externalId string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByEmailFold(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, offset int, limit int) ([]models.User, error)
	// ListLinked pages by id cursor so callers that unlink rows mid-scan do
	// not skip records.
	ListLinked(ctx context.Context, afterId int, limit int) ([]models.User, error)
	ListPending(ctx context.Context) ([]models.User, error)
	Count(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status models.SyncStatus) (int64, error)
	CountLinked(ctx context.Context) (int64, error)
	// Create returns ErrConflict when the external id unique index rejects
	// the row, so racing pulls can retry as an update.
	Create(ctx context.Context, user *models.User) error
	Save(ctx context.Context, user *models.User) error
}

// RunStore persists batch run history and per-item failures.
type RunStore interface {
	BeginRun(ctx context.Context, direction string, triggeredBy string, batchSize int, parentRunId *uint) (*models.IdentitySyncRun, error)
	FinishRun(ctx context.Context, run *models.IdentitySyncRun, total int, synced int, errorCount int) error
	RecordItemError(ctx context.Context, runId uint, recordId int, externalId string, code string, message string, retryable bool) error
	ListRuns(ctx context.Context, limit int) ([]models.IdentitySyncRun, error)
	GetRun(ctx context.Context, id uint) (*models.IdentitySyncRun, error)
	ListRunErrors(ctx context.Context, runId uint) ([]models.IdentitySyncError, error)
}

// gormStore resolves the global DB lazily per call so handlers registered
// before the database finishes connecting still work once it is up.
type gormStore struct{}

func NewGormStore() RecordStore {
	return gormStore{}
}

func (gormStore) conn(ctx context.Context) (*gorm.DB, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	return db.WithContext(ctx), nil
}

func (s gormStore) Get(ctx context.Context, id int) (*models.User, error) {
	cacheKey := "User:" + strconv.Itoa(id)
	var cached models.User
	if hit, err := config.GetRedisObject(cacheKey, &cached); err == nil && hit {
		return &cached, nil
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := db.Where("id = ?", id).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_ = config.SetRedisObject(cacheKey, user, 10*time.Minute)
	return &user, nil
}

func (s gormStore) FindByExternalId(ctx context.Context, externalId string) (*models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := db.Where("external_id = ?", externalId).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s gormStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := db.Where("email = ?", email).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s gormStore) FindByEmailFold(ctx context.Context, email string) (*models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := db.Where("LOWER(email) = LOWER(?)", email).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s gormStore) List(ctx context.Context, offset int, limit int) ([]models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var users []models.User
	if err := db.Order("id").Offset(offset).Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s gormStore) ListLinked(ctx context.Context, afterId int, limit int) ([]models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var users []models.User
	if err := db.Where("external_id IS NOT NULL AND id > ?", afterId).
		Order("id").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s gormStore) ListPending(ctx context.Context) ([]models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var users []models.User
	if err := db.Where("sync_status IN ? OR external_id IS NULL",
		[]models.SyncStatus{models.SyncStatusPending, models.SyncStatusError}).
		Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s gormStore) Count(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.Model(&models.User{}).Count(&count).Error
	return count, err
}

func (s gormStore) CountByStatus(ctx context.Context, status models.SyncStatus) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.Model(&models.User{}).Where("sync_status = ?", status).Count(&count).Error
	return count, err
}

func (s gormStore) CountLinked(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.Model(&models.User{}).Where("external_id IS NOT NULL").Count(&count).Error
	return count, err
}

func (s gormStore) Create(ctx context.Context, user *models.User) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

func (s gormStore) Save(ctx context.Context, user *models.User) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Save(user).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	_ = user.RemoveInstanceRedis()
	return nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

type gormRunStore struct{}

func NewGormRunStore() RunStore {
	return gormRunStore{}
}

func (gormRunStore) conn(ctx context.Context) (*gorm.DB, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	return db.WithContext(ctx), nil
}

func (s gormRunStore) BeginRun(ctx context.Context, direction string, triggeredBy string, batchSize int, parentRunId *uint) (*models.IdentitySyncRun, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	run := models.IdentitySyncRun{
		Direction:   direction,
		Status:      models.SyncRunStatusRunning,
		TriggeredBy: triggeredBy,
		BatchSize:   batchSize,
		ParentRunId: parentRunId,
		StartedAt:   &now,
	}
	if err := db.Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (s gormRunStore) FinishRun(ctx context.Context, run *models.IdentitySyncRun, total int, synced int, errorCount int) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	finishedAt := time.Now()
	status := models.SyncRunStatusSuccess
	if errorCount > 0 && synced == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	return db.Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    durationMs,
		"total":          total,
		"records_synced": synced,
		"error_count":    errorCount,
	}).Error
}

func (s gormRunStore) RecordItemError(ctx context.Context, runId uint, recordId int, externalId string, code string, message string, retryable bool) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	errRec := models.IdentitySyncError{
		SyncRunId:  runId,
		RecordId:   recordId,
		ExternalId: externalId,
		ErrorCode:  code,
		Message:    message,
		Retryable:  retryable,
	}
	return db.Create(&errRec).Error
}

func (s gormRunStore) ListRuns(ctx context.Context, limit int) ([]models.IdentitySyncRun, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var runs []models.IdentitySyncRun
	if err := db.Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (s gormRunStore) GetRun(ctx context.Context, id uint) (*models.IdentitySyncRun, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var run models.IdentitySyncRun
	if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (s gormRunStore) ListRunErrors(ctx context.Context, runId uint) ([]models.IdentitySyncError, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var errs []models.IdentitySyncError
	if err := db.Where("sync_run_id = ?", runId).Order("id desc").Find(&errs).Error; err != nil {
		return nil, err
	}
	return errs, nil
}
