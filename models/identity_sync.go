package models

import "time"

const (
	SyncDirectionPush      = "push"
	SyncDirectionPull      = "pull"
	SyncDirectionReconcile = "reconcile"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual  = "manual"
	SyncTriggeredRetry   = "retry"
	SyncTriggeredSystem  = "system"
	SyncTriggeredWebhook = "webhook"
)

// IdentitySyncRun records one batch run or reconciliation pass.
type IdentitySyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	Direction     string     `gorm:"index;size:20;not null" json:"direction"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	BatchSize     int        `json:"batch_size"`
	Total         int        `json:"total"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IdentitySyncError is one failed item inside a run. The row keeps the raw
// failure message so operators can diagnose without log access.
type IdentitySyncError struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncRunId  uint      `gorm:"index;not null" json:"sync_run_id"`
	RecordId   int       `gorm:"index" json:"record_id"`
	ExternalId string    `gorm:"size:128" json:"external_id"`
	ErrorCode  string    `gorm:"size:64" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	Retryable  bool      `gorm:"default:false" json:"retryable"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
