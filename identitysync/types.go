package identitysync

import (
	"time"

	"github.com/mmdatafocus/storefront_backend/models"
)

type BatchRequest struct {
	BatchSize int `json:"batchSize"`
}

type StatusResponse struct {
	TotalRecords    int64            `json:"totalRecords"`
	ByStatus        map[string]int64 `json:"byStatus"`
	LinkedRecords   int64            `json:"linkedRecords"`
	SyncedPercent   float64          `json:"syncedPercent"`
	ProviderHealthy bool             `json:"providerHealthy"`
	Daemon          DaemonStatus     `json:"daemon"`
}

type RecordView struct {
	ID           int     `json:"id"`
	Email        string  `json:"email"`
	ExternalId   *string `json:"externalId"`
	Name         string  `json:"name"`
	SyncStatus   string  `json:"syncStatus"`
	LastSyncedAt *string `json:"lastSyncedAt"`
	SyncError    *string `json:"syncError"`
}

type PendingResponse struct {
	Items []RecordView `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Direction     string  `json:"direction"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	BatchSize     int     `json:"batchSize"`
	Total         int     `json:"total"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	RecordId   int    `json:"recordId"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRecordToView(user models.User) RecordView {
	return RecordView{
		ID:           user.ID,
		Email:        user.Email,
		ExternalId:   user.ExternalId,
		Name:         user.Name,
		SyncStatus:   string(user.SyncStatus),
		LastSyncedAt: formatTime(user.LastSyncedAt),
		SyncError:    user.SyncError,
	}
}

func mapRunToResponse(run models.IdentitySyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Direction:     run.Direction,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		BatchSize:     run.BatchSize,
		Total:         run.Total,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.IdentitySyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			RecordId:   errItem.RecordId,
			ExternalId: errItem.ExternalId,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
