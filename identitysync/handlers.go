package identitysync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/storefront_backend/models"
)

func statusFromError(err error) int {
	switch {
	case errors.Is(err, ErrUnconfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WebhookHandler accepts provider lifecycle notifications.
func WebhookHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var event LifecycleEvent
		if err := c.ShouldBindJSON(&event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}

		result, err := s.ApplyEvent(c.Request.Context(), event)
		if err != nil {
			c.JSON(statusFromError(err), gin.H{"success": false, "error": result.Message, "result": result})
			return
		}
		if envBoolDefault("IDENTITY_SYNC_PUBSUB_FANOUT", false) {
			_ = PublishLifecycleEvent(c.Request.Context(), event)
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
	}
}

// PushOneHandler pushes a single record by local id.
func PushOneHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("recordId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid record id"})
			return
		}

		user, err := s.store.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		if user == nil {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "record not found"})
			return
		}

		result, err := s.PushRecord(c.Request.Context(), user)
		if err != nil {
			c.JSON(statusFromError(err), result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// PullOneHandler pulls a single external identity by id.
func PullOneHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		externalId := c.Param("externalId")

		ext, err := s.provider.GetIdentity(c.Request.Context(), externalId)
		if err != nil {
			c.JSON(statusFromError(err), gin.H{"success": false, "error": err.Error()})
			return
		}

		result, err := s.PullIdentity(c.Request.Context(), *ext)
		if err != nil {
			c.JSON(statusFromError(err), result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// PushAllHandler runs a full push batch and returns the final summary.
func PushAllHandler(s *Service) gin.HandlerFunc {
	return batchHandler(s, models.SyncDirectionPush)
}

// PullAllHandler runs a full pull batch and returns the final summary.
func PullAllHandler(s *Service) gin.HandlerFunc {
	return batchHandler(s, models.SyncDirectionPull)
}

func batchHandler(s *Service, direction string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BatchRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
				return
			}
		}

		summary, err := s.RunDirection(c.Request.Context(), direction, req.BatchSize, nil, models.SyncTriggeredManual, nil)
		if err != nil {
			c.JSON(statusFromError(err), gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// PushAllStreamHandler streams push progress over SSE, terminated by one
// complete or error event.
func PushAllStreamHandler(s *Service) gin.HandlerFunc {
	return streamHandler(s, models.SyncDirectionPush)
}

// PullAllStreamHandler streams pull progress over SSE.
func PullAllStreamHandler(s *Service) gin.HandlerFunc {
	return streamHandler(s, models.SyncDirectionPull)
}

func streamHandler(s *Service, direction string) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchSize := 0
		if v := c.Query("batchSize"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				batchSize = n
			}
		}

		// The batch may emit thousands of snapshots; the sink stays
		// non-blocking by dropping when the stream cannot keep up. The
		// terminal event always carries the full summary.
		progressCh := make(chan Progress, 64)
		doneCh := make(chan *BatchSummary, 1)
		errCh := make(chan error, 1)

		go func() {
			defer close(progressCh)
			sink := func(p Progress) {
				select {
				case progressCh <- p:
				default:
				}
			}
			summary, err := s.RunDirection(c.Request.Context(), direction, batchSize, sink, models.SyncTriggeredManual, nil)
			if err != nil {
				errCh <- err
				return
			}
			doneCh <- summary
		}()

		c.Stream(func(w io.Writer) bool {
			p, ok := <-progressCh
			if !ok {
				select {
				case summary := <-doneCh:
					c.SSEvent("complete", summary)
				case err := <-errCh:
					c.SSEvent("error", gin.H{"error": err.Error()})
				}
				return false
			}
			c.SSEvent("progress", p)
			return true
		})
	}
}

// StatusHandler reports aggregate sync state plus daemon status.
func StatusHandler(s *Service, d *Daemon) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		total, err := s.store.Count(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		byStatus := make(map[string]int64, 4)
		for _, status := range []models.SyncStatus{
			models.SyncStatusSynced, models.SyncStatusPending,
			models.SyncStatusError, models.SyncStatusManual,
		} {
			count, err := s.store.CountByStatus(ctx, status)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			byStatus[string(status)] = count
		}

		linked, err := s.store.CountLinked(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var percent float64
		if total > 0 {
			percent = float64(byStatus[string(models.SyncStatusSynced)]) / float64(total) * 100
		}

		c.JSON(http.StatusOK, StatusResponse{
			TotalRecords:    total,
			ByStatus:        byStatus,
			LinkedRecords:   linked,
			SyncedPercent:   percent,
			ProviderHealthy: s.ProviderHealthy(ctx),
			Daemon:          d.Status(),
		})
	}
}

// PendingHandler lists records that still need attention (pending, errored
// or never linked). Raw sync errors are surfaced so operators can diagnose
// without log access.
func PendingHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := s.store.ListPending(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]RecordView, 0, len(users))
		for _, user := range users {
			items = append(items, mapRecordToView(user))
		}
		c.JSON(http.StatusOK, PendingResponse{Items: items})
	}
}

// DeleteExternalHandler removes the provider-side identity and unlinks the
// local counterpart.
func DeleteExternalHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		externalId := c.Param("externalId")
		ctx := c.Request.Context()

		if err := s.provider.DeleteIdentity(ctx, externalId); err != nil && !IsNotFound(err) {
			c.JSON(statusFromError(err), gin.H{"success": false, "error": err.Error()})
			return
		}

		user, err := s.Unlink(ctx, externalId, "external identity deleted by operator")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		if user == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "unlinked": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "unlinked": true, "record": mapRecordToView(*user)})
	}
}

// RunsHandler lists recent sync runs.
func RunsHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		runs, err := s.runs.ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

// RunDetailHandler returns one run with its error rows.
func RunDetailHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		run, err := s.runs.GetRun(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		errs, err := s.runs.ListRunErrors(c.Request.Context(), run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Errors:          mapErrors(errs),
		})
	}
}

// RetryRunHandler starts a new run in the same direction, linked to the
// original as its parent. The retry runs in the background; the response
// carries the lineage only.
func RetryRunHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		run, err := s.runs.GetRun(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		parentId := run.ID
		go func() {
			_, _ = s.RunDirection(context.Background(), run.Direction, run.BatchSize, nil, models.SyncTriggeredRetry, &parentId)
		}()

		c.JSON(http.StatusAccepted, gin.H{"success": true, "parentRunId": parentId})
	}
}
