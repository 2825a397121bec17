package identitysync

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/storefront_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Pull is cheaper than push (mostly local writes), so it gets a wider
	// default.
	DefaultPushBatchSize = 10
	DefaultPullBatchSize = 15

	// Source pagination bound; the full population is never materialized.
	sourcePageSize = 100

	// Breather between chunks so bulk syncs stay under provider rate limits.
	interChunkDelay = 150 * time.Millisecond
)

var tracer trace.Tracer = otel.Tracer("storefront-identity-sync")

// Progress is one snapshot handed to the caller's progress sink. The sink is
// invoked once per completed item and must be cheap and non-blocking.
type Progress struct {
	Processed int   `json:"processed"`
	Total     int   `json:"total"`
	Synced    int   `json:"synced"`
	Errors    int   `json:"errors"`
	ElapsedMs int64 `json:"elapsedMs"`
	EtaMs     int64 `json:"etaMs"`
}

type ProgressFunc func(Progress)

// BatchSummary is the final report of a bulk sync in one direction.
type BatchSummary struct {
	RunId           uint         `json:"runId,omitempty"`
	Direction       string       `json:"direction"`
	Total           int          `json:"total"`
	Processed       int          `json:"processed"`
	Synced          int          `json:"synced"`
	Errors          int          `json:"errors"`
	DurationSeconds float64      `json:"durationSeconds"`
	Details         []SyncResult `json:"details"`
}

type itemOutcome struct {
	result SyncResult
	err    error
}

// PushAll projects every local record onto the provider with bounded
// concurrency. One item's failure never aborts the batch; it is counted and
// reported in the summary details.
func (s *Service) PushAll(ctx context.Context, batchSize int, progress ProgressFunc, triggeredBy string, parentRunId *uint) (*BatchSummary, error) {
	if batchSize <= 0 {
		batchSize = DefaultPushBatchSize
	}
	ctx, span := tracer.Start(ctx, "identitysync.BatchRun")
	defer span.End()

	total64, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}

	state := newBatchState(s, models.SyncDirectionPush, int(total64))
	run := s.beginRun(ctx, models.SyncDirectionPush, triggeredBy, batchSize, parentRunId)

	offset := 0
	for {
		users, err := s.store.List(ctx, offset, sourcePageSize)
		if err != nil {
			s.finishRun(ctx, run, state)
			return nil, err
		}
		if len(users) == 0 {
			break
		}

		for start := 0; start < len(users); start += batchSize {
			end := min(start+batchSize, len(users))
			chunk := users[start:end]
			outcomes := make([]itemOutcome, len(chunk))

			var wg sync.WaitGroup
			for i := range chunk {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, itemErr := s.PushRecord(ctx, &chunk[i])
					outcomes[i] = itemOutcome{result: res, err: itemErr}
				}(i)
			}
			wg.Wait()

			if abort := state.fold(ctx, run, outcomes, progress); abort != nil {
				s.finishRun(ctx, run, state)
				return nil, abort
			}
			if err := pause(ctx, interChunkDelay); err != nil {
				s.finishRun(ctx, run, state)
				return nil, err
			}
		}

		offset += len(users)
		if len(users) < sourcePageSize {
			break
		}
	}

	s.finishRun(ctx, run, state)
	return state.summary(run), nil
}

// PullAll projects every provider-side identity onto the local store. The
// total grows as provider pages are discovered and is final once the last
// page is fetched.
func (s *Service) PullAll(ctx context.Context, batchSize int, progress ProgressFunc, triggeredBy string, parentRunId *uint) (*BatchSummary, error) {
	if batchSize <= 0 {
		batchSize = DefaultPullBatchSize
	}
	ctx, span := tracer.Start(ctx, "identitysync.BatchRun")
	defer span.End()

	state := newBatchState(s, models.SyncDirectionPull, 0)
	run := s.beginRun(ctx, models.SyncDirectionPull, triggeredBy, batchSize, parentRunId)

	pageToken := ""
	for {
		identities, nextToken, err := s.provider.ListIdentities(ctx, pageToken, sourcePageSize)
		if err != nil {
			s.finishRun(ctx, run, state)
			return nil, err
		}
		state.total += len(identities)

		for start := 0; start < len(identities); start += batchSize {
			end := min(start+batchSize, len(identities))
			chunk := identities[start:end]
			outcomes := make([]itemOutcome, len(chunk))

			var wg sync.WaitGroup
			for i := range chunk {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, itemErr := s.PullIdentity(ctx, chunk[i])
					outcomes[i] = itemOutcome{result: res, err: itemErr}
				}(i)
			}
			wg.Wait()

			if abort := state.fold(ctx, run, outcomes, progress); abort != nil {
				s.finishRun(ctx, run, state)
				return nil, abort
			}
			if err := pause(ctx, interChunkDelay); err != nil {
				s.finishRun(ctx, run, state)
				return nil, err
			}
		}

		if nextToken == "" {
			break
		}
		pageToken = nextToken
	}

	s.finishRun(ctx, run, state)
	return state.summary(run), nil
}

// RunDirection dispatches a batch by direction name; used by the retry
// endpoint.
func (s *Service) RunDirection(ctx context.Context, direction string, batchSize int, progress ProgressFunc, triggeredBy string, parentRunId *uint) (*BatchSummary, error) {
	if direction == models.SyncDirectionPull {
		return s.PullAll(ctx, batchSize, progress, triggeredBy, parentRunId)
	}
	return s.PushAll(ctx, batchSize, progress, triggeredBy, parentRunId)
}

// batchState owns the counters. Only the orchestrator goroutine touches them:
// item goroutines write their own outcome slot and counters are folded after
// the chunk is awaited, so no lock is needed.
type batchState struct {
	svc       *Service
	direction string
	startedAt time.Time
	total     int
	processed int
	synced    int
	errors    int
	details   []SyncResult
}

func newBatchState(svc *Service, direction string, total int) *batchState {
	return &batchState{
		svc:       svc,
		direction: direction,
		startedAt: time.Now(),
		total:     total,
	}
}

// fold counts one awaited chunk, persists per-item failures and emits one
// progress snapshot per item. Returns non-nil only for conditions that must
// abort the whole batch (misconfiguration, cancellation).
func (state *batchState) fold(ctx context.Context, run *models.IdentitySyncRun, outcomes []itemOutcome, progress ProgressFunc) error {
	for _, outcome := range outcomes {
		if outcome.err != nil && IsUnconfigured(outcome.err) {
			return outcome.err
		}

		state.processed++
		if outcome.result.Success {
			state.synced++
		} else {
			state.errors++
			if run != nil && state.svc.runs != nil {
				_ = state.svc.runs.RecordItemError(ctx, run.ID,
					outcome.result.RecordId, outcome.result.ExternalId,
					"sync_failed", outcome.result.Message, true)
			}
		}
		state.details = append(state.details, outcome.result)

		if progress != nil {
			progress(state.snapshot())
		}
	}
	return nil
}

func (state *batchState) snapshot() Progress {
	elapsed := time.Since(state.startedAt)
	var eta int64
	if state.processed > 0 && state.total > state.processed {
		// Linear projection: elapsed/processed*total - elapsed.
		eta = int64(float64(elapsed.Milliseconds())/float64(state.processed)*float64(state.total)) - elapsed.Milliseconds()
	}
	return Progress{
		Processed: state.processed,
		Total:     state.total,
		Synced:    state.synced,
		Errors:    state.errors,
		ElapsedMs: elapsed.Milliseconds(),
		EtaMs:     eta,
	}
}

func (state *batchState) summary(run *models.IdentitySyncRun) *BatchSummary {
	summary := &BatchSummary{
		Direction:       state.direction,
		Total:           state.total,
		Processed:       state.processed,
		Synced:          state.synced,
		Errors:          state.errors,
		DurationSeconds: time.Since(state.startedAt).Seconds(),
		Details:         state.details,
	}
	if run != nil {
		summary.RunId = run.ID
	}
	return summary
}

// beginRun/finishRun tolerate a missing run store; history is supporting
// data, not a reason to refuse a sync.
func (s *Service) beginRun(ctx context.Context, direction string, triggeredBy string, batchSize int, parentRunId *uint) *models.IdentitySyncRun {
	if s.runs == nil {
		return nil
	}
	run, err := s.runs.BeginRun(ctx, direction, triggeredBy, batchSize, parentRunId)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":    "identitysync",
			"funcName":  "beginRun",
			"direction": direction,
		}).Error(err.Error())
		return nil
	}
	return run
}

func (s *Service) finishRun(ctx context.Context, run *models.IdentitySyncRun, state *batchState) {
	if s.runs == nil || run == nil {
		return
	}
	if err := s.runs.FinishRun(ctx, run, state.total, state.synced, state.errors); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":   "identitysync",
			"funcName": "finishRun",
			"run_id":   run.ID,
		}).Error(err.Error())
	}
}

func pause(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
