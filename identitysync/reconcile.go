package identitysync

import (
	"context"

	"github.com/mmdatafocus/storefront_backend/models"
	"github.com/sirupsen/logrus"
)

// ReconcileStats summarizes one scan-and-repair pass.
type ReconcileStats struct {
	Examined int `json:"examined"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Unlinked int `json:"unlinked"`
	Errors   int `json:"errors"`
}

// Reconcile runs one full pass: discover provider identities with no local
// counterpart, then refresh or unlink every linked local record. Per-item
// failures are counted and logged, never raised; only misconfiguration or a
// broken source scan fails the pass. Each pass persists an IdentitySyncRun
// row (direction reconcile) so pass history survives restarts alongside the
// batch runs.
func (s *Service) Reconcile(ctx context.Context) (ReconcileStats, error) {
	ctx, span := tracer.Start(ctx, "identitysync.ReconcilePass")
	defer span.End()

	run := s.beginRun(ctx, models.SyncDirectionReconcile, models.SyncTriggeredSystem, 0, nil)
	stats, err := s.reconcileScan(ctx, run)
	s.finishReconcileRun(ctx, run, stats, err)
	return stats, err
}

func (s *Service) reconcileScan(ctx context.Context, run *models.IdentitySyncRun) (ReconcileStats, error) {
	var stats ReconcileStats

	// Step 1: provider-side identities missing locally.
	pageToken := ""
	for {
		identities, nextToken, err := s.provider.ListIdentities(ctx, pageToken, sourcePageSize)
		if err != nil {
			return stats, err
		}
		for _, ext := range identities {
			stats.Examined++
			local, err := s.MatchLocal(ctx, ext.ExternalId, ext.Email)
			if err != nil {
				stats.Errors++
				s.failReconcileItem(ctx, run, "match", ext.ExternalId, err)
				continue
			}
			if local != nil {
				continue
			}
			if result, err := s.PullIdentity(ctx, ext); err != nil {
				if IsUnconfigured(err) {
					return stats, err
				}
				stats.Errors++
				s.failReconcileItem(ctx, run, "pull", ext.ExternalId, err)
			} else if result.Action == ActionCreated {
				stats.Created++
			}
		}
		if nextToken == "" {
			break
		}
		pageToken = nextToken
	}

	// Step 2: refresh linked records; unlink the ones whose counterpart is
	// gone.
	lastId := 0
	for {
		users, err := s.store.ListLinked(ctx, lastId, sourcePageSize)
		if err != nil {
			return stats, err
		}
		if len(users) == 0 {
			break
		}

		for i := range users {
			user := &users[i]
			stats.Examined++

			ext, err := s.provider.GetIdentity(ctx, *user.ExternalId)
			if err != nil {
				if IsNotFound(err) {
					if _, unlinkErr := s.Unlink(ctx, *user.ExternalId, "external identity deleted"); unlinkErr != nil {
						stats.Errors++
						s.failReconcileItem(ctx, run, "unlink", *user.ExternalId, unlinkErr)
					} else {
						stats.Unlinked++
					}
					continue
				}
				if IsUnconfigured(err) {
					return stats, err
				}
				stats.Errors++
				s.failReconcileItem(ctx, run, "refetch", *user.ExternalId, err)
				continue
			}

			if user.LastSyncedAt != nil && !ext.LastActivityAt.After(*user.LastSyncedAt) {
				continue
			}
			if _, err := s.PullIdentity(ctx, *ext); err != nil {
				stats.Errors++
				s.failReconcileItem(ctx, run, "pull", ext.ExternalId, err)
			} else {
				stats.Updated++
			}
		}

		lastId = users[len(users)-1].ID
		if len(users) < sourcePageSize {
			break
		}
	}

	return stats, nil
}

// failReconcileItem logs a per-item failure and, when a run row exists,
// persists it so run detail shows reconcile failures the way it shows batch
// ones.
func (s *Service) failReconcileItem(ctx context.Context, run *models.IdentitySyncRun, step string, externalId string, err error) {
	s.logger.WithFields(logrus.Fields{
		"module":      "identitysync",
		"funcName":    "Reconcile",
		"step":        step,
		"external_id": externalId,
	}).Warn(err.Error())
	if run != nil && s.runs != nil {
		_ = s.runs.RecordItemError(ctx, run.ID, 0, externalId, "reconcile_"+step+"_failed", err.Error(), true)
	}
}

// finishReconcileRun closes the pass's run row. Repairs of any kind count as
// synced records; an aborted pass counts as one more error so the run never
// resolves to success.
func (s *Service) finishReconcileRun(ctx context.Context, run *models.IdentitySyncRun, stats ReconcileStats, passErr error) {
	if s.runs == nil || run == nil {
		return
	}
	repaired := stats.Created + stats.Updated + stats.Unlinked
	errorCount := stats.Errors
	if passErr != nil {
		errorCount++
		_ = s.runs.RecordItemError(ctx, run.ID, 0, "", "reconcile_pass_failed", passErr.Error(), true)
	}
	if err := s.runs.FinishRun(ctx, run, stats.Examined, repaired, errorCount); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":   "identitysync",
			"funcName": "finishReconcileRun",
			"run_id":   run.ID,
		}).Error(err.Error())
	}
}
