package identitysync

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/storefront_backend/models"
	"github.com/sirupsen/logrus"
)

// PullIdentity projects one provider-side snapshot onto the local store
// (create-or-update). Idempotent: re-applying the same snapshot only
// refreshes last_synced_at. Safe under at-least-once delivery from both the
// webhook path and the reconciliation daemon.
func (s *Service) PullIdentity(ctx context.Context, ext ExternalIdentity) (SyncResult, error) {
	local, err := s.MatchLocal(ctx, ext.ExternalId, ext.Email)
	if err != nil {
		return s.failPull(ctx, nil, ext, err)
	}

	if local != nil {
		applySnapshot(local, ext)
		if err := s.store.Save(ctx, local); err != nil {
			return s.failPull(ctx, local, ext, err)
		}
		return SyncResult{
			Success:    true,
			RecordId:   local.ID,
			ExternalId: ext.ExternalId,
			Action:     ActionUpdated,
		}, nil
	}

	password, err := models.NewPlaceholderPassword()
	if err != nil {
		return s.failPull(ctx, nil, ext, err)
	}
	user := &models.User{Password: password}
	user.SetRoleList([]string{models.DefaultRole})
	applySnapshot(user, ext)

	if err := s.store.Create(ctx, user); err != nil {
		if !IsConflict(err) {
			return s.failPull(ctx, nil, ext, err)
		}
		// Lost a create race on the external id index; the counterpart now
		// exists, retry as an update.
		local, matchErr := s.MatchLocal(ctx, ext.ExternalId, ext.Email)
		if matchErr != nil {
			return s.failPull(ctx, nil, ext, matchErr)
		}
		if local == nil {
			return s.failPull(ctx, nil, ext, err)
		}
		applySnapshot(local, ext)
		if saveErr := s.store.Save(ctx, local); saveErr != nil {
			return s.failPull(ctx, local, ext, saveErr)
		}
		return SyncResult{
			Success:    true,
			RecordId:   local.ID,
			ExternalId: ext.ExternalId,
			Action:     ActionUpdated,
		}, nil
	}

	return SyncResult{
		Success:    true,
		RecordId:   user.ID,
		ExternalId: ext.ExternalId,
		Action:     ActionCreated,
	}, nil
}

// Unlink detaches a local record from a deleted provider identity. All other
// field values are retained; note explains the unlink in sync_error.
// Returns (nil, nil) when no record holds the external id.
func (s *Service) Unlink(ctx context.Context, externalId string, note string) (*models.User, error) {
	user, err := s.store.FindByExternalId(ctx, externalId)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	user.ExternalId = nil
	user.SyncStatus = models.SyncStatusManual
	user.SyncError = &note
	if err := s.store.Save(ctx, user); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"module":      "identitysync",
		"record_id":   user.ID,
		"external_id": externalId,
	}).Info("unlinked local record from deleted external identity")
	return user, nil
}

func (s *Service) failPull(ctx context.Context, local *models.User, ext ExternalIdentity, cause error) (SyncResult, error) {
	message := cause.Error()
	result := SyncResult{
		Success:    false,
		ExternalId: ext.ExternalId,
		Action:     ActionError,
		Message:    message,
	}
	if local != nil {
		result.RecordId = local.ID
		local.SyncStatus = models.SyncStatusError
		local.SyncError = &message
		if saveErr := s.store.Save(ctx, local); saveErr != nil {
			s.logger.WithFields(logrus.Fields{
				"module":    "identitysync",
				"funcName":  "PullIdentity",
				"record_id": local.ID,
			}).Error(saveErr.Error())
		}
	}
	return result, cause
}

// applySnapshot overwrites the provider-owned fields; everything else on the
// record keeps its value.
func applySnapshot(user *models.User, ext ExternalIdentity) {
	externalId := ext.ExternalId
	active := !ext.Disabled
	now := time.Now()

	user.Email = ext.Email
	user.ExternalId = &externalId
	user.Name = displayNameOf(ext)
	user.Phone = ext.PhoneNumber
	user.EmailVerified = ext.EmailVerified
	user.IsActive = &active
	user.SyncStatus = models.SyncStatusSynced
	user.LastSyncedAt = &now
	user.SyncError = nil
}

func displayNameOf(ext ExternalIdentity) string {
	if name := strings.TrimSpace(ext.DisplayName); name != "" {
		return name
	}
	// Fall back to the local part of the email.
	if at := strings.Index(ext.Email, "@"); at > 0 {
		return ext.Email[:at]
	}
	return ext.Email
}
