package identitysync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/storefront_backend/models"
	"github.com/sirupsen/logrus"
)

const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionUnlinked = "unlinked"
	ActionNone     = "none"
	ActionError    = "error"
)

// SyncResult reports the outcome of one single-record sync in either
// direction.
type SyncResult struct {
	Success    bool   `json:"success"`
	RecordId   int    `json:"recordId,omitempty"`
	ExternalId string `json:"externalId,omitempty"`
	Action     string `json:"action"`
	Message    string `json:"message,omitempty"`
}

// PushRecord projects one local record onto the provider (create-or-update).
// A failure never touches the record's prior external id or data; only
// sync_status/sync_error change. The returned error carries the taxonomy for
// API callers; batch callers use the result and continue.
func (s *Service) PushRecord(ctx context.Context, user *models.User) (SyncResult, error) {
	var existing *ExternalIdentity
	if user.ExternalId != nil {
		found, err := s.provider.GetIdentity(ctx, *user.ExternalId)
		switch {
		case err == nil:
			existing = found
		case IsNotFound(err):
			// Counterpart vanished provider-side; fall through to creation.
			existing = nil
		default:
			return s.failPush(ctx, user, err)
		}
	}

	fields := IdentityFields{
		Email:         user.Email,
		DisplayName:   user.Name,
		PhoneNumber:   user.Phone,
		EmailVerified: user.EmailVerified,
		Disabled:      !userActive(user),
	}

	var (
		externalId string
		action     string
		message    string
	)
	if existing == nil {
		created, err := s.provider.CreateIdentity(ctx, fields)
		if err != nil {
			return s.failPush(ctx, user, err)
		}
		externalId = created.ExternalId
		action = ActionCreated
	} else {
		if s.pushEmailMode == PushEmailPreserve &&
			existing.Email != "" && !strings.EqualFold(existing.Email, user.Email) {
			// Never clobber a provider-side email the provider may have
			// verified; keep it and flag the divergence.
			fields.Email = existing.Email
			message = fmt.Sprintf("provider email %q differs from local %q; preserved", existing.Email, user.Email)
		}
		if _, err := s.provider.UpdateIdentity(ctx, existing.ExternalId, fields); err != nil {
			return s.failPush(ctx, user, err)
		}
		externalId = existing.ExternalId
		action = ActionUpdated
	}

	now := time.Now()
	claims := CustomClaims{
		Roles:    user.RoleList(),
		UserId:   user.ID,
		LastSync: now,
	}
	if existing != nil {
		claims.Extra = existing.CustomClaims
	}
	if err := s.provider.SetCustomClaims(ctx, externalId, claims); err != nil {
		return s.failPush(ctx, user, err)
	}

	user.ExternalId = &externalId
	user.SyncStatus = models.SyncStatusSynced
	user.LastSyncedAt = &now
	user.SyncError = nil
	if err := s.store.Save(ctx, user); err != nil {
		return s.failPush(ctx, user, err)
	}

	return SyncResult{
		Success:    true,
		RecordId:   user.ID,
		ExternalId: externalId,
		Action:     action,
		Message:    message,
	}, nil
}

func (s *Service) failPush(ctx context.Context, user *models.User, cause error) (SyncResult, error) {
	message := cause.Error()
	user.SyncStatus = models.SyncStatusError
	user.SyncError = &message
	if saveErr := s.store.Save(ctx, user); saveErr != nil {
		s.logger.WithFields(logrus.Fields{
			"module":    "identitysync",
			"funcName":  "PushRecord",
			"record_id": user.ID,
		}).Error(saveErr.Error())
	}
	return SyncResult{
		Success:  false,
		RecordId: user.ID,
		Action:   ActionError,
		Message:  message,
	}, cause
}

func userActive(user *models.User) bool {
	return user.IsActive == nil || *user.IsActive
}
