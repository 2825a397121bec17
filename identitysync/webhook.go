package identitysync

import (
	"context"
	"fmt"
	"strings"
)

// Provider lifecycle event kinds.
const (
	EventIdentityCreated = "identity.created"
	EventIdentityUpdated = "identity.updated"
	EventIdentityDeleted = "identity.deleted"
)

// LifecycleEvent is a provider notification. Field values inside the payload
// are hints only; the current snapshot is always re-fetched before applying.
type LifecycleEvent struct {
	EventType  string `json:"eventType" binding:"required"`
	ExternalId string `json:"externalId"`
	Email      string `json:"email"`
}

// ApplyEvent applies one lifecycle event out of band from the polling daemon.
// Idempotent under at-least-once delivery: replaying an event lands on the
// same end state because created/updated funnel into the pull upsert and
// deleted unlinks at most once.
func (s *Service) ApplyEvent(ctx context.Context, event LifecycleEvent) (SyncResult, error) {
	if strings.TrimSpace(event.ExternalId) == "" {
		err := fmt.Errorf("%w: externalId is required", ErrValidation)
		return SyncResult{Success: false, Action: ActionError, Message: err.Error()}, err
	}

	switch event.EventType {
	case EventIdentityCreated, EventIdentityUpdated:
		ext, err := s.provider.GetIdentity(ctx, event.ExternalId)
		if err != nil {
			if IsNotFound(err) {
				// Identity vanished between the event and the re-fetch;
				// treat it the same as a deletion notice.
				return s.applyDeleted(ctx, event.ExternalId)
			}
			return SyncResult{
				Success:    false,
				ExternalId: event.ExternalId,
				Action:     ActionError,
				Message:    err.Error(),
			}, err
		}
		return s.PullIdentity(ctx, *ext)

	case EventIdentityDeleted:
		return s.applyDeleted(ctx, event.ExternalId)

	default:
		err := fmt.Errorf("%w: unknown event type %q", ErrValidation, event.EventType)
		return SyncResult{
			Success:    false,
			ExternalId: event.ExternalId,
			Action:     ActionError,
			Message:    err.Error(),
		}, err
	}
}

func (s *Service) applyDeleted(ctx context.Context, externalId string) (SyncResult, error) {
	user, err := s.Unlink(ctx, externalId, "external identity deleted")
	if err != nil {
		return SyncResult{
			Success:    false,
			ExternalId: externalId,
			Action:     ActionError,
			Message:    err.Error(),
		}, err
	}
	if user == nil {
		// No local counterpart; deletion is already reflected.
		return SyncResult{Success: true, ExternalId: externalId, Action: ActionNone}, nil
	}
	return SyncResult{
		Success:    true,
		RecordId:   user.ID,
		ExternalId: externalId,
		Action:     ActionUnlinked,
	}, nil
}
