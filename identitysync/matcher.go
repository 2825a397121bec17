package identitysync

import (
	"context"
	"strings"

	"github.com/mmdatafocus/storefront_backend/models"
)

// MatchLocal resolves the local counterpart of a provider-side identity.
// Lookup order: external id, exact email, case-insensitive email. An external
// id match always wins over an email match because the external id is the
// authoritative key once established. Pure read, no side effects.
func (s *Service) MatchLocal(ctx context.Context, externalId string, email string) (*models.User, error) {
	if strings.TrimSpace(externalId) != "" {
		user, err := s.store.FindByExternalId(ctx, externalId)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	return s.store.FindByEmailFold(ctx, email)
}
