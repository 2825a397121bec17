package identitysync

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Push email policy. In preserve mode a push never overwrites a differing
// provider-side email, so an externally-verified address cannot be silently
// invalidated. Overwrite mode makes the local email authoritative.
const (
	PushEmailPreserve  = "preserve"
	PushEmailOverwrite = "overwrite"
)

// Service wires the sync engine: matcher, push/pull synchronizers and the
// batch orchestrator all hang off it.
type Service struct {
	store         RecordStore
	runs          RunStore
	provider      Provider
	logger        *logrus.Logger
	pushEmailMode string
}

func NewService(store RecordStore, runs RunStore, provider Provider, logger *logrus.Logger) *Service {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_PUSH_EMAIL_MODE")))
	if mode != PushEmailOverwrite {
		mode = PushEmailPreserve
	}
	return &Service{
		store:         store,
		runs:          runs,
		provider:      provider,
		logger:        logger,
		pushEmailMode: mode,
	}
}

func (s *Service) ProviderHealthy(ctx context.Context) bool {
	return s.provider.Healthy(ctx)
}
