package identitysync

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy for sync operations. Per-item failures during batch or
// daemon passes are captured into result/record state; single-item API calls
// surface these to the caller via errors.Is.
var (
	ErrNotFound            = errors.New("identity not found")
	ErrConflict            = errors.New("external id already linked")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	ErrValidation          = errors.New("invalid identity data")
	ErrUnconfigured        = errors.New("identity provider not configured")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsUnconfigured(err error) bool { return errors.Is(err, ErrUnconfigured) }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// ExternalIdentity is a snapshot of a provider-side identity. It is read via
// the provider API and never persisted verbatim.
type ExternalIdentity struct {
	ExternalId     string         `json:"externalId"`
	Email          string         `json:"email"`
	DisplayName    string         `json:"displayName"`
	PhoneNumber    string         `json:"phoneNumber"`
	EmailVerified  bool           `json:"emailVerified"`
	Disabled       bool           `json:"disabled"`
	CustomClaims   map[string]any `json:"customClaims"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
}

// IdentityFields is the mutable field set written on create and update.
type IdentityFields struct {
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhoneNumber   string `json:"phoneNumber,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	Disabled      bool   `json:"disabled"`
}

// CustomClaims is the authorization payload pushed to the provider for use in
// token claims. Known fields are typed; Extra carries forward any additional
// claims without losing them. Known fields win over Extra on key collision.
type CustomClaims struct {
	Roles    []string
	UserId   int
	LastSync time.Time
	Extra    map[string]any
}

// Flatten renders the claims as the single flat object the provider stores.
func (c CustomClaims) Flatten() map[string]any {
	out := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["roles"] = c.Roles
	out["userId"] = c.UserId
	out["lastSync"] = c.LastSync.UTC().Format(time.RFC3339)
	return out
}

// Provider is the external identity provider API. Implementations must map
// transport failures and HTTP statuses onto the package error taxonomy.
type Provider interface {
	GetIdentity(ctx context.Context, externalId string) (*ExternalIdentity, error)
	CreateIdentity(ctx context.Context, fields IdentityFields) (*ExternalIdentity, error)
	UpdateIdentity(ctx context.Context, externalId string, fields IdentityFields) (*ExternalIdentity, error)
	DeleteIdentity(ctx context.Context, externalId string) error
	// ListIdentities returns one page and the token for the next, empty when
	// exhausted.
	ListIdentities(ctx context.Context, pageToken string, pageSize int) ([]ExternalIdentity, string, error)
	SetCustomClaims(ctx context.Context, externalId string, claims CustomClaims) error
	Healthy(ctx context.Context) bool
}
