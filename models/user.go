package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/storefront_backend/config"
	"golang.org/x/crypto/bcrypt"
)

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
	SyncStatusManual  SyncStatus = "manual"
)

// DefaultRole is assigned to accounts created from a provider-side identity.
const DefaultRole = "customer"

// User is the local identity record. The external provider owns credentials
// and session issuance; this row owns authorization and business data.
//
// ExternalId is sparse-unique: many rows carry NULL, no two rows may share a
// non-null value.
type User struct {
	ID            int        `gorm:"primary_key" json:"id"`
	Email         string     `gorm:"size:100;not null;uniqueIndex" json:"email" binding:"required"`
	ExternalId    *string    `gorm:"size:128;uniqueIndex" json:"external_id"`
	Name          string     `gorm:"size:100" json:"name"`
	Phone         string     `gorm:"size:20" json:"phone"`
	EmailVerified bool       `gorm:"not null;default:false" json:"email_verified"`
	IsActive      *bool      `gorm:"not null" json:"is_active"`
	Password      string     `gorm:"size:255;not null" json:"-"`
	Roles         string     `json:"roles"`
	SyncStatus    SyncStatus `gorm:"size:10;not null;default:'manual'" json:"sync_status"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	SyncError     *string    `gorm:"type:text" json:"sync_error"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	User:$id
*/

func (user User) RemoveInstanceRedis() error {
	if err := config.RemoveRedisKey("User:" + strconv.Itoa(user.ID)); err != nil {
		return err
	}
	return nil
}

// RoleList splits the comma-joined roles column.
func (user User) RoleList() []string {
	if strings.TrimSpace(user.Roles) == "" {
		return nil
	}
	parts := strings.Split(user.Roles, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if r := strings.TrimSpace(p); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func (user *User) SetRoleList(roles []string) {
	cleaned := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	user.Roles = strings.Join(cleaned, ",")
}

// NewPlaceholderPassword returns a bcrypt hash of a random value. Rows created
// from a provider-side identity must satisfy the not-null password column but
// the hash must never be usable for login, so the plaintext is discarded.
func NewPlaceholderPassword() (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
