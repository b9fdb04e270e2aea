package models

import "time"

type CredentialStatus string

const (
	CredentialActive         CredentialStatus = "active"
	CredentialPoisoned       CredentialStatus = "poisoned"        // Provider permanently rejected the refresh token
	CredentialNeedsReconnect CredentialStatus = "needs_reconnect" // Tokens scrubbed, user must log in again
)

// Credential is one user's connection to one platform
type Credential struct {
	ID              string           `gorm:"column:id;primaryKey"`
	OwnerID         string           `gorm:"column:owner_id;index"`
	Platform        Platform         `gorm:"column:platform"`
	AccessToken     *string          `gorm:"column:access_token"`
	RefreshToken    *string          `gorm:"column:refresh_token"`
	ExpiresAt       *time.Time       `gorm:"column:expires_at"`
	Status          CredentialStatus `gorm:"column:status"`
	StatusReason    *string          `gorm:"column:status_reason"`
	Username        string           `gorm:"column:username"`
	DisplayMeta     *string          `gorm:"column:display_meta"`
	LastRefreshedAt *time.Time       `gorm:"column:last_refreshed_at"`
	CreatedAt       time.Time        `gorm:"column:created_at"`
	UpdatedAt       time.Time        `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Credential) TableName() string {
	return "social_credential"
}

// HasRefreshToken reports whether the credential can be refreshed without a new login
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != nil && *c.RefreshToken != ""
}

// IsActive reports whether the credential may still be used and refreshed
func (c *Credential) IsActive() bool {
	return c.Status == "" || c.Status == CredentialActive
}

// Token returns the access token or an empty string
func (c *Credential) Token() string {
	if c.AccessToken == nil {
		return ""
	}
	return *c.AccessToken
}

// Clone returns a deep copy so callers can't mutate shared pointer fields
func (c *Credential) Clone() *Credential {
	out := *c
	out.AccessToken = cloneString(c.AccessToken)
	out.RefreshToken = cloneString(c.RefreshToken)
	out.StatusReason = cloneString(c.StatusReason)
	out.DisplayMeta = cloneString(c.DisplayMeta)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.LastRefreshedAt = cloneTime(c.LastRefreshedAt)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
