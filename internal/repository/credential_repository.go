package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vipul43/socialpulse-worker/internal/models"
)

var ErrCredentialNotFound = errors.New("credential not found")

// NowFunc returns the current time. It can be overridden in tests.
var NowFunc = time.Now

// PoisonBackdate is how far into the past a poisoned credential's expiry is moved
const PoisonBackdate = 24 * time.Hour

// ScrubbableStatuses are the statuses whose long-expired tokens the daily cleanup removes
var ScrubbableStatuses = []models.CredentialStatus{models.CredentialActive, models.CredentialPoisoned}

// TokenUpdate carries the result of a successful refresh.
// RefreshToken is only written when non-nil so providers that don't rotate keep the old one.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken *string
	ExpiresAt    time.Time
}

type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create stores a credential produced by a login strategy
func (r *CredentialRepository) Create(ctx context.Context, credential *models.Credential) error {
	now := NowFunc()
	if credential.ID == "" {
		credential.ID = uuid.New().String()
	}
	if credential.Status == "" {
		credential.Status = models.CredentialActive
	}
	credential.CreatedAt = now
	credential.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(credential).Error; err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetByID retrieves credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	var credential models.Credential
	result := r.db.WithContext(ctx).First(&credential, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", result.Error)
	}
	return &credential, nil
}

// FindByOwner retrieves every credential linked by one user
func (r *CredentialRepository) FindByOwner(ctx context.Context, ownerID string) ([]models.Credential, error) {
	var credentials []models.Credential
	result := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("platform ASC").
		Find(&credentials)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query credentials by owner: %w", result.Error)
	}
	return credentials, nil
}

// FindExpiring retrieves active, refreshable credentials whose expiry falls inside their
// platform's window. A NULL expiry always qualifies. Platforms missing from windows are not queried.
func (r *CredentialRepository) FindExpiring(ctx context.Context, windows map[models.Platform]time.Duration) ([]models.Credential, error) {
	cond := r.expiringCondition(windows)
	if cond == nil {
		return nil, nil
	}

	var credentials []models.Credential
	result := r.db.WithContext(ctx).
		Where(refreshableCondition, models.CredentialActive).
		Where(cond).
		Order("expires_at ASC NULLS FIRST").
		Find(&credentials)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query expiring credentials: %w", result.Error)
	}
	return credentials, nil
}

// CountExpiring counts what FindExpiring would return
func (r *CredentialRepository) CountExpiring(ctx context.Context, windows map[models.Platform]time.Duration) (int64, error) {
	cond := r.expiringCondition(windows)
	if cond == nil {
		return 0, nil
	}

	var count int64
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where(refreshableCondition, models.CredentialActive).
		Where(cond).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count expiring credentials: %w", result.Error)
	}
	return count, nil
}

// refreshableCondition limits bulk queries to credentials a refresh can actually fix.
// Rows without a refresh token are left for the request path and the daily cleanup.
const refreshableCondition = "status = ? AND access_token IS NOT NULL AND refresh_token IS NOT NULL"

func (r *CredentialRepository) expiringCondition(windows map[models.Platform]time.Duration) *gorm.DB {
	now := NowFunc()
	var cond *gorm.DB
	// Iterate the fixed platform list so the generated SQL is stable
	for _, platform := range models.Platforms {
		window, ok := windows[platform]
		if !ok {
			continue
		}
		clause := "platform = ? AND (expires_at IS NULL OR expires_at <= ?)"
		if cond == nil {
			cond = r.db.Where(clause, platform, now.Add(window))
		} else {
			cond = cond.Or(clause, platform, now.Add(window))
		}
	}
	return cond
}

// UpdateTokens persists a successful refresh and reactivates the credential
func (r *CredentialRepository) UpdateTokens(ctx context.Context, id string, update TokenUpdate) error {
	now := NowFunc()
	updates := map[string]interface{}{
		"access_token":      update.AccessToken,
		"expires_at":        update.ExpiresAt,
		"status":            models.CredentialActive,
		"status_reason":     nil,
		"last_refreshed_at": now,
		"updated_at":        now,
	}
	if update.RefreshToken != nil {
		updates["refresh_token"] = *update.RefreshToken
	}

	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// UpdateExpiry records a lifetime learned by probing the provider
func (r *CredentialRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"expires_at": expiresAt,
			"updated_at": NowFunc(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update expiry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// MarkPoisoned flags a credential whose refresh token the provider rejected for good.
// The expiry is moved a day into the past and the row drops out of expiring queries.
func (r *CredentialRepository) MarkPoisoned(ctx context.Context, id string, reason string) error {
	now := NowFunc()
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.CredentialPoisoned,
			"status_reason": reason,
			"expires_at":    now.Add(-PoisonBackdate),
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark credential poisoned: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// ScrubExpiredBefore clears token material from active and poisoned credentials that
// expired before cutoff
func (r *CredentialRepository) ScrubExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("status IN ? AND expires_at < ?", ScrubbableStatuses, cutoff).
		Updates(map[string]interface{}{
			"access_token":  nil,
			"refresh_token": nil,
			"expires_at":    nil,
			"status":        models.CredentialNeedsReconnect,
			"status_reason": "token expired and was cleaned up",
			"updated_at":    NowFunc(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to scrub expired credentials: %w", result.Error)
	}
	return result.RowsAffected, nil
}
