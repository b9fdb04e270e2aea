package repofake

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/repository"
)

// CredentialRepo is an in-memory credential store with the same filtering rules as the
// postgres repository. Every read returns copies.
type CredentialRepo struct {
	credentials map[string]*models.Credential
	order       []string
	lock        sync.RWMutex
}

func NewCredentialRepo(credentials ...*models.Credential) *CredentialRepo {
	r := &CredentialRepo{credentials: make(map[string]*models.Credential)}
	for _, c := range credentials {
		_ = r.Create(context.Background(), c)
	}
	return r
}

func (r *CredentialRepo) Create(_ context.Context, credential *models.Credential) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := repository.NowFunc()
	if credential.ID == "" {
		credential.ID = uuid.New().String()
	}
	if credential.Status == "" {
		credential.Status = models.CredentialActive
	}
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	credential.UpdatedAt = now

	if _, exists := r.credentials[credential.ID]; !exists {
		r.order = append(r.order, credential.ID)
	}
	r.credentials[credential.ID] = credential.Clone()
	return nil
}

func (r *CredentialRepo) GetByID(_ context.Context, id string) (*models.Credential, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	c, ok := r.credentials[id]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	return c.Clone(), nil
}

func (r *CredentialRepo) FindByOwner(_ context.Context, ownerID string) ([]models.Credential, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var out []models.Credential
	for _, id := range r.order {
		if c := r.credentials[id]; c.OwnerID == ownerID {
			out = append(out, *c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (r *CredentialRepo) FindExpiring(_ context.Context, windows map[models.Platform]time.Duration) ([]models.Credential, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	now := repository.NowFunc()
	var out []models.Credential
	for _, id := range r.order {
		c := r.credentials[id]
		if isExpiring(c, windows, now) {
			out = append(out, *c.Clone())
		}
	}

	// expires_at ASC NULLS FIRST
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ExpiresAt, out[j].ExpiresAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

func (r *CredentialRepo) CountExpiring(ctx context.Context, windows map[models.Platform]time.Duration) (int64, error) {
	found, err := r.FindExpiring(ctx, windows)
	return int64(len(found)), err
}

func isExpiring(c *models.Credential, windows map[models.Platform]time.Duration, now time.Time) bool {
	if c.Status != models.CredentialActive || c.AccessToken == nil || c.RefreshToken == nil {
		return false
	}
	window, ok := windows[c.Platform]
	if !ok {
		return false
	}
	return c.ExpiresAt == nil || !c.ExpiresAt.After(now.Add(window))
}

func (r *CredentialRepo) UpdateTokens(_ context.Context, id string, update repository.TokenUpdate) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.credentials[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	now := repository.NowFunc()
	access := update.AccessToken
	expires := update.ExpiresAt
	c.AccessToken = &access
	c.ExpiresAt = &expires
	if update.RefreshToken != nil {
		refresh := *update.RefreshToken
		c.RefreshToken = &refresh
	}
	c.Status = models.CredentialActive
	c.StatusReason = nil
	c.LastRefreshedAt = &now
	c.UpdatedAt = now
	return nil
}

func (r *CredentialRepo) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.credentials[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	c.ExpiresAt = &expiresAt
	c.UpdatedAt = repository.NowFunc()
	return nil
}

func (r *CredentialRepo) MarkPoisoned(_ context.Context, id string, reason string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.credentials[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	now := repository.NowFunc()
	backdated := now.Add(-repository.PoisonBackdate)
	c.Status = models.CredentialPoisoned
	c.StatusReason = &reason
	c.ExpiresAt = &backdated
	c.UpdatedAt = now
	return nil
}

func (r *CredentialRepo) ScrubExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var count int64
	reason := "token expired and was cleaned up"
	for _, c := range r.credentials {
		if !slices.Contains(repository.ScrubbableStatuses, c.Status) || c.ExpiresAt == nil || !c.ExpiresAt.Before(cutoff) {
			continue
		}
		c.AccessToken = nil
		c.RefreshToken = nil
		c.ExpiresAt = nil
		c.Status = models.CredentialNeedsReconnect
		c.StatusReason = &reason
		c.UpdatedAt = repository.NowFunc()
		count++
	}
	return count, nil
}
