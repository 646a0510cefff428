package memory

import (
	"context"
	"sort"
	"sync"

	"account-security/internal/models"
	"account-security/internal/repository"
)

// AccountRepository is an in-process store used in development and tests.
type AccountRepository struct {
	mu         sync.RWMutex
	byID       map[string]*models.Account
	byEmail    map[string]string
	byUsername map[string]string
}

var _ repository.AccountRepository = (*AccountRepository)(nil)

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:       make(map[string]*models.Account),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
	}
}

func (r *AccountRepository) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.byEmail, email)
}

func (r *AccountRepository) FindByUsername(_ context.Context, username string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.byUsername, username)
}

func (r *AccountRepository) lookup(index map[string]string, key string) (*models.Account, error) {
	id, ok := index[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *AccountRepository) List(_ context.Context) ([]*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Account, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (r *AccountRepository) Insert(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[account.Email]; ok {
		return repository.ErrDuplicateEmail
	}
	if _, ok := r.byUsername[account.Username]; ok {
		return repository.ErrDuplicateUsername
	}

	account.Version = 1
	r.byID[account.AccountID] = account.Clone()
	r.byEmail[account.Email] = account.AccountID
	r.byUsername[account.Username] = account.AccountID
	return nil
}

func (r *AccountRepository) Update(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[account.AccountID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != account.Version {
		return repository.ErrConflict
	}
	// email and username are immutable after registration
	account.Email = stored.Email
	account.Username = stored.Username
	account.Version++
	r.byID[account.AccountID] = account.Clone()
	return nil
}

func (r *AccountRepository) HealthCheck(context.Context) error { return nil }
