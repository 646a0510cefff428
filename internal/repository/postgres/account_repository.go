package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const accountColumns = `account_id, name, username, email, phone, password_hash, salt,
	is_admin, active, status, deleted_state, attempt_count, is_locked, locked_until,
	created_on, updated_on, last_login_on, version`

const (
	emailConstraint    = "accounts_email_key"
	usernameConstraint = "accounts_username_key"
)

type AccountRepository struct {
	pool poolIface
}

var _ repository.AccountRepository = (*AccountRepository)(nil)

func NewAccountRepository(pool poolIface) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
}

func (r *AccountRepository) FindByUsername(ctx context.Context, username string) (*models.Account, error) {
	return r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
}

func (r *AccountRepository) findOne(ctx context.Context, query string, key string) (*models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	account, err := scanAccount(r.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return account, nil
}

func (r *AccountRepository) List(ctx context.Context) ([]*models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_on`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return out, nil
}

func (r *AccountRepository) Insert(ctx context.Context, account *models.Account) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`,
		account.AccountID, account.Name, account.Username, account.Email, account.Phone,
		account.PasswordHash, account.Salt, account.IsAdmin, account.Active,
		int16(account.Status), int16(account.DeletedState), account.AttemptCount,
		account.IsLocked, account.LockedUntil, account.CreatedOn, account.UpdatedOn,
		account.LastLoginOn,
	)
	if constraint, ok := uniqueConstraint(err); ok {
		switch constraint {
		case emailConstraint:
			return repository.ErrDuplicateEmail
		case usernameConstraint:
			return repository.ErrDuplicateUsername
		}
		util.Warn("Unexpected unique violation on accounts", util.String("constraint", constraint))
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if err != nil {
		util.Error("Failed to insert account", util.Email(account.Email), zap.Error(err))
		return fmt.Errorf("failed to insert account: %w", err)
	}

	account.Version = 1
	return nil
}

// Update writes the mutable columns when version still matches. Email and username
// are never rewritten.
func (r *AccountRepository) Update(ctx context.Context, account *models.Account) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			name = $3, phone = $4, password_hash = $5, salt = $6, is_admin = $7,
			active = $8, status = $9, deleted_state = $10, attempt_count = $11,
			is_locked = $12, locked_until = $13, updated_on = $14, last_login_on = $15,
			version = version + 1
		WHERE account_id = $1 AND version = $2`,
		account.AccountID, account.Version,
		account.Name, account.Phone, account.PasswordHash, account.Salt, account.IsAdmin,
		account.Active, int16(account.Status), int16(account.DeletedState), account.AttemptCount,
		account.IsLocked, account.LockedUntil, account.UpdatedOn, account.LastLoginOn,
	)
	if err != nil {
		util.Error("Failed to update account", util.String("account_id", account.AccountID), zap.Error(err))
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}

	account.Version++
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.pool.Ping(ctx)
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		a            models.Account
		status       int16
		deletedState int16
	)
	err := row.Scan(
		&a.AccountID, &a.Name, &a.Username, &a.Email, &a.Phone, &a.PasswordHash, &a.Salt,
		&a.IsAdmin, &a.Active, &status, &deletedState, &a.AttemptCount, &a.IsLocked, &a.LockedUntil,
		&a.CreatedOn, &a.UpdatedOn, &a.LastLoginOn, &a.Version,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.AccountStatus(status)
	a.DeletedState = models.DeletedState(deletedState)
	return &a, nil
}
