package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/bucketing"
	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const accountColumns = `account_id, name, username, email, phone, password_hash, salt,
	is_admin, active, status, deleted_state, attempt_count, is_locked, locked_until,
	created_on, updated_on, last_login_on, version`

const (
	insertAccountCQL = `INSERT INTO accounts (account_bucket, ` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	claimEmailCQL    = `INSERT INTO accounts_by_email (email, account_bucket, account_id, claimed_on) VALUES (?, ?, ?, ?) IF NOT EXISTS`
	claimUsernameCQL = `INSERT INTO accounts_by_username (username, account_bucket, account_id, claimed_on) VALUES (?, ?, ?, ?) IF NOT EXISTS`
	takeEmailCQL     = `UPDATE accounts_by_email SET account_bucket = ?, account_id = ?, claimed_on = ? WHERE email = ? IF account_id = ?`
	takeUsernameCQL  = `UPDATE accounts_by_username SET account_bucket = ?, account_id = ?, claimed_on = ? WHERE username = ? IF account_id = ?`
	accountExistsCQL = `SELECT account_id FROM accounts WHERE account_bucket = ? AND account_id = ?`
	releaseEmailCQL  = `DELETE FROM accounts_by_email WHERE email = ? IF account_id = ?`
	releaseUserCQL   = `DELETE FROM accounts_by_username WHERE username = ? IF account_id = ?`
	lookupEmailCQL   = `SELECT account_bucket, account_id FROM accounts_by_email WHERE email = ?`
	lookupUserCQL    = `SELECT account_bucket, account_id FROM accounts_by_username WHERE username = ?`
	selectAccountCQL = `SELECT ` + accountColumns + ` FROM accounts WHERE account_bucket = ? AND account_id = ?`
	listBucketCQL    = `SELECT ` + accountColumns + ` FROM accounts WHERE account_bucket = ?`
	updateAccountCQL = `UPDATE accounts SET
		name = ?, phone = ?, password_hash = ?, salt = ?, is_admin = ?, active = ?, status = ?,
		deleted_state = ?, attempt_count = ?, is_locked = ?, locked_until = ?, updated_on = ?,
		last_login_on = ?, version = ?
		WHERE account_bucket = ? AND account_id = ? IF version = ?`
)

// claimGrace is how long a claim without an account row is treated as an
// in-flight registration before another registration may take it over.
const claimGrace = time.Minute

type claimStatements struct {
	insert, takeover string
}

var (
	emailClaim    = claimStatements{insert: claimEmailCQL, takeover: takeEmailCQL}
	usernameClaim = claimStatements{insert: claimUsernameCQL, takeover: takeUsernameCQL}
)

// AccountRepository keeps accounts partitioned by bucket with lookup tables for
// email and username. The lookup rows double as uniqueness claims.
type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	now     func() time.Time
}

var _ repository.AccountRepository = (*AccountRepository)(nil)

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccountRepository {
	return &AccountRepository{client: client, buckets: buckets, now: time.Now}
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.findVia(ctx, lookupEmailCQL, email)
}

func (r *AccountRepository) FindByUsername(ctx context.Context, username string) (*models.Account, error) {
	return r.findVia(ctx, lookupUserCQL, username)
}

func (r *AccountRepository) findVia(ctx context.Context, lookup, key string) (*models.Account, error) {
	var (
		bucket int
		id     string
	)
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, lookup, key), &bucket, &id)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to look up account", zap.Error(err))
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	account := &models.Account{}
	err = r.client.ScanWithRetry(ctx, r.client.Query(ctx, selectAccountCQL, bucket, id), accountDest(account)...)
	if errors.Is(err, gocql.ErrNotFound) {
		// claim written but account row missing: a registration that did not finish
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (r *AccountRepository) List(ctx context.Context) ([]*models.Account, error) {
	var out []*models.Account
	for bucket := 0; bucket < r.buckets.AccountBuckets(); bucket++ {
		iter := r.client.Query(ctx, listBucketCQL, bucket).Iter()
		for {
			account := &models.Account{}
			if !iter.Scan(accountDest(account)...) {
				break
			}
			out = append(out, account)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to list accounts in bucket %d: %w", bucket, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

// Insert claims the email, then the username, then writes the account row. A failed
// username claim releases the email claim.
func (r *AccountRepository) Insert(ctx context.Context, account *models.Account) error {
	bucket := r.buckets.AccountBucket(account.AccountID)

	applied, err := r.claim(ctx, emailClaim, account.Email, bucket, account.AccountID)
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return repository.ErrDuplicateEmail
	}

	applied, err = r.claim(ctx, usernameClaim, account.Username, bucket, account.AccountID)
	if err != nil || !applied {
		r.release(ctx, releaseEmailCQL, account.Email, account.AccountID)
		if err != nil {
			return fmt.Errorf("failed to claim username: %w", err)
		}
		return repository.ErrDuplicateUsername
	}

	args := append([]interface{}{bucket}, accountValues(account, 1)...)
	applied, err = r.cas(ctx, insertAccountCQL, args...)
	if err != nil || !applied {
		r.release(ctx, releaseUserCQL, account.Username, account.AccountID)
		r.release(ctx, releaseEmailCQL, account.Email, account.AccountID)
		if err != nil {
			util.Error("Failed to insert account", util.Email(account.Email), zap.Error(err))
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return fmt.Errorf("account id %s already exists", account.AccountID)
	}

	account.Version = 1
	util.Debug("Account stored", util.String("account_id", account.AccountID), util.Int("bucket", bucket))
	return nil
}

func (r *AccountRepository) Update(ctx context.Context, account *models.Account) error {
	bucket := r.buckets.AccountBucket(account.AccountID)
	next := account.Version + 1

	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, updateAccountCQL,
		account.Name, account.Phone, account.PasswordHash, account.Salt, account.IsAdmin,
		account.Active, int(account.Status), int(account.DeletedState), account.AttemptCount,
		account.IsLocked, account.LockedUntil, account.UpdatedOn, account.LastLoginOn, next,
		bucket, account.AccountID, account.Version,
	).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to update account", util.String("account_id", account.AccountID), zap.Error(err))
		return fmt.Errorf("failed to update account: %w", err)
	}
	if !applied {
		if _, ok := existing["version"]; !ok {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}

	account.Version = next
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *AccountRepository) cas(ctx context.Context, stmt string, args ...interface{}) (bool, error) {
	return r.client.Query(ctx, stmt, args...).MapScanCAS(map[string]interface{}{})
}

// claim writes a uniqueness claim. A claim held by an account whose row was never
// written (a registration that died between claim and insert) is taken over once
// it is older than claimGrace, so the key does not stay unregistrable.
func (r *AccountRepository) claim(ctx context.Context, stmts claimStatements, key string, bucket int, accountID string) (bool, error) {
	now := r.now().UTC()
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, stmts.insert, key, bucket, accountID, now).MapScanCAS(existing)
	if err != nil || applied {
		return applied, err
	}

	holder, _ := existing["account_id"].(string)
	holderBucket, _ := existing["account_bucket"].(int)
	claimedOn, _ := existing["claimed_on"].(time.Time)
	if holder == "" || !claimStale(claimedOn, now) {
		return false, nil
	}

	orphaned, err := r.accountMissing(ctx, holderBucket, holder)
	if err != nil || !orphaned {
		return false, err
	}
	applied, err = r.client.Query(ctx, stmts.takeover, bucket, accountID, now, key, holder).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, err
	}
	if applied {
		util.Warn("Took over orphaned uniqueness claim",
			util.String("account_id", accountID), util.String("previous_account_id", holder))
	}
	return applied, nil
}

// claimStale reports whether a claim is old enough to be checked for an orphan.
// Claims written before claimed_on existed have a zero time and count as stale.
func claimStale(claimedOn, now time.Time) bool {
	return claimedOn.IsZero() || now.Sub(claimedOn) >= claimGrace
}

func (r *AccountRepository) accountMissing(ctx context.Context, bucket int, accountID string) (bool, error) {
	var id string
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, accountExistsCQL, bucket, accountID), &id)
	if errors.Is(err, gocql.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check claim holder: %w", err)
	}
	return false, nil
}

func (r *AccountRepository) release(ctx context.Context, stmt, key, accountID string) {
	if _, err := r.cas(ctx, stmt, key, accountID); err != nil {
		util.Warn("Failed to release uniqueness claim", util.String("account_id", accountID), zap.Error(err))
	}
}

func accountValues(a *models.Account, version int64) []interface{} {
	return []interface{}{
		a.AccountID, a.Name, a.Username, a.Email, a.Phone, a.PasswordHash, a.Salt,
		a.IsAdmin, a.Active, int(a.Status), int(a.DeletedState), a.AttemptCount, a.IsLocked, a.LockedUntil,
		a.CreatedOn, a.UpdatedOn, a.LastLoginOn, version,
	}
}

// accountDest returns scan targets in accountColumns order.
func accountDest(a *models.Account) []interface{} {
	return []interface{}{
		&a.AccountID, &a.Name, &a.Username, &a.Email, &a.Phone, &a.PasswordHash, &a.Salt,
		&a.IsAdmin, &a.Active, &a.Status, &a.DeletedState, &a.AttemptCount, &a.IsLocked, &a.LockedUntil,
		&a.CreatedOn, &a.UpdatedOn, &a.LastLoginOn, &a.Version,
	}
}
