// Package scylla implements the account and OTP stores on ScyllaDB. Uniqueness and
// optimistic concurrency use lightweight transactions.
package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/config"
	"account-security/internal/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_bucket int,
		account_id text,
		name text,
		username text,
		email text,
		phone text,
		password_hash text,
		salt text,
		is_admin boolean,
		active boolean,
		status int,
		deleted_state int,
		attempt_count int,
		is_locked boolean,
		locked_until timestamp,
		created_on timestamp,
		updated_on timestamp,
		last_login_on timestamp,
		version bigint,
		PRIMARY KEY ((account_bucket), account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS accounts_by_email (
		email text PRIMARY KEY,
		account_bucket int,
		account_id text,
		claimed_on timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS accounts_by_username (
		username text PRIMARY KEY,
		account_bucket int,
		account_id text,
		claimed_on timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS otp_records (
		email text PRIMARY KEY,
		code text,
		purpose int,
		generated_on timestamp,
		valid_upto timestamp,
		consumed_on timestamp
	)`,
}

type ScyllaClient struct {
	Session     *gocql.Session
	config      config.ScyllaConfig
	consistency gocql.Consistency
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	consistency, err := gocql.ParseConsistencyWrapper(scyllaConfig.Consistency)
	if err != nil {
		return nil, fmt.Errorf("invalid scylla consistency: %w", err)
	}

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = consistency
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace),
		zap.String("consistency", consistency.String()))

	return &ScyllaClient{Session: session, config: scyllaConfig, consistency: consistency}, nil
}

// EnsureSchema creates the tables used by the stores if they are missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("tables", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

// Query builds a statement bound to ctx. gocql prepares and caches it on first use.
func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries idempotent writes with a linear backoff. Lightweight
// transactions must not go through here.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	query.Idempotent(true)
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			if err := sleepCtx(ctx, backoff(i)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// ScanWithRetry retries reads that fail for reasons other than a missing row.
func (s *ScyllaClient) ScanWithRetry(ctx context.Context, query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = query.Scan(dest...)
		if lastErr == nil || lastErr == gocql.ErrNotFound {
			return lastErr
		}
		if i < 2 {
			if err := sleepCtx(ctx, backoff(i)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 100 * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
