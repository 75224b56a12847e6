// Package token implements the Token Refresh State Machine described in
// spec.md §4.4: NoTokens -> LoggingIn -> Authenticated -> Stale ->
// Refreshing -> Authenticated, with a 14-minute staleness window and a
// body-level (not just HTTP-status) check on refresh responses, following
// original_source's maccas-api/core/src/client.rs.
package token

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/accountlock"
	"github.com/maccas-fleet/engine/pkg/metrics"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/upstream"
)

// State is the closed set of states an account's token lease moves
// through.
type State string

const (
	StateNoTokens      State = "NoTokens"
	StateAuthenticated State = "Authenticated"
	StateStale         State = "Stale"
)

// StalenessWindow matches original_source's 14-minute refresh window: the
// upstream access token is good for 15 minutes, and is proactively
// refreshed one minute early.
const StalenessWindow = 14 * time.Minute

// Store persists the token fields of an Account. It is a narrow seam over
// the accounts table so Manager does not need the rest of the account
// schema.
type Store interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (model.Account, error)
	SaveTokens(ctx context.Context, accountID uuid.UUID, accessToken, refreshToken, deviceID string, refreshedAt time.Time) error
	RecordRefreshFailure(ctx context.Context, accountID uuid.UUID) error
}

// SQLStore is the Postgres-backed Store implementation.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore builds a SQLStore over db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetAccount(ctx context.Context, accountID uuid.UUID) (model.Account, error) {
	var account model.Account
	err := s.db.GetContext(ctx, &account, `SELECT * FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return model.Account{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to load account")
	}
	return account, nil
}

func (s *SQLStore) SaveTokens(ctx context.Context, accountID uuid.UUID, accessToken, refreshToken, deviceID string, refreshedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET access_token = $1, refresh_token = $2, device_id = $3,
		    last_token_refresh_at = $4, refresh_failure_count = 0, updated_at = now()
		WHERE account_id = $5`,
		accessToken, refreshToken, deviceID, refreshedAt, accountID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to save account tokens")
	}
	return nil
}

func (s *SQLStore) RecordRefreshFailure(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET refresh_failure_count = refresh_failure_count + 1, updated_at = now()
		WHERE account_id = $1`, accountID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to record refresh failure")
	}
	return nil
}

// Manager drives the token state machine for one account at a time.
type Manager struct {
	store  Store
	client upstream.Client
	locks  *accountlock.Manager
	log    *logrus.Logger

	lockTTL time.Duration
}

// NewManager builds a Manager.
func NewManager(store Store, client upstream.Client, locks *accountlock.Manager, lockTTL time.Duration, log *logrus.Logger) *Manager {
	return &Manager{store: store, client: client, locks: locks, lockTTL: lockTTL, log: log}
}

// stateOf classifies account's current token state.
func stateOf(account model.Account) State {
	if account.AccessToken == nil || account.LastTokenRefreshAt == nil {
		return StateNoTokens
	}
	if time.Since(*account.LastTokenRefreshAt) >= StalenessWindow {
		return StateStale
	}
	return StateAuthenticated
}

// EnsureFresh returns a usable access token for accountID, performing a
// login or refresh as needed. Per spec.md §9, the account lock is always
// taken before any token mutation, including the refresh path, to close
// the race between a concurrent refresh and a concurrent full login.
func (m *Manager) EnsureFresh(ctx context.Context, accountID uuid.UUID) (string, error) {
	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	switch stateOf(account) {
	case StateAuthenticated:
		return *account.AccessToken, nil

	case StateStale:
		token, err := m.refresh(ctx, accountID, account)
		if err == nil {
			return token, nil
		}
		m.log.WithError(err).WithField("account_id", accountID).Warn("refresh failed, falling back to full login")
		return m.login(ctx, accountID, account)

	default: // StateNoTokens
		return m.login(ctx, accountID, account)
	}
}

func (m *Manager) refresh(ctx context.Context, accountID uuid.UUID, account model.Account) (string, error) {
	var token string
	err := m.locks.WithLock(ctx, accountID, m.lockTTL, func(ctx context.Context) error {
		deviceID := ""
		if account.DeviceID != nil {
			deviceID = *account.DeviceID
		}
		result, err := m.client.CustomerLoginRefresh(ctx, *account.RefreshToken, deviceID)
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues("failed").Inc()
			if recordErr := m.store.RecordRefreshFailure(ctx, accountID); recordErr != nil {
				m.log.WithError(recordErr).Warn("failed to record token refresh failure")
			}
			return err
		}

		if err := m.store.SaveTokens(ctx, accountID, result.AccessToken, result.RefreshToken, result.DeviceID, result.ObtainedAt); err != nil {
			return err
		}
		metrics.TokenRefreshTotal.WithLabelValues("refreshed").Inc()
		token = result.AccessToken
		return nil
	})
	return token, err
}

func (m *Manager) login(ctx context.Context, accountID uuid.UUID, account model.Account) (string, error) {
	var token string
	err := m.locks.WithLock(ctx, accountID, m.lockTTL, func(ctx context.Context) error {
		deviceID := ""
		if account.DeviceID != nil {
			deviceID = *account.DeviceID
		} else {
			deviceID = uuid.NewString()
		}

		securityToken, err := m.client.SecurityAuthToken(ctx)
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues("failed").Inc()
			return err
		}

		result, err := m.client.CustomerLogin(ctx, securityToken, account.Username, account.Password, deviceID)
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues("failed").Inc()
			return err
		}

		if err := m.store.SaveTokens(ctx, accountID, result.AccessToken, result.RefreshToken, result.DeviceID, result.ObtainedAt); err != nil {
			return err
		}
		metrics.TokenRefreshTotal.WithLabelValues("reauthenticated").Inc()
		token = result.AccessToken
		return nil
	})
	return token, err
}
