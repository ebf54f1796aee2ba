package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablestack/payproc/internal/domain/attempt"
	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
)

// AttemptStore implements attempt.Store using PostgreSQL.
//
// Concurrency control is optimistic: every write carries the version the
// caller last observed, and the UPDATE only lands when that version is
// still current. A lost race surfaces as ErrVersionConflict so the caller
// can reload and merge.
type AttemptStore struct {
	pool *pgxpool.Pool
}

// NewAttemptStore creates a new AttemptStore.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const attemptColumns = `org_id, provider, intent_id, status,
	requested_amount, authorized_amount, captured_amount, refunded_amount,
	currency, provider_ref, auth_code, retry_count, next_retry_at,
	last_error_code, last_error_message, idempotency_keys, splits, events,
	version, created_at, updated_at, captured_at`

// Load retrieves the attempt for the given key.
func (s *AttemptStore) Load(ctx context.Context, key attempt.Key) (*attempt.Attempt, error) {
	return s.scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE org_id = $1 AND provider = $2 AND intent_id = $3`,
		key.OrgID, key.Provider, key.IntentID))
}

// Save persists the attempt. An expectedVersion of zero means the record
// must not exist yet; otherwise the stored version must still match.
func (s *AttemptStore) Save(ctx context.Context, a *attempt.Attempt, expectedVersion int64) error {
	keys, err := json.Marshal(a.IdempotencyKeys)
	if err != nil {
		return fmt.Errorf("marshal idempotency keys: %w", err)
	}
	splits, err := json.Marshal(a.Splits)
	if err != nil {
		return fmt.Errorf("marshal splits: %w", err)
	}
	events, err := json.Marshal(a.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	if expectedVersion == 0 {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO payment_attempts
			 (org_id, provider, intent_id, status,
			  requested_amount, authorized_amount, captured_amount, refunded_amount,
			  currency, provider_ref, auth_code, retry_count, next_retry_at,
			  last_error_code, last_error_message, idempotency_keys, splits, events,
			  version, created_at, updated_at, captured_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
			a.Key.OrgID, a.Key.Provider, a.Key.IntentID, string(a.Status),
			a.RequestedAmount, a.AuthorizedAmount, a.CapturedAmount, a.RefundedAmount,
			a.Currency, nullable(a.ProviderRef), nullable(a.AuthCode), a.RetryCount, a.NextRetryAt,
			nullable(a.LastErrorCode), nullable(a.LastErrorMessage), keys, splits, events,
			a.Version, a.CreatedAt, a.UpdatedAt, a.CapturedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return domainErrors.ErrVersionConflict
			}
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_attempts SET
		  status=$1, requested_amount=$2, authorized_amount=$3, captured_amount=$4,
		  refunded_amount=$5, provider_ref=$6, auth_code=$7, retry_count=$8,
		  next_retry_at=$9, last_error_code=$10, last_error_message=$11,
		  idempotency_keys=$12, splits=$13, events=$14, version=$15,
		  updated_at=$16, captured_at=$17
		 WHERE org_id=$18 AND provider=$19 AND intent_id=$20 AND version=$21`,
		string(a.Status), a.RequestedAmount, a.AuthorizedAmount, a.CapturedAmount,
		a.RefundedAmount, nullable(a.ProviderRef), nullable(a.AuthCode), a.RetryCount,
		a.NextRetryAt, nullable(a.LastErrorCode), nullable(a.LastErrorMessage),
		keys, splits, events, a.Version,
		a.UpdatedAt, a.CapturedAt,
		a.Key.OrgID, a.Key.Provider, a.Key.IntentID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_attempts WHERE org_id=$1 AND provider=$2 AND intent_id=$3)`,
			a.Key.OrgID, a.Key.Provider, a.Key.IntentID,
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("check attempt existence: %w", checkErr)
		}
		if !exists {
			return domainErrors.ErrAttemptNotFound
		}
		return domainErrors.ErrVersionConflict
	}
	return nil
}

// FindByProviderRef locates an attempt by the provider-side transaction
// reference, scoped to one org and provider. Used to route webhooks.
func (s *AttemptStore) FindByProviderRef(ctx context.Context, orgID, provider, ref string) (*attempt.Attempt, error) {
	return s.scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE org_id = $1 AND provider = $2 AND provider_ref = $3`,
		orgID, provider, ref))
}

func (s *AttemptStore) scanAttempt(row scanner) (*attempt.Attempt, error) {
	var (
		a                attempt.Attempt
		status           string
		providerRef      *string
		authCode         *string
		lastErrorCode    *string
		lastErrorMessage *string
		keys             []byte
		splits           []byte
		events           []byte
	)

	err := row.Scan(
		&a.Key.OrgID, &a.Key.Provider, &a.Key.IntentID, &status,
		&a.RequestedAmount, &a.AuthorizedAmount, &a.CapturedAmount, &a.RefundedAmount,
		&a.Currency, &providerRef, &authCode, &a.RetryCount, &a.NextRetryAt,
		&lastErrorCode, &lastErrorMessage, &keys, &splits, &events,
		&a.Version, &a.CreatedAt, &a.UpdatedAt, &a.CapturedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}

	a.Status = attempt.Status(status)
	if providerRef != nil {
		a.ProviderRef = *providerRef
	}
	if authCode != nil {
		a.AuthCode = *authCode
	}
	if lastErrorCode != nil {
		a.LastErrorCode = *lastErrorCode
	}
	if lastErrorMessage != nil {
		a.LastErrorMessage = *lastErrorMessage
	}
	if err := json.Unmarshal(keys, &a.IdempotencyKeys); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency keys: %w", err)
	}
	if len(splits) > 0 {
		if err := json.Unmarshal(splits, &a.Splits); err != nil {
			return nil, fmt.Errorf("unmarshal splits: %w", err)
		}
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &a.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	if a.IdempotencyKeys == nil {
		a.IdempotencyKeys = make(map[string]string)
	}

	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
