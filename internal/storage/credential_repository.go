package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/models"
)

// CredentialRepository persists bearer tokens, one row per upstream service
type CredentialRepository struct {
	db *PostgresDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *PostgresDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetCredential returns the stored token for service, or nil when none is stored
func (r *CredentialRepository) GetCredential(ctx context.Context, service string) (*models.CachedCredential, error) {
	query := `
		SELECT service_name, token, token_kind, expires_at
		FROM service_credentials
		WHERE service_name = $1
	`

	var cred models.CachedCredential
	err := r.db.Pool().QueryRow(ctx, query, service).Scan(
		&cred.ServiceName,
		&cred.Token,
		&cred.TokenKind,
		&cred.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get credential", err)
	}
	return &cred, nil
}

// UpsertCredential replaces the token for cred.ServiceName
func (r *CredentialRepository) UpsertCredential(ctx context.Context, cred *models.CachedCredential) error {
	query := `
		INSERT INTO service_credentials (service_name, token, token_kind, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (service_name) DO UPDATE
		SET token = EXCLUDED.token,
			token_kind = EXCLUDED.token_kind,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`

	if _, err := r.db.Pool().Exec(ctx, query, cred.ServiceName, cred.Token, cred.TokenKind, cred.ExpiresAt); err != nil {
		return apperrors.NewDatabaseError("upsert credential", err)
	}
	return nil
}
