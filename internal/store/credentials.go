// ABOUTME: Tenant credential persistence with secrets sealed at rest
// ABOUTME: Backs the orchestrator's credential source and the tenant management endpoints

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/tally-gateway/internal/tenant"
)

// PutCredential creates or replaces a tenant's bot configuration.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred tenant.Credential) error {
	if _, err := tenant.ParseID(string(cred.TenantID)); err != nil {
		return err
	}
	mode := cred.Mode
	if mode == "" {
		mode = tenant.ModePolling
	}

	token, err := s.sealer.sealOptional(cred.BotToken)
	if err != nil {
		return fmt.Errorf("sealing bot token: %w", err)
	}
	secret, err := s.sealer.sealOptional(cred.WebhookSecret)
	if err != nil {
		return fmt.Errorf("sealing webhook secret: %w", err)
	}
	aiKey, err := s.sealer.sealOptional(cred.AIKey)
	if err != nil {
		return fmt.Errorf("sealing ai key: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO tenants (tenant_id, mode, bot_token, webhook_secret, ai_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			mode = excluded.mode,
			bot_token = excluded.bot_token,
			webhook_secret = excluded.webhook_secret,
			ai_key = excluded.ai_key,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, string(cred.TenantID), string(mode), token, secret, aiKey, now, now); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	s.logger.Info("credential saved", "tenant_id", cred.TenantID, "mode", mode)
	return nil
}

// GetCredential returns a tenant's decrypted bot configuration. A tenant row
// without a bot token yields tenant.ErrNoCredential.
func (s *SQLiteStore) GetCredential(ctx context.Context, t tenant.ID) (tenant.Credential, error) {
	query := `SELECT mode, bot_token, webhook_secret, ai_key FROM tenants WHERE tenant_id = ?`

	var mode string
	var token, secret, aiKey []byte
	err := s.db.QueryRowContext(ctx, query, string(t)).Scan(&mode, &token, &secret, &aiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Credential{}, fmt.Errorf("%s: %w", t, tenant.ErrNoCredential)
	}
	if err != nil {
		return tenant.Credential{}, fmt.Errorf("querying credential: %w", err)
	}
	if len(token) == 0 {
		return tenant.Credential{}, fmt.Errorf("%s: %w", t, tenant.ErrNoCredential)
	}

	cred := tenant.Credential{TenantID: t, Mode: tenant.DispatchMode(mode)}
	if cred.BotToken, err = s.sealer.Open(token); err != nil {
		return tenant.Credential{}, fmt.Errorf("bot token for %s: %w", t, err)
	}
	if cred.WebhookSecret, err = s.sealer.openOptional(secret); err != nil {
		return tenant.Credential{}, fmt.Errorf("webhook secret for %s: %w", t, err)
	}
	if cred.AIKey, err = s.sealer.openOptional(aiKey); err != nil {
		return tenant.Credential{}, fmt.Errorf("ai key for %s: %w", t, err)
	}
	return cred, nil
}

// ListTenants returns every tenant with a configured bot, sorted by id.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]tenant.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenants WHERE bot_token IS NOT NULL ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var ids []tenant.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		ids = append(ids, tenant.ID(id))
	}
	return ids, rows.Err()
}

// DeleteTenant removes a tenant together with its categories and transactions.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) DeleteTenant(ctx context.Context, t tenant.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id = ?`, string(t))
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE tenant_id = ?`, string(t)); err != nil {
		return fmt.Errorf("deleting transactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE tenant_id = ?`, string(t)); err != nil {
		return fmt.Errorf("deleting categories: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	s.logger.Info("tenant deleted", "tenant_id", t)
	return nil
}
