// ABOUTME: Transaction and category persistence for completed conversation flows
// ABOUTME: Every query is scoped by tenant id so tenants never see each other's rows

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/tenant"
)

// CreateTransaction stores a finalized record and returns its id.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, t tenant.ID, rec flow.Record) (string, error) {
	id := uuid.New().String()
	query := `
		INSERT INTO transactions (id, tenant_id, type, amount_minor, category, note, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		id,
		string(t),
		rec.Type,
		rec.AmountMinor,
		rec.Category,
		nullString(rec.Note),
		string(rec.Source),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return "", fmt.Errorf("inserting transaction: %w", err)
	}

	s.logger.Debug("created transaction", "id", id, "tenant_id", t, "type", rec.Type, "source", rec.Source)
	return id, nil
}

// ListTransactions returns a tenant's most recent transactions, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, t tenant.ID, limit int) ([]*Transaction, error) {
	query := `
		SELECT id, type, amount_minor, category, note, source, created_at
		FROM transactions
		WHERE tenant_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, string(t), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var (
			tx        Transaction
			note      sql.NullString
			source    string
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.Type, &tx.AmountMinor, &tx.Category, &note, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		tx.TenantID = t
		tx.Source = flow.Kind(source)
		tx.Note = note.String
		tx.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// CreateCategory adds a category for a tenant. Names are unique per tenant and
// type, ignoring case; a clash returns ErrDuplicateCategory.
func (s *SQLiteStore) CreateCategory(ctx context.Context, t tenant.ID, cat flow.CategoryRecord) (string, error) {
	id := uuid.New().String()
	query := `
		INSERT INTO categories (id, tenant_id, type, name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, id, string(t), cat.Type, cat.Name, time.Now().UTC().Format(timeFormat))
	if err != nil {
		if isConstraintViolation(err) {
			return "", fmt.Errorf("%w: %q", ErrDuplicateCategory, cat.Name)
		}
		return "", fmt.Errorf("inserting category: %w", err)
	}

	s.logger.Debug("created category", "id", id, "tenant_id", t, "type", cat.Type, "name", cat.Name)
	return id, nil
}

// ListCategories returns a tenant's category names of the given type in
// creation order. An empty typ lists every category.
func (s *SQLiteStore) ListCategories(ctx context.Context, t tenant.ID, typ string) ([]string, error) {
	query := `SELECT name FROM categories WHERE tenant_id = ? AND (? = '' OR type = ?) ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, string(t), typ, typ)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
