// internal/storage/storage.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"solarcms/internal/models"
)

const assetColumns = `id, source_filename, canonical_url, status, error_message, width, height,
	byte_size, mime_type, variants, alt_text, title, caption, description, created_at, updated_at`

// Storage keeps asset records in PostgreSQL.
type Storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

func (s *Storage) Create(ctx context.Context, a *models.Asset) error {
	const op = "storage.Create"

	variants, err := marshalVariants(a.Variants)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO assets (`+assetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, a.SourceFilename, a.CanonicalURL, string(a.Status), a.ErrorMessage, a.Width, a.Height,
		a.ByteSize, a.MimeType, variants, a.AltText, a.Title, a.Caption, a.Description, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	const op = "storage.Get"

	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func (s *Storage) Update(ctx context.Context, a *models.Asset) error {
	const op = "storage.Update"

	variants, err := marshalVariants(a.Variants)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET source_filename = $2, canonical_url = $3, status = $4, error_message = $5,
		 width = $6, height = $7, byte_size = $8, mime_type = $9, variants = $10, alt_text = $11,
		 title = $12, caption = $13, description = $14, updated_at = $15
		 WHERE id = $1`,
		a.ID, a.SourceFilename, a.CanonicalURL, string(a.Status), a.ErrorMessage, a.Width, a.Height,
		a.ByteSize, a.MimeType, variants, a.AltText, a.Title, a.Caption, a.Description, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "storage.Delete"
	tag, err := s.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

// List returns every asset, most recent first.
func (s *Storage) List(ctx context.Context) ([]*models.Asset, error) {
	const op = "storage.List"
	out, err := s.query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListStale returns assets in status whose last update is older than before.
func (s *Storage) ListStale(ctx context.Context, status models.Status, before time.Time) ([]*models.Asset, error) {
	const op = "storage.ListStale"
	out, err := s.query(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		string(status), before)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) query(ctx context.Context, sql string, args ...any) ([]*models.Asset, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var (
		a        models.Asset
		status   string
		variants []byte
	)
	err := row.Scan(&a.ID, &a.SourceFilename, &a.CanonicalURL, &status, &a.ErrorMessage, &a.Width, &a.Height,
		&a.ByteSize, &a.MimeType, &variants, &a.AltText, &a.Title, &a.Caption, &a.Description, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = models.Status(status)
	a.Variants = map[string]models.Variant{}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &a.Variants); err != nil {
			return nil, fmt.Errorf("decode variants: %w", err)
		}
	}
	return &a, nil
}

func marshalVariants(v map[string]models.Variant) ([]byte, error) {
	if v == nil {
		v = map[string]models.Variant{}
	}
	return json.Marshal(v)
}
