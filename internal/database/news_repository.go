package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/votoclaro/electsync/internal/models"
)

const newsColumns = `id, url, title, summary, feed_url, source, published_at, party_id, needs_review, created_at, updated_at`

// PostgresNewsRepository stores news mentions keyed by canonical URL.
type PostgresNewsRepository struct {
	db *sql.DB
}

// NewPostgresNewsRepository creates a new PostgreSQL-based news repository.
func NewPostgresNewsRepository(db *sql.DB) *PostgresNewsRepository {
	return &PostgresNewsRepository{db: db}
}

// InsertNews inserts item unless its URL already exists. Reports whether a
// row was written.
func (r *PostgresNewsRepository) InsertNews(ctx context.Context, item models.NewsItem) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO news_items (`+newsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (url) DO NOTHING
		RETURNING id
	`, item.ID, item.URL, item.Title, item.Summary, item.FeedURL, item.Source, item.PublishedAt,
		nullString(item.PartyID), item.NeedsReview, item.CreatedAt, item.UpdatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert news item: %w", err)
	}
	return true, nil
}

// UpdateNews refreshes the mutable fields of the row stored under item.URL.
func (r *PostgresNewsRepository) UpdateNews(ctx context.Context, item models.NewsItem) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE news_items
		SET title = $2, summary = $3, party_id = $4, needs_review = $5, updated_at = $6
		WHERE url = $1
	`, item.URL, item.Title, item.Summary, nullString(item.PartyID), item.NeedsReview, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update news item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetNewsByURL returns the news item stored under url.
func (r *PostgresNewsRepository) GetNewsByURL(ctx context.Context, url string) (*models.NewsItem, error) {
	var item models.NewsItem
	var partyID sql.NullString

	err := r.db.QueryRowContext(ctx, `SELECT `+newsColumns+` FROM news_items WHERE url = $1`, url).Scan(
		&item.ID, &item.URL, &item.Title, &item.Summary, &item.FeedURL, &item.Source, &item.PublishedAt,
		&partyID, &item.NeedsReview, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get news item: %w", err)
	}
	item.PartyID = stringPtr(partyID)
	return &item, nil
}

// CountNews returns the number of stored news items.
func (r *PostgresNewsRepository) CountNews(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM news_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count news items: %w", err)
	}
	return n, nil
}
