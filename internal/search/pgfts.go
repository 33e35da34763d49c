package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements card search using PostgreSQL full-text search as a
// fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery against the cards fts column with ts_headline
// snippets, scoped to one canvas.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "c.user_id = $2 AND c.canvas_id = $3 AND c.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text, q.UserID, q.CanvasID}
	argN := 4
	if q.FilterType != "" {
		where += fmt.Sprintf(" AND c.type = $%d", argN)
		args = append(args, q.FilterType)
		argN++
	}
	if q.FilterLane != "" {
		where += fmt.Sprintf(" AND c.lane = $%d", argN)
		args = append(args, q.FilterLane)
		argN++
	}

	countSQL := "SELECT count(*) FROM cards c WHERE " + where

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.type, c.lane, c.status,
			ts_headline('english', coalesce(c.content::text, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM cards c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CardID, &r.Type, &r.Lane, &r.Status, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every card for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CardRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, canvas_id, type, lane, status, content::text
		FROM cards
	`)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	records := make([]CardRecord, 0)
	for rows.Next() {
		var record CardRecord
		if err := rows.Scan(&record.ID, &record.UserID, &record.CanvasID, &record.Type, &record.Lane, &record.Status, &record.Text); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return records, nil
}
