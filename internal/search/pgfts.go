package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the proposals table using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	where := "p.fts @@ " + tsQuery
	if q.FilterPhase != "" {
		args = append(args, q.FilterPhase)
		where += fmt.Sprintf(" AND p.current_phase = $%d", len(args))
	}
	if q.FilterStatus != "" {
		args = append(args, q.FilterStatus)
		where += fmt.Sprintf(" AND p.status = $%d", len(args))
	}

	countSQL := fmt.Sprintf(`SELECT count(*) FROM proposals p WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.project_name, p.client_name,
			ts_headline('english', coalesce(p.summary, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			p.current_phase, p.status
		FROM proposals p
		WHERE %s
		ORDER BY ts_rank(p.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ProposalID, &r.ProjectName, &r.ClientName, &r.Snippet, &r.Phase, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable proposals for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProposalRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project_name, client_name, summary, current_phase, status
		FROM proposals
	`)
	if err != nil {
		return nil, fmt.Errorf("load proposals: %w", err)
	}
	defer rows.Close()

	proposals := make([]ProposalRecord, 0)
	for rows.Next() {
		var rec ProposalRecord
		if err := rows.Scan(&rec.ID, &rec.ProjectName, &rec.ClientName, &rec.Summary, &rec.Phase, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}

	return proposals, nil
}
