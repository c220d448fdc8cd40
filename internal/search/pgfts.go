package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS serves clause retrieval from PostgreSQL full-text search as the
// fallback when Meilisearch is unreachable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	query := `
		SELECT c.id, c.domain, c.title, c.body, COALESCE(c.recommendation, ''),
			ts_rank(c.search_vector, plainto_tsquery('english', $1)) AS rank
		FROM clauses c
		WHERE c.search_vector @@ plainto_tsquery('english', $1)`
	args := []any{q.Text}
	if q.Domain != "" {
		query += ` AND c.domain = $2`
		args = append(args, q.Domain)
	}
	query += fmt.Sprintf(` ORDER BY rank DESC LIMIT %d`, normalizeTopK(q.TopK))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ClauseID, &r.Domain, &r.Title, &r.Body, &r.Recommendation, &r.Score); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rescaleScores(results), nil
}

// rescaleScores maps raw ts_rank values onto the 0-1 range Meilisearch
// reports, so the two backends are interchangeable downstream. Raw ranks
// typically land around 0.01-0.1; dividing by the best hit keeps the
// ordering and gives relative strength on a comparable scale. The input
// must be ordered by score descending.
func rescaleScores(results []Result) []Result {
	if len(results) == 0 {
		return results
	}
	best := results[0].Score
	if best <= 0 {
		return results
	}
	for i := range results {
		results[i].Score /= best
	}
	return results
}

// LoadAllRecords reads every clause for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ClauseRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, domain, title, body, COALESCE(recommendation, '') FROM clauses
	`)
	if err != nil {
		return nil, fmt.Errorf("pgfts load clauses: %w", err)
	}
	defer rows.Close()

	var records []ClauseRecord
	for rows.Next() {
		var rec ClauseRecord
		if err := rows.Scan(&rec.ID, &rec.Domain, &rec.Title, &rec.Body, &rec.Recommendation); err != nil {
			return nil, fmt.Errorf("pgfts scan clause: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
