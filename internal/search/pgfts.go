package search

import (
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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over claims and papers using plainto_tsquery,
// ranked with ts_rank and snippeted with ts_headline.
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
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultClaim {
		claimWhere := "c.fts @@ " + tsQuery
		if q.FilterTopic != "" {
			claimWhere += fmt.Sprintf(" AND c.topic = $%d", argN)
			args = append(args, q.FilterTopic)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'claim'::text AS type, c.id, c.id AS title,
				ts_headline('english', coalesce(c.text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.topic,
				ts_rank(c.fts, %s) AS rank
			FROM claims c
			WHERE %s
		`, tsQuery, tsQuery, claimWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultPaper {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'paper'::text AS type, p.id, p.title,
				ts_headline('english', coalesce(p.abstract, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS topic,
				ts_rank(p.fts, %s) AS rank
			FROM papers p
			WHERE p.fts @@ %s
		`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, title, snippet, topic, COUNT(*) OVER() AS total
		FROM (%s) hits
		ORDER BY rank DESC, id
		LIMIT $%d OFFSET $%d
	`, strings.Join(subQueries, " UNION ALL "), argN, argN+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	total := 0
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.Title, &r.Snippet, &r.Topic, &total); err != nil {
			return nil, 0, fmt.Errorf("scan fts row: %w", err)
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate fts rows: %w", err)
	}
	return results, total, nil
}
