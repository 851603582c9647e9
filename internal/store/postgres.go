package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAlreadyIntegrated reports that a paper's status flip lost the
// compare-and-swap because another integration already committed.
var ErrAlreadyIntegrated = errors.New("paper already integrated")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertPaper registers a new paper under review. Returns false without
// error when the id is already taken.
func (s *PostgresStore) InsertPaper(ctx context.Context, paper Paper) (bool, error) {
	authors, err := json.Marshal(paper.Authors)
	if err != nil {
		return false, fmt.Errorf("marshal authors: %w", err)
	}
	claims, err := json.Marshal(paper.Claims)
	if err != nil {
		return false, fmt.Errorf("marshal claims: %w", err)
	}
	patches, err := json.Marshal(paper.GraphPatch)
	if err != nil {
		return false, fmt.Errorf("marshal graph patch: %w", err)
	}
	evidence, err := json.Marshal(paper.Evidence)
	if err != nil {
		return false, fmt.Errorf("marshal evidence: %w", err)
	}
	repro, err := json.Marshal(paper.Repro)
	if err != nil {
		return false, fmt.Errorf("marshal repro: %w", err)
	}
	provenance := paper.Provenance
	if len(provenance) == 0 {
		provenance = json.RawMessage("{}")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO papers (id, title, abstract, authors, claims, graph_patch, evidence, repro, provenance, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, paper.ID, paper.Title, paper.Abstract, authors, claims, patches, evidence, repro, provenance, PaperStatusUnderReview)
	if err != nil {
		return false, fmt.Errorf("insert paper: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert paper rows: %w", err)
	}
	return inserted > 0, nil
}

func (s *PostgresStore) GetPaper(ctx context.Context, paperID string) (Paper, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, abstract, authors, claims, graph_patch, evidence, repro, provenance, status, created_at
		FROM papers
		WHERE id=$1
	`, paperID)
	return scanPaper(row)
}

func (s *PostgresStore) ListPapers(ctx context.Context) ([]Paper, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, abstract, authors, claims, graph_patch, evidence, repro, provenance, status, created_at
		FROM papers
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	defer rows.Close()

	items := make([]Paper, 0)
	for rows.Next() {
		item, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate papers: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaper(row rowScanner) (Paper, error) {
	var item Paper
	var authors, claims, patches, evidence, repro []byte
	err := row.Scan(&item.ID, &item.Title, &item.Abstract, &authors, &claims, &patches, &evidence, &repro, &item.Provenance, &item.Status, &item.CreatedAt)
	if err != nil {
		return Paper{}, err
	}
	if err := json.Unmarshal(authors, &item.Authors); err != nil {
		return Paper{}, fmt.Errorf("unmarshal authors: %w", err)
	}
	if err := json.Unmarshal(claims, &item.Claims); err != nil {
		return Paper{}, fmt.Errorf("unmarshal claims: %w", err)
	}
	if err := json.Unmarshal(patches, &item.GraphPatch); err != nil {
		return Paper{}, fmt.Errorf("unmarshal graph patch: %w", err)
	}
	if err := json.Unmarshal(evidence, &item.Evidence); err != nil {
		return Paper{}, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(repro, &item.Repro); err != nil {
		return Paper{}, fmt.Errorf("unmarshal repro: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertReview(ctx context.Context, item Review) (Review, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reviews (paper_id, reviewer_id, reviewer_pubkey, vote, weight, topic, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, item.PaperID, item.ReviewerID, item.Pubkey, item.Vote, item.Weight, item.Topic, item.Notes).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return Review{}, fmt.Errorf("insert review: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, paperID string) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paper_id, reviewer_id, reviewer_pubkey, vote, weight, topic, notes, created_at
		FROM reviews
		WHERE paper_id=$1
		ORDER BY id
	`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	items := make([]Review, 0)
	for rows.Next() {
		var item Review
		if err := rows.Scan(&item.ID, &item.PaperID, &item.ReviewerID, &item.Pubkey, &item.Vote, &item.Weight, &item.Topic, &item.Notes, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

// CountPriorApprovals feeds the history bonus. An empty topic counts the
// reviewer's approvals across all topics.
func (s *PostgresStore) CountPriorApprovals(ctx context.Context, reviewerID, topic string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reviews
		WHERE reviewer_id=$1 AND vote='approve' AND ($2 = '' OR topic = $2)
	`, reviewerID, topic).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count prior approvals: %w", err)
	}
	return count, nil
}

// ApplyPatches commits a paper's declared claims and add-operations in one
// transaction. Claims are insert-ignore by id (first write wins); edges are
// appended unconditionally.
func (s *PostgresStore) ApplyPatches(ctx context.Context, claims []Claim, patches []GraphPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin patch tx: %w", err)
	}
	if err := applyPatchesTx(ctx, tx, claims, patches); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit patch tx: %w", err)
	}
	return nil
}

func applyPatchesTx(ctx context.Context, tx *sql.Tx, claims []Claim, patches []GraphPatch) error {
	const upsertClaim = `
		INSERT INTO claims (id, text, topic)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	for _, claim := range claims {
		if _, err := tx.ExecContext(ctx, upsertClaim, claim.ID, claim.Text, claim.Topic); err != nil {
			return fmt.Errorf("upsert claim %s: %w", claim.ID, err)
		}
	}
	for _, patch := range patches {
		if patch.Op != "add" || len(patch.Triple) != 3 {
			continue
		}
		subj, pred, obj := patch.Triple[0], patch.Triple[1], patch.Triple[2]
		for _, node := range []string{subj, obj} {
			if !strings.HasPrefix(node, ClaimURIPrefix) {
				continue
			}
			if _, err := tx.ExecContext(ctx, upsertClaim, node, "", ""); err != nil {
				return fmt.Errorf("upsert claim node %s: %w", node, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (subj, pred, obj) VALUES ($1, $2, $3)
		`, subj, pred, obj); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}
	return nil
}

// IntegratePaper flips the paper to integrated, applies its patches, and
// records the broadcast event, all in one transaction. The status flip is a
// compare-and-swap: a concurrent or repeated integration gets
// ErrAlreadyIntegrated and nothing is written.
func (s *PostgresStore) IntegratePaper(ctx context.Context, paperID string, claims []Claim, patches []GraphPatch, event BroadcastEvent) (BroadcastEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BroadcastEvent{}, fmt.Errorf("begin integrate tx: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE papers SET status=$1 WHERE id=$2 AND status <> $1
	`, PaperStatusIntegrated, paperID)
	if err != nil {
		_ = tx.Rollback()
		return BroadcastEvent{}, fmt.Errorf("flip paper status: %w", err)
	}
	flipped, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return BroadcastEvent{}, fmt.Errorf("flip paper status rows: %w", err)
	}
	if flipped == 0 {
		_ = tx.Rollback()
		return BroadcastEvent{}, ErrAlreadyIntegrated
	}

	if err := applyPatchesTx(ctx, tx, claims, patches); err != nil {
		_ = tx.Rollback()
		return BroadcastEvent{}, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO broadcast_events (id, kind, payload)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, event.ID, event.Kind, []byte(event.Payload)).Scan(&event.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		return BroadcastEvent{}, fmt.Errorf("insert broadcast event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return BroadcastEvent{}, fmt.Errorf("commit integrate tx: %w", err)
	}
	return event, nil
}

// InsertEvent appends an externally-submitted event. The timestamp is always
// assigned here so feed ordering stays monotonic.
func (s *PostgresStore) InsertEvent(ctx context.Context, event BroadcastEvent) (BroadcastEvent, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO broadcast_events (id, kind, payload)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, event.ID, event.Kind, []byte(event.Payload)).Scan(&event.CreatedAt)
	if err != nil {
		return BroadcastEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// ListEvents returns events in append order, optionally only those strictly
// after since.
func (s *PostgresStore) ListEvents(ctx context.Context, since *time.Time) ([]BroadcastEvent, error) {
	query := `
		SELECT id, kind, payload, created_at
		FROM broadcast_events
	`
	args := []any{}
	if since != nil {
		query += ` WHERE created_at > $1`
		args = append(args, *since)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]BroadcastEvent, 0)
	for rows.Next() {
		var item BroadcastEvent
		var payload []byte
		if err := rows.Scan(&item.ID, &item.Kind, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GraphStats(ctx context.Context) (GraphStats, error) {
	var stats GraphStats
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM claims), (SELECT COUNT(*) FROM edges)
	`).Scan(&stats.Claims, &stats.Edges)
	if err != nil {
		return GraphStats{}, fmt.Errorf("graph stats: %w", err)
	}
	return stats, nil
}

// ListEdgesAbout returns edges whose subject or object equals the given id.
func (s *PostgresStore) ListEdgesAbout(ctx context.Context, nodeID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subj, pred, obj
		FROM edges
		WHERE subj=$1 OR obj=$1
		ORDER BY id
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	items := make([]Edge, 0)
	for rows.Next() {
		var item Edge
		if err := rows.Scan(&item.ID, &item.Subj, &item.Pred, &item.Obj); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return items, nil
}
