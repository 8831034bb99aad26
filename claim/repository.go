package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals that no claim exists for the given id.
var ErrNotFound = errors.New("claim: not found")

// Repository provides data access for claims.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const claimColumns = `id, title, content, category::text, status::text, evidence_urls, fingerprint, author_id, yes_votes, no_votes, total_stake, submitted_at`

// Insert persists a new claim inside the caller's transaction and returns
// the assigned identifier.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params SubmitParams, fingerprint string) (Claim, error) {
	const insertSQL = `
		INSERT INTO claims (title, content, category, evidence_urls, fingerprint, author_id)
		VALUES ($1, $2, $3::claim_category, $4, $5, $6)
		RETURNING ` + claimColumns

	row := tx.QueryRow(ctx, insertSQL,
		params.Title,
		params.Content,
		params.Category,
		params.EvidenceURLs,
		fingerprint,
		params.AuthorID,
	)
	c, err := scanClaim(row)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: insert: %w", err)
	}
	return c, nil
}

// Get fetches a single claim by id.
func (r *Repository) Get(ctx context.Context, id int64) (Claim, error) {
	c, err := scanClaim(r.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrNotFound
		}
		return Claim{}, fmt.Errorf("claim: get: %w", err)
	}
	return c, nil
}

// List returns a deterministic page of claims. Ties are broken by id
// ascending so repeated reads paginate reproducibly.
func (r *Repository) List(ctx context.Context, filters ListFilters) (Page, error) {
	where := ` WHERE true`
	args := []any{}
	if filters.Category != nil {
		args = append(args, *filters.Category)
		where += fmt.Sprintf(" AND category = $%d::claim_category", len(args))
	}
	if filters.Status != nil {
		args = append(args, *filters.Status)
		where += fmt.Sprintf(" AND status = $%d::claim_status", len(args))
	}

	var order string
	switch filters.Sort {
	case SortOldest:
		order = ` ORDER BY submitted_at ASC, id ASC`
	case SortMostVotes:
		order = ` ORDER BY yes_votes + no_votes DESC, id ASC`
	default:
		order = ` ORDER BY submitted_at DESC, id ASC`
	}

	args = append(args, filters.Limit, filters.Offset)
	query := `SELECT ` + claimColumns + ` FROM claims` + where + order +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("claim: list: %w", err)
	}
	defer rows.Close()

	claims := make([]Claim, 0, filters.Limit)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return Page{}, fmt.Errorf("claim: scan: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("claim: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM claims`+where, args[:len(args)-2]...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("claim: count: %w", err)
	}

	return Page{
		Claims:  claims,
		Total:   total,
		HasMore: filters.Offset+filters.Limit < total,
	}, nil
}

// Search matches the query against title, content, and category.
func (r *Repository) Search(ctx context.Context, query string, limit int) ([]Claim, error) {
	const searchSQL = `
		SELECT ` + claimColumns + `
		FROM claims
		WHERE title ILIKE '%' || $1 || '%'
		   OR content ILIKE '%' || $1 || '%'
		   OR category::text ILIKE '%' || $1 || '%'
		ORDER BY submitted_at DESC, id ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, searchSQL, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim: search: %w", err)
	}
	defer rows.Close()

	out := make([]Claim, 0, limit)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: scan search: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate search: %w", err)
	}
	return out, nil
}

// CountByAuthor returns the number of claims submitted by a user.
func (r *Repository) CountByAuthor(ctx context.Context, authorID string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM claims WHERE author_id = $1`, authorID).Scan(&n); err != nil {
		return 0, fmt.Errorf("claim: count by author: %w", err)
	}
	return n, nil
}

func scanClaim(row pgx.Row) (Claim, error) {
	var c Claim
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Content,
		&c.Category,
		&c.Status,
		&c.EvidenceURLs,
		&c.Fingerprint,
		&c.AuthorID,
		&c.YesVotes,
		&c.NoVotes,
		&c.TotalStake,
		&c.SubmittedAt,
	)
	return c, err
}
