package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each query selects violating rows, so
// any row returned is a failure.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_tally_matches_votes",
			SQL: `SELECT c.id, c.yes_votes, c.no_votes, c.total_stake
                  FROM claims c
                  LEFT JOIN (
                      SELECT claim_id,
                             COUNT(*) FILTER (WHERE choice) AS yes,
                             COUNT(*) FILTER (WHERE NOT choice) AS no,
                             SUM(stake_amount) AS total
                      FROM votes GROUP BY claim_id
                  ) v ON v.claim_id = c.id
                  WHERE c.yes_votes <> COALESCE(v.yes, 0)
                     OR c.no_votes <> COALESCE(v.no, 0)
                     OR c.total_stake <> COALESCE(v.total, 0)`,
		},
		{
			Name: "O2_token_conservation",
			SQL: `SELECT circulating.total, granted.total, burned.total
                  FROM (SELECT COALESCE(SUM(available + locked), 0) AS total FROM stake_accounts) circulating,
                       (SELECT COALESCE(SUM(granted), 0) AS total FROM stake_accounts) granted,
                       (SELECT COALESCE(SUM(dust), 0) AS total FROM resolutions) burned
                  WHERE circulating.total <> granted.total - burned.total`,
		},
		{
			Name: "O3_vote_within_window",
			SQL: `SELECT v.claim_id, v.voter_id, v.created_at, w.opens_at, w.closes_at
                  FROM votes v
                  JOIN validation_windows w ON w.claim_id = v.claim_id
                  WHERE v.created_at < w.opens_at
                     OR v.created_at > w.closes_at + interval '5 seconds'`,
		},
		{
			Name: "O4_window_claim_state_agree",
			SQL: `SELECT w.claim_id, w.state, c.status
                  FROM validation_windows w
                  JOIN claims c ON c.id = w.claim_id
                  WHERE (w.state = 'resolved' AND c.status = 'UNVERIFIED')
                     OR (w.state <> 'resolved' AND c.status <> 'UNVERIFIED')`,
		},
		{
			Name: "O5_resolved_exactly_once",
			SQL: `SELECT c.id FROM claims c
                  WHERE (c.status <> 'UNVERIFIED') <> EXISTS (SELECT 1 FROM resolutions r WHERE r.claim_id = c.id)`,
		},
		{
			Name: "O6_resolution_arithmetic",
			SQL: `SELECT r.claim_id FROM resolutions r
                  WHERE r.dust < 0
                     OR (r.outcome = 'DISPUTED' AND r.dust <> 0)
                     OR (r.outcome <> 'DISPUTED'
                         AND r.winning_stake + r.losing_stake <>
                             (SELECT COALESCE(SUM(v.stake_amount), 0) FROM votes v WHERE v.claim_id = r.claim_id))`,
		},
		{
			Name: "O7_locks_settled_after_resolution",
			SQL: `SELECT v.claim_id, v.voter_id, l.state
                  FROM votes v
                  JOIN stake_locks l ON l.id = v.lock_id
                  JOIN resolutions r ON r.claim_id = v.claim_id
                  WHERE l.state <> 'settled'`,
		},
		{
			Name: "O8_locks_held_while_open",
			SQL: `SELECT v.claim_id, v.voter_id, l.state
                  FROM votes v
                  JOIN stake_locks l ON l.id = v.lock_id
                  JOIN validation_windows w ON w.claim_id = v.claim_id
                  WHERE w.state <> 'resolved' AND l.state <> 'held'`,
		},
		{
			Name: "O9_immutability_guards_present",
			SQL: `SELECT missing FROM (VALUES
                      ('claims_guard_update'), ('no_delete_claims'),
                      ('no_update_votes'), ('no_delete_votes')
                  ) AS required(missing)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = required.missing)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row) or an empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
