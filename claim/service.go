package claim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"defacto/config"
	"defacto/outbox"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params SubmitParams, fingerprint string) (Claim, error)
	Get(ctx context.Context, id int64) (Claim, error)
	List(ctx context.Context, filters ListFilters) (Page, error)
	Search(ctx context.Context, query string, limit int) ([]Claim, error)
}

// WindowOpener creates the validation window for a new claim inside the
// submission transaction.
type WindowOpener interface {
	Open(ctx context.Context, tx pgx.Tx, claimID int64, duration time.Duration) error
}

// OutboxWriter appends events in the submission transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Observer receives a synchronous notification after a claim commit.
type Observer func(Claim)

// Service is the claim store: intake validation, persistence, and the
// read-side queries the presentation layer consumes.
type Service struct {
	pool      TxBeginner
	repo      Store
	windows   WindowOpener
	outbox    OutboxWriter
	policy    config.Policy
	observers []Observer
}

func NewService(pool TxBeginner, repo Store, windows WindowOpener, out OutboxWriter, policy config.Policy) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		windows: windows,
		outbox:  out,
		policy:  policy,
	}
}

// OnClaimCreated registers a synchronous observer invoked after each
// successful submission. Not safe to call once the service is serving.
func (s *Service) OnClaimCreated(fn Observer) {
	s.observers = append(s.observers, fn)
}

// Submit validates and persists a new claim, opening its validation window
// in the same transaction.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Claim, error) {
	if err := s.validate(params); err != nil {
		return Claim{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, params, Fingerprint(params))
	if err != nil {
		return Claim{}, err
	}

	if err := s.windows.Open(ctx, tx, created.ID, s.policy.WindowDuration); err != nil {
		return Claim{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"claim_id":  created.ID,
			"category":  created.Category,
			"author_id": created.AuthorID,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicClaimCreated, payload); err != nil {
			return Claim{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit: %w", err)
	}

	for _, fn := range s.observers {
		fn(created)
	}

	return created, nil
}

// Get fetches a claim by id.
func (s *Service) Get(ctx context.Context, id int64) (Claim, error) {
	return s.repo.Get(ctx, id)
}

// List returns a filtered, deterministically ordered page of claims.
func (s *Service) List(ctx context.Context, filters ListFilters) (Page, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 10
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	if filters.Category != nil && !isValidCategory(*filters.Category) {
		verr := &ValidationError{}
		verr.add("category", fmt.Sprintf("unknown category %q", *filters.Category))
		return Page{}, verr
	}
	return s.repo.List(ctx, filters)
}

// Search returns up to 20 claims matching the query.
func (s *Service) Search(ctx context.Context, query string) ([]Claim, error) {
	return s.repo.Search(ctx, query, 20)
}

func (s *Service) validate(params SubmitParams) error {
	verr := &ValidationError{}

	titleLen := utf8.RuneCountInString(params.Title)
	if titleLen < s.policy.TitleMinLen || titleLen > s.policy.TitleMaxLen {
		verr.add("title", fmt.Sprintf("length must be between %d and %d characters", s.policy.TitleMinLen, s.policy.TitleMaxLen))
	}

	contentLen := utf8.RuneCountInString(params.Content)
	if contentLen < s.policy.ContentMinLen || contentLen > s.policy.ContentMaxLen {
		verr.add("content", fmt.Sprintf("length must be between %d and %d characters", s.policy.ContentMinLen, s.policy.ContentMaxLen))
	}

	if !isValidCategory(params.Category) {
		verr.add("category", "must be one of news, science, politics, health, technology")
	}

	if len(params.EvidenceURLs) > s.policy.MaxEvidenceURLs {
		verr.add("evidence_urls", fmt.Sprintf("at most %d evidence URLs allowed", s.policy.MaxEvidenceURLs))
	}
	for i, raw := range params.EvidenceURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			verr.add("evidence_urls", fmt.Sprintf("entry %d is not a valid http(s) URL", i))
		}
	}

	if params.AuthorID == "" {
		verr.add("author", "author reference required")
	}

	if verr.empty() {
		return nil
	}
	return verr
}

// Fingerprint computes the content address for a claim submission.
func Fingerprint(params SubmitParams) string {
	h := sha256.New()
	h.Write([]byte(params.Title))
	h.Write([]byte{0})
	h.Write([]byte(params.Content))
	h.Write([]byte{0})
	h.Write([]byte(params.Category))
	for _, u := range params.EvidenceURLs {
		h.Write([]byte{0})
		h.Write([]byte(u))
	}
	return hex.EncodeToString(h.Sum(nil))
}
