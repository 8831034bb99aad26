package claim

import (
	"sort"
	"strings"
	"time"
)

// Category is the closed set of claim topics.
type Category string

const (
	CategoryNews       Category = "news"
	CategoryScience    Category = "science"
	CategoryPolitics   Category = "politics"
	CategoryHealth     Category = "health"
	CategoryTechnology Category = "technology"
)

func isValidCategory(c Category) bool {
	switch c {
	case CategoryNews, CategoryScience, CategoryPolitics, CategoryHealth, CategoryTechnology:
		return true
	default:
		return false
	}
}

// Status is the claim lifecycle state. A claim starts UNVERIFIED and moves
// to exactly one terminal state when its validation window resolves.
type Status string

const (
	StatusUnverified Status = "UNVERIFIED"
	StatusVerified   Status = "VERIFIED"
	StatusFalse      Status = "FALSE"
	StatusDisputed   Status = "DISPUTED"
)

// Terminal reports whether the status ends the claim lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusVerified, StatusFalse, StatusDisputed:
		return true
	default:
		return false
	}
}

// Claim mirrors the claims table. Everything except status and the tally
// columns is immutable after submission.
type Claim struct {
	ID           int64
	Title        string
	Content      string
	Category     Category
	Status       Status
	EvidenceURLs []string
	Fingerprint  string
	AuthorID     string
	YesVotes     int64
	NoVotes      int64
	TotalStake   int64
	SubmittedAt  time.Time
}

// SubmitParams carries caller-supplied fields for a new claim.
type SubmitParams struct {
	Title        string
	Content      string
	Category     Category
	EvidenceURLs []string
	AuthorID     string
}

// Sort orders supported by List.
type Sort string

const (
	SortNewest    Sort = "newest"
	SortOldest    Sort = "oldest"
	SortMostVotes Sort = "most_votes"
)

// ListFilters narrows and pages a claim listing.
type ListFilters struct {
	Category *Category
	Status   *Status
	Sort     Sort
	Limit    int
	Offset   int
}

// Page is one page of a claim listing.
type Page struct {
	Claims  []Claim
	Total   int
	HasMore bool
}

// ValidationError reports user-correctable input problems keyed by field so
// the presentation layer can render field-level messages.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return "claim: invalid fields: " + strings.Join(names, ", ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) empty() bool { return len(e.Fields) == 0 }
