package store

import "time"

type User struct {
	ID           string
	Email        string
	Role         string
	PasswordHash string
	CreatedAt    time.Time
}

type Document struct {
	ID             string
	Filename       string
	Filetype       string
	Title          string
	Status         string
	Priority       string
	ReviewerID     string
	Approvers      []string
	Content        []byte
	DateReviewDue  *time.Time
	Notes          string
	ChangesSummary string
	CreatedAt      time.Time
	LastModified   time.Time
}

// Clause is a reference clause-library entry used for chat retrieval and
// compliance scoring.
type Clause struct {
	ID             string
	Domain         string
	Title          string
	Body           string
	Recommendation string
	CreatedAt      time.Time
}

// UpdateDocumentParams carries the partial fields a PUT may change. Nil
// means "leave untouched". last_modified is always re-stamped server-side.
type UpdateDocumentParams struct {
	Status         *string
	Content        []byte
	Notes          *string
	ChangesSummary *string
}
