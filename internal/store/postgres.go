package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

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

const documentColumns = `
	d.id, d.filename, d.filetype, d.title, d.status, d.priority,
	COALESCE(d.reviewer_id, ''), d.content, d.date_review_due,
	COALESCE(d.notes, ''), COALESCE(d.changes_summary, ''),
	d.created_at, d.last_modified
`

func (s *PostgresStore) ListDocuments(ctx context.Context, status string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents d ORDER BY d.last_modified DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + documentColumns + ` FROM documents d WHERE d.status = $1 ORDER BY d.last_modified DESC`
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var items []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents rows: %w", err)
	}

	for i := range items {
		approvers, err := s.listApprovers(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Approvers = approvers
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents d WHERE d.id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, sql.ErrNoRows
		}
		return Document{}, err
	}
	approvers, err := s.listApprovers(ctx, id)
	if err != nil {
		return Document{}, err
	}
	doc.Approvers = approvers
	return doc, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, filetype, title, status, priority, reviewer_id, content, date_review_due, notes, changes_summary)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
	`, doc.ID, doc.Filename, doc.Filetype, doc.Title, doc.Status, doc.Priority, doc.ReviewerID, doc.Content, doc.DateReviewDue, doc.Notes, doc.ChangesSummary)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// UpdateDocument applies the non-nil partial fields and re-stamps
// last_modified. The stored row is the source of truth for the stamp;
// callers re-fetch rather than trusting their own copy.
func (s *PostgresStore) UpdateDocument(ctx context.Context, id string, params UpdateDocumentParams) error {
	query := `UPDATE documents SET last_modified = NOW()`
	args := []any{}
	idx := 1
	if params.Status != nil {
		query += fmt.Sprintf(", status = $%d", idx)
		args = append(args, *params.Status)
		idx++
	}
	if params.Content != nil {
		query += fmt.Sprintf(", content = $%d", idx)
		args = append(args, params.Content)
		idx++
	}
	if params.Notes != nil {
		query += fmt.Sprintf(", notes = $%d", idx)
		args = append(args, *params.Notes)
		idx++
	}
	if params.ChangesSummary != nil {
		query += fmt.Sprintf(", changes_summary = $%d", idx)
		args = append(args, *params.ChangesSummary)
		idx++
	}
	query += fmt.Sprintf(" WHERE id = $%d", idx)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetReviewer(ctx context.Context, documentID, reviewerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET reviewer_id = $2, last_modified = NOW() WHERE id = $1
	`, documentID, reviewerID)
	if err != nil {
		return fmt.Errorf("set reviewer: %w", err)
	}
	return nil
}

// AddApprovers union-merges ids into the approver set, preserving the
// order in which ids first appeared.
func (s *PostgresStore) AddApprovers(ctx context.Context, documentID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add approvers: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_approvers (document_id, user_id, position)
			VALUES ($1, $2, COALESCE((SELECT MAX(position) FROM document_approvers WHERE document_id = $1), 0) + 1)
			ON CONFLICT (document_id, user_id) DO NOTHING
		`, documentID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("add approver %s: %w", userID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET last_modified = NOW() WHERE id = $1`, documentID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("stamp document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add approvers: %w", err)
	}
	return nil
}

func (s *PostgresStore) listApprovers(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM document_approvers WHERE document_id = $1 ORDER BY position
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan approver: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, COALESCE(password_hash, ''), created_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.Role, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, COALESCE(password_hash, ''), created_at FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.Role, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, role, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, user.ID, user.Email, user.Role, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListClauses(ctx context.Context, domain string) ([]Clause, error) {
	query := `SELECT id, domain, title, body, COALESCE(recommendation, ''), created_at FROM clauses ORDER BY domain, title`
	args := []any{}
	if domain != "" {
		query = `SELECT id, domain, title, body, COALESCE(recommendation, ''), created_at FROM clauses WHERE domain = $1 ORDER BY title`
		args = append(args, domain)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clauses: %w", err)
	}
	defer rows.Close()

	var items []Clause
	for rows.Next() {
		var clause Clause
		if err := rows.Scan(&clause.ID, &clause.Domain, &clause.Title, &clause.Body, &clause.Recommendation, &clause.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan clause: %w", err)
		}
		items = append(items, clause)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertClause(ctx context.Context, clause Clause) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clauses (id, domain, title, body, recommendation)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (id) DO NOTHING
	`, clause.ID, clause.Domain, clause.Title, clause.Body, clause.Recommendation)
	if err != nil {
		return fmt.Errorf("insert clause: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID, &doc.Filename, &doc.Filetype, &doc.Title, &doc.Status, &doc.Priority,
		&doc.ReviewerID, &doc.Content, &doc.DateReviewDue,
		&doc.Notes, &doc.ChangesSummary,
		&doc.CreatedAt, &doc.LastModified,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, sql.ErrNoRows
		}
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}
