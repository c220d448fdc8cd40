// Package client is the client core of the approval workflow: session
// handling, the document snapshot with its reconciliation channel, the
// role-gated workflow actions, and the streaming chat session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"docket/internal/policy"
)

// Document mirrors the server's document payload.
type Document struct {
	ID             string     `json:"id"`
	Filename       string     `json:"filename"`
	Filetype       string     `json:"filetype"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	ReviewerID     string     `json:"reviewer_id,omitempty"`
	Approvers      []string   `json:"approvers"`
	Content        []byte     `json:"content,omitempty"`
	DateReviewDue  *time.Time `json:"date_review_due,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	ChangesSummary string     `json:"changes_summary,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModified   time.Time  `json:"last_modified"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Clause struct {
	ID             string `json:"id"`
	Domain         string `json:"domain"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Recommendation string `json:"recommendation,omitempty"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DocumentUpdate is the partial PUT body. Nil pointers leave fields alone.
type DocumentUpdate struct {
	Status         *string `json:"status,omitempty"`
	Content        []byte  `json:"content,omitempty"`
	Notes          *string `json:"notes,omitempty"`
	ChangesSummary *string `json:"changes_summary,omitempty"`
}

type Client struct {
	baseURL  string
	http     *http.Client
	sessions *SessionStore

	mu    sync.RWMutex
	creds *Credentials
}

func New(baseURL string, sessions *SessionStore) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		sessions: sessions,
	}
	if creds, ok := sessions.Load(); ok {
		c.creds = &creds
	}
	return c
}

// Login exchanges credentials for an access token and persists it.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return &TransportError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Message: "invalid username or password"}
	}
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: "login", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &TransportError{Op: "login", Err: err}
	}

	creds, err := c.sessions.Save(payload.AccessToken)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	return nil
}

func (c *Client) Logout() {
	c.mu.Lock()
	c.creds = nil
	c.mu.Unlock()
	_ = c.sessions.Clear()
}

// Session returns the current credentials. Expiry is checked here, at read:
// an expired credential is purged and reported as absent.
func (c *Client) Session() (Credentials, bool) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds == nil {
		return Credentials{}, false
	}
	if creds.Expired() {
		c.Logout()
		return Credentials{}, false
	}
	return *creds, true
}

func (c *Client) Role() policy.Role {
	creds, ok := c.Session()
	if !ok {
		return ""
	}
	return policy.NormalizeRole(creds.Role)
}

// ── REST surface ──

func (c *Client) ListDocuments(ctx context.Context, status string) ([]Document, error) {
	path := "/documents"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var payload struct {
		Documents []Document `json:"documents"`
	}
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Documents, nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var payload struct {
		Document Document `json:"document"`
	}
	if err := c.getJSON(ctx, "/documents/"+url.PathEscape(id), &payload); err != nil {
		return Document{}, err
	}
	return payload.Document, nil
}

// PutDocument sends a partial update and returns the canonical document the
// server re-read after applying it.
func (c *Client) PutDocument(ctx context.Context, id string, update DocumentUpdate) (Document, bool, error) {
	var payload struct {
		Document        Document `json:"document"`
		AlreadyApproved bool     `json:"already_approved"`
	}
	if err := c.doJSON(ctx, http.MethodPut, "/documents/"+url.PathEscape(id), update, &payload); err != nil {
		return Document{}, false, err
	}
	return payload.Document, payload.AlreadyApproved, nil
}

func (c *Client) PostApprovers(ctx context.Context, id string, approverIDs []string) (Document, error) {
	var payload struct {
		Document Document `json:"document"`
	}
	body := map[string]any{"approver_ids": approverIDs}
	if err := c.doJSON(ctx, http.MethodPost, "/documents/"+url.PathEscape(id)+"/approvers", body, &payload); err != nil {
		return Document{}, err
	}
	return payload.Document, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(id), &user); err != nil {
		return User{}, err
	}
	return user, nil
}

func (c *Client) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	if err := c.getJSON(ctx, "/users/email/"+url.PathEscape(email), &user); err != nil {
		return User{}, err
	}
	return user, nil
}

func (c *Client) ListClauses(ctx context.Context, domain string) ([]Clause, error) {
	path := "/clauses"
	if domain != "" {
		path += "?domain=" + url.QueryEscape(domain)
	}
	var payload struct {
		Clauses []Clause `json:"clauses"`
	}
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Clauses, nil
}

func (c *Client) DocumentHistory(ctx context.Context, id string, limit int) ([]Commit, error) {
	path := "/documents/" + url.PathEscape(id) + "/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var payload struct {
		Commits []Commit `json:"commits"`
	}
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Commits, nil
}

// ── plumbing ──

func (c *Client) bearer() (string, error) {
	creds, ok := c.Session()
	if !ok {
		return "", &AuthError{}
	}
	return creds.Token, nil
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, target)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, target any) error {
	token, err := c.bearer()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: method + " " + path, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.errorFromResponse(method+" "+path, resp)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	return nil
}

func (c *Client) errorFromResponse(op string, resp *http.Response) error {
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &payload)
	message := payload.Error
	if message == "" {
		message = fmt.Sprintf("server returned status %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Message: message}
	case payload.Code == "POLICY_VIOLATION" || resp.StatusCode == http.StatusForbidden:
		return &PolicyViolationError{Message: message}
	case payload.Code == "PRECONDITION_FAILED":
		return &PreconditionFailedError{Message: message}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Message: op + ": not found"}
	default:
		return &TransportError{Op: op, Err: fmt.Errorf("%s (status %d)", message, resp.StatusCode)}
	}
}
