package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"docket/internal/assistant"
	"docket/internal/auth"
	"docket/internal/authpw"
	"docket/internal/blob"
	"docket/internal/compliance"
	"docket/internal/config"
	"docket/internal/export"
	"docket/internal/history"
	"docket/internal/notify"
	"docket/internal/policy"
	"docket/internal/search"
	"docket/internal/store"
	"docket/internal/util"
	"docket/internal/workflow"
)

// Session is the verified identity behind one request.
type Session struct {
	Token     string
	UserID    string
	Email     string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	ListDocuments(ctx context.Context, status string) ([]store.Document, error)
	GetDocument(ctx context.Context, id string) (store.Document, error)
	InsertDocument(ctx context.Context, doc store.Document) error
	UpdateDocument(ctx context.Context, id string, params store.UpdateDocumentParams) error
	SetReviewer(ctx context.Context, documentID, reviewerID string) error
	AddApprovers(ctx context.Context, documentID string, userIDs []string) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	InsertUser(ctx context.Context, user store.User) error
	ListClauses(ctx context.Context, domain string) ([]store.Clause, error)
	InsertClause(ctx context.Context, clause store.Clause) error
	Ping(ctx context.Context) error
}

type historyService interface {
	EnsureDocumentRepo(documentID string, initial []byte, author string) error
	CommitBody(documentID string, body []byte, author, message string) (history.CommitInfo, error)
	History(documentID string, limit int) ([]history.CommitInfo, error)
}

type clauseSearcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
	IndexClause(record search.ClauseRecord)
}

type chatBackend interface {
	Stream(ctx context.Context, req assistant.Request) (<-chan assistant.Chunk, error)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	machine    *workflow.Machine
	authpw     *authpw.Service
	history    historyService
	blob       *blob.Store
	search     clauseSearcher
	compliance *compliance.Service
	assistant  chatBackend
	notifier   notify.Notifier
	hub        *notify.Hub
}

func New(
	cfg config.Config,
	pg *store.PostgresStore,
	hist *history.Service,
	blobStore *blob.Store,
	searchSvc *search.Service,
	assistantClient *assistant.Client,
	notifier notify.Notifier,
	hub *notify.Hub,
) *Service {
	return &Service{
		cfg:        cfg,
		store:      pg,
		machine:    workflow.New(pg),
		authpw:     authpw.NewService(pg),
		history:    hist,
		blob:       blobStore,
		search:     searchSvc,
		compliance: compliance.NewService(searchSvc),
		assistant:  assistantClient,
		notifier:   notifier,
		hub:        hub,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Hub() *notify.Hub {
	return s.hub
}

// ── Sessions ──

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		Role:      string(policy.NormalizeRole(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// IssueToken verifies credentials and mints an access token whose payload
// the client decodes locally.
func (s *Service) IssueToken(ctx context.Context, email, password string) (token string, expiresIn int64, err error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return "", 0, err
	}
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err = auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Role:  string(policy.NormalizeRole(user.Role)),
		JTI:   util.NewID("jti"),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return "", 0, err
	}
	return token, int64(s.cfg.AccessTTL.Seconds()), nil
}

// ── Documents ──

type DocumentPayload struct {
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

func toPayload(doc store.Document) DocumentPayload {
	approvers := doc.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	return DocumentPayload{
		ID:             doc.ID,
		Filename:       doc.Filename,
		Filetype:       doc.Filetype,
		Title:          doc.Title,
		Status:         doc.Status,
		Priority:       doc.Priority,
		ReviewerID:     doc.ReviewerID,
		Approvers:      approvers,
		Content:        doc.Content,
		DateReviewDue:  doc.DateReviewDue,
		Notes:          doc.Notes,
		ChangesSummary: doc.ChangesSummary,
		CreatedAt:      doc.CreatedAt,
		LastModified:   doc.LastModified,
	}
}

func (s *Service) ListDocuments(ctx context.Context, status string) ([]DocumentPayload, error) {
	if status != "" && !policy.ValidStatus(policy.Status(status)) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown status %q", status), nil)
	}
	docs, err := s.store.ListDocuments(ctx, status)
	if err != nil {
		return nil, err
	}
	payloads := make([]DocumentPayload, 0, len(docs))
	for _, doc := range docs {
		payloads = append(payloads, toPayload(doc))
	}
	return payloads, nil
}

func (s *Service) GetDocument(ctx context.Context, id string) (DocumentPayload, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return DocumentPayload{}, err
	}
	return toPayload(doc), nil
}

type CreateDocumentInput struct {
	Filename      string
	Filetype      string
	Title         string
	Priority      string
	Content       []byte
	DateReviewDue *time.Time
	Notes         string
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (DocumentPayload, error) {
	if input.Title == "" {
		return DocumentPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.Priority == "" {
		input.Priority = "normal"
	}
	if input.Priority != "urgent" && input.Priority != "normal" {
		return DocumentPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be urgent or normal", nil)
	}

	doc := store.Document{
		ID:            util.NewID("doc"),
		Filename:      input.Filename,
		Filetype:      input.Filetype,
		Title:         input.Title,
		Status:        string(policy.StatusNew),
		Priority:      input.Priority,
		Content:       input.Content,
		DateReviewDue: input.DateReviewDue,
		Notes:         input.Notes,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return DocumentPayload{}, err
	}
	if err := s.history.EnsureDocumentRepo(doc.ID, doc.Content, session.Email); err != nil {
		log.Printf("history init failed for document=%s: %v", doc.ID, err)
	}
	if s.blob != nil && doc.Filename != "" && len(doc.Content) > 0 {
		if err := s.blob.Put(ctx, doc.ID, doc.Filename, bytes.NewReader(doc.Content), int64(len(doc.Content)), contentTypeFor(doc.Filetype)); err != nil {
			log.Printf("blob upload failed for document=%s: %v", doc.ID, err)
		}
	}
	s.publishUpdated(ctx, doc.ID)
	return s.GetDocument(ctx, doc.ID)
}

// SaveDocumentInput carries a partial update. Nil pointers leave the field
// untouched; Content nil means no body change.
type SaveDocumentInput struct {
	Status         *string
	Content        []byte
	Notes          *string
	ChangesSummary *string
}

// SaveResult is the outcome of a PUT: the canonical document re-read from
// storage plus whether an approve was already satisfied.
type SaveResult struct {
	Document        DocumentPayload
	AlreadyApproved bool
}

func (s *Service) SaveDocument(ctx context.Context, session Session, id string, input SaveDocumentInput) (SaveResult, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}

	actor := workflow.Actor{
		ID:    session.UserID,
		Email: session.Email,
		Role:  policy.NormalizeRole(session.Role),
	}

	alreadyApproved := false
	mutated := false
	transitioned := false

	if input.Status != nil && *input.Status != doc.Status {
		to := policy.Status(*input.Status)
		var result workflow.Result
		if to == policy.StatusWithReviewer && (doc.Status == string(policy.StatusNew) || doc.Status == string(policy.StatusPending)) {
			// Claiming: sets the acting reviewer; never an error when the
			// actor may only view.
			result, err = s.machine.Open(ctx, doc, actor)
		} else {
			result, err = s.machine.Transition(ctx, doc, actor, to, deref(input.Notes), deref(input.ChangesSummary))
		}
		if err != nil {
			return SaveResult{}, err
		}
		alreadyApproved = result.AlreadyApproved
		mutated = result.Changed
		transitioned = result.Changed
	} else if input.Status != nil && *input.Status == doc.Status {
		if policy.Status(doc.Status) == policy.StatusApproved {
			alreadyApproved = true
		}
	}

	if transitioned {
		if input.Content != nil {
			// Body riding along with an executed transition; the transition
			// already consumed notes and summary.
			if err := s.store.UpdateDocument(ctx, id, store.UpdateDocumentParams{Content: input.Content}); err != nil {
				return SaveResult{}, err
			}
		}
	} else if input.Content != nil || input.Notes != nil {
		// No transition happened, so any body mutation is an edit and must
		// pass the same policy gate whether or not a status was echoed.
		if !policy.CanEdit(actor.Role, policy.Status(doc.Status)) {
			return SaveResult{}, fmt.Errorf("%w: %s may not edit a %s document", workflow.ErrPolicyViolation, actor.Role, doc.Status)
		}
		if err := s.store.UpdateDocument(ctx, id, store.UpdateDocumentParams{
			Content:        input.Content,
			Notes:          input.Notes,
			ChangesSummary: input.ChangesSummary,
		}); err != nil {
			return SaveResult{}, err
		}
		mutated = true
	}

	if input.Content != nil {
		if _, err := s.history.CommitBody(id, input.Content, session.Email, deref(input.ChangesSummary)); err != nil {
			log.Printf("history commit failed for document=%s: %v", id, err)
		}
	}

	if mutated {
		s.publishUpdated(ctx, id)
	}

	updated, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Document: toPayload(updated), AlreadyApproved: alreadyApproved}, nil
}

func (s *Service) AssignApprovers(ctx context.Context, id string, approverIDs []string) (DocumentPayload, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return DocumentPayload{}, err
	}
	for _, approverID := range approverIDs {
		user, err := s.store.GetUserByID(ctx, approverID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return DocumentPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown user %q", approverID), nil)
			}
			return DocumentPayload{}, err
		}
		if policy.NormalizeRole(user.Role) != policy.RoleApprover {
			return DocumentPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("user %q is not an approver", approverID), nil)
		}
	}
	if err := s.machine.AssignApprovers(ctx, doc, approverIDs); err != nil {
		return DocumentPayload{}, err
	}
	s.publishUpdated(ctx, id)
	return s.GetDocument(ctx, id)
}

func (s *Service) DocumentHistory(ctx context.Context, id string, limit int) ([]history.CommitInfo, error) {
	if _, err := s.store.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	commits, err := s.history.History(id, limit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []history.CommitInfo{}
	}
	return commits, nil
}

// GetSourceFile streams the original uploaded artifact from object storage.
func (s *Service) GetSourceFile(ctx context.Context, id string) (io.ReadCloser, string, string, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, "", "", err
	}
	if s.blob == nil {
		return nil, "", "", domainError(http.StatusServiceUnavailable, "BLOB_UNAVAILABLE", "Source file storage not configured", nil)
	}
	if doc.Filename == "" {
		return nil, "", "", domainError(http.StatusNotFound, "NOT_FOUND", "Document has no source file", nil)
	}
	reader, err := s.blob.Get(ctx, doc.ID, doc.Filename)
	if err != nil {
		return nil, "", "", err
	}
	return reader, doc.Filename, contentTypeFor(doc.Filetype), nil
}

// ── Users ──

type UserPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Service) GetUser(ctx context.Context, id string) (UserPayload, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return UserPayload{}, err
	}
	return UserPayload{ID: user.ID, Email: user.Email, Role: user.Role}, nil
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (UserPayload, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return UserPayload{}, err
	}
	return UserPayload{ID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// ── Clauses ──

type ClausePayload struct {
	ID             string `json:"id"`
	Domain         string `json:"domain"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Recommendation string `json:"recommendation,omitempty"`
}

func (s *Service) ListClauses(ctx context.Context, domain string) ([]ClausePayload, error) {
	clauses, err := s.store.ListClauses(ctx, domain)
	if err != nil {
		return nil, err
	}
	payloads := make([]ClausePayload, 0, len(clauses))
	for _, clause := range clauses {
		payloads = append(payloads, ClausePayload{
			ID:             clause.ID,
			Domain:         clause.Domain,
			Title:          clause.Title,
			Body:           clause.Body,
			Recommendation: clause.Recommendation,
		})
	}
	return payloads, nil
}

// ── Chat ──

type ChatInput struct {
	Query      string
	DocumentID string
	Filetype   string
	TopK       int
}

// ChatStream retrieves clause context for the query and opens the streaming
// generation against the assistant backend.
func (s *Service) ChatStream(ctx context.Context, input ChatInput) (<-chan assistant.Chunk, error) {
	if input.Query == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "query is required", nil)
	}
	if s.assistant == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ASSISTANT_UNAVAILABLE", "Assistant backend not configured", nil)
	}

	var passages []string
	results, err := s.search.Search(ctx, search.Query{Text: input.Query, TopK: input.TopK})
	if err != nil {
		log.Printf("clause retrieval failed for chat query: %v", err)
	} else {
		for _, r := range results {
			passages = append(passages, fmt.Sprintf("%s: %s", r.Title, r.Body))
		}
	}

	return s.assistant.Stream(ctx, assistant.Request{
		Query:      input.Query,
		DocumentID: input.DocumentID,
		Filetype:   input.Filetype,
		Context:    passages,
	})
}

// ── Compliance ──

func (s *Service) CheckCompliance(ctx context.Context, documentID, domain string) (*compliance.Report, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if domain == "" {
		domain = "general"
	}
	report, err := s.compliance.Check(ctx, doc.Content, domain)
	if err != nil {
		if errors.Is(err, compliance.ErrNoClauses) {
			return nil, domainError(http.StatusUnprocessableEntity, "NO_CLAUSES", fmt.Sprintf("no clauses available for domain %q", domain), nil)
		}
		return nil, err
	}

	// The structured report stands on its own; a render failure only costs
	// the rich rendition, so it is logged and not returned.
	html, err := compliance.RenderReportHTML(compliance.TemplateData{
		DocumentTitle: doc.Title,
		Report:        report,
		GeneratedAt:   time.Now(),
	})
	if err != nil {
		log.Printf("render compliance report failed for document=%s: %v", documentID, err)
	} else {
		report.HTMLContent = html
	}
	return report, nil
}

func (s *Service) ExportCompliance(ctx context.Context, documentID, domain string) (*export.Result, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	report, err := s.CheckCompliance(ctx, documentID, domain)
	if err != nil {
		return nil, err
	}
	html := report.HTMLContent
	if html == "" {
		// Export has no fallback rendition, so a render failure is fatal
		// here even though CheckCompliance tolerates it.
		html, err = compliance.RenderReportHTML(compliance.TemplateData{
			DocumentTitle: doc.Title,
			Report:        report,
			GeneratedAt:   time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
	}
	return export.PDF(html, doc.Title+" compliance")
}

// ── Bootstrap ──

// Bootstrap seeds a development database on first start: two users, a small
// clause library, and sample documents.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.GetUserByEmail(ctx, "reviewer@docket.dev"); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	passwordHash, err := authpw.HashPassword("changeme")
	if err != nil {
		return err
	}

	reviewer := store.User{ID: util.NewID("usr"), Email: "reviewer@docket.dev", Role: string(policy.RoleReviewer), PasswordHash: passwordHash}
	approver := store.User{ID: util.NewID("usr"), Email: "approver@docket.dev", Role: string(policy.RoleApprover), PasswordHash: passwordHash}
	for _, user := range []store.User{reviewer, approver} {
		if err := s.store.InsertUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %s: %w", user.Email, err)
		}
	}

	clauses := []store.Clause{
		{ID: util.NewID("cls"), Domain: "gdpr", Title: "Data retention limits", Body: "Personal data must not be kept longer than necessary for the stated purpose.", Recommendation: "State a concrete retention period per data category."},
		{ID: util.NewID("cls"), Domain: "gdpr", Title: "Right to erasure", Body: "Data subjects may request deletion of their personal data without undue delay.", Recommendation: "Describe the erasure request procedure and its deadline."},
		{ID: util.NewID("cls"), Domain: "gdpr", Title: "Lawful basis of processing", Body: "Every processing activity needs a documented lawful basis.", Recommendation: "Name the lawful basis for each processing purpose."},
		{ID: util.NewID("cls"), Domain: "hipaa", Title: "Access controls", Body: "Access to protected health information must be limited to authorized personnel.", Recommendation: "Add role-based access rules for PHI."},
		{ID: util.NewID("cls"), Domain: "hipaa", Title: "Audit logging", Body: "Systems handling PHI must record access and modification events.", Recommendation: "Specify audit log retention and review cadence."},
	}
	for _, clause := range clauses {
		if err := s.store.InsertClause(ctx, clause); err != nil {
			return fmt.Errorf("seed clause %s: %w", clause.Title, err)
		}
		s.search.IndexClause(search.ClauseRecord{
			ID:             clause.ID,
			Domain:         clause.Domain,
			Title:          clause.Title,
			Body:           clause.Body,
			Recommendation: clause.Recommendation,
		})
	}

	due := time.Now().Add(7 * 24 * time.Hour)
	documents := []store.Document{
		{ID: util.NewID("doc"), Filename: "privacy-policy.docx", Filetype: "docx", Title: "Privacy Policy v3", Status: string(policy.StatusNew), Priority: "urgent", Content: []byte("We retain user data only as long as needed."), DateReviewDue: &due},
		{ID: util.NewID("doc"), Filename: "dpa-template.docx", Filetype: "docx", Title: "Data Processing Agreement", Status: string(policy.StatusPending), Priority: "normal", Content: []byte("The processor acts only on documented instructions.")},
	}
	for _, doc := range documents {
		if err := s.store.InsertDocument(ctx, doc); err != nil {
			return fmt.Errorf("seed document %s: %w", doc.Title, err)
		}
		if err := s.history.EnsureDocumentRepo(doc.ID, doc.Content, "seed@docket.dev"); err != nil {
			log.Printf("history init failed for seed document=%s: %v", doc.ID, err)
		}
	}

	log.Printf("bootstrap seeded %d users, %d clauses, %d documents", 2, len(clauses), len(documents))
	return nil
}

func (s *Service) publishUpdated(ctx context.Context, documentID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, notify.DocumentUpdated(documentID)); err != nil {
		log.Printf("publish document_updated failed for document=%s: %v", documentID, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func contentTypeFor(filetype string) string {
	switch filetype {
	case "pdf":
		return "application/pdf"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
