package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"docket/internal/auth"
	"docket/internal/policy"
)

const testSecret = "client-test-secret"

// fakeServer implements the REST and push contract the client speaks,
// backed by an in-memory document table.
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	docs      map[string]Document
	users     map[string]User // keyed by email, password is always "pw"
	requests  map[string]int  // method+path counter
	listeners []chan string   // push channel subscribers (document ids)

	chatChunks []string // streamed verbatim by /api/chat
	chatFail   bool
	chatHold   chan struct{} // when set, /api/chat blocks after first chunk

	report *ComplianceReport
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		docs:     map[string]Document{},
		requests: map[string]int{},
		users: map[string]User{
			"reviewer@docket.dev": {ID: "usr_rev", Email: "reviewer@docket.dev", Role: "reviewer"},
			"approver@docket.dev": {ID: "usr_app", Email: "approver@docket.dev", Role: "approver"},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(server.Close)
	return fs, server
}

func (f *fakeServer) seed(doc Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
}

func (f *fakeServer) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method+" "+path]
}

func (f *fakeServer) emit(documentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.listeners {
		select {
		case ch <- documentID:
		default:
		}
	}
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests[r.Method+" "+r.URL.Path]++
	f.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == "/token" {
		f.handleToken(w, r)
		return
	}

	session, ok := f.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/events":
		f.handleEvents(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/documents":
		f.handleList(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/chat":
		f.handleChat(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/compliance":
		f.handleCompliance(w)
	case strings.HasPrefix(r.URL.Path, "/documents/"):
		f.handleDocument(w, r, session)
	default:
		writeJSONStatus(w, http.StatusNotFound, map[string]any{"code": "NOT_FOUND", "error": "Not found"})
	}
}

func (f *fakeServer) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	user, ok := f.users[r.PostFormValue("username")]
	if !ok || r.PostFormValue("password") != "pw" {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"code": "INVALID_CREDENTIALS", "error": "Invalid username or password"})
		return
	}
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Role:  user.Role,
		JTI:   "jti-" + user.ID,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		f.t.Fatalf("issue token: %v", err)
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"access_token": token, "token_type": "bearer", "expires_in": 3600})
}

func (f *fakeServer) requireSession(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := auth.ParseToken([]byte(testSecret), strings.TrimSpace(token))
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
		return auth.Claims{}, false
	}
	return claims, true
}

func (f *fakeServer) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	f.mu.Lock()
	var docs []Document
	for _, doc := range f.docs {
		if status == "" || doc.Status == status {
			docs = append(docs, doc)
		}
	}
	f.mu.Unlock()
	writeJSONStatus(w, http.StatusOK, map[string]any{"documents": docs})
}

func (f *fakeServer) handleDocument(w http.ResponseWriter, r *http.Request, session auth.Claims) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	id := parts[1]

	f.mu.Lock()
	doc, ok := f.docs[id]
	f.mu.Unlock()
	if !ok {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{"code": "NOT_FOUND", "error": "Not found"})
		return
	}

	if len(parts) == 2 && r.Method == http.MethodGet {
		writeJSONStatus(w, http.StatusOK, map[string]any{"document": doc})
		return
	}

	if len(parts) == 3 && parts[2] == "approvers" && r.Method == http.MethodPost {
		var body struct {
			ApproverIDs []string `json:"approver_ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		for _, userID := range body.ApproverIDs {
			present := false
			for _, existing := range doc.Approvers {
				if existing == userID {
					present = true
				}
			}
			if !present {
				doc.Approvers = append(doc.Approvers, userID)
			}
		}
		doc.LastModified = time.Now()
		f.docs[id] = doc
		f.mu.Unlock()
		f.emit(id)
		writeJSONStatus(w, http.StatusOK, map[string]any{"document": doc})
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPut {
		var body DocumentUpdate
		_ = json.NewDecoder(r.Body).Decode(&body)
		role := policy.NormalizeRole(session.Role)

		already := false
		if body.Status != nil && *body.Status != doc.Status {
			from, to := policy.Status(doc.Status), policy.Status(*body.Status)
			if to == policy.StatusWithApprover && len(doc.Approvers) == 0 {
				writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]any{"code": "PRECONDITION_FAILED", "error": "approvers must be assigned before submission"})
				return
			}
			if !policy.CanTransition(role, from, to) {
				writeJSONStatus(w, http.StatusForbidden, map[string]any{"code": "POLICY_VIOLATION", "error": fmt.Sprintf("%s may not move %s -> %s", role, from, to)})
				return
			}
			doc.Status = string(to)
			if to == policy.StatusWithReviewer && (from == policy.StatusNew || from == policy.StatusPending) {
				doc.ReviewerID = session.Sub
			}
		} else if body.Status != nil && policy.Status(doc.Status) == policy.StatusApproved {
			already = true
		}
		if body.Content != nil {
			doc.Content = body.Content
		}
		if body.Notes != nil {
			doc.Notes = *body.Notes
		}
		if body.ChangesSummary != nil {
			doc.ChangesSummary = *body.ChangesSummary
		}
		doc.LastModified = time.Now()

		f.mu.Lock()
		f.docs[id] = doc
		f.mu.Unlock()
		f.emit(id)
		writeJSONStatus(w, http.StatusOK, map[string]any{"document": doc, "already_approved": already})
		return
	}

	writeJSONStatus(w, http.StatusNotFound, map[string]any{"code": "NOT_FOUND", "error": "Not found"})
}

func (f *fakeServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	events := make(chan string, 16)
	f.mu.Lock()
	f.listeners = append(f.listeners, events)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case id := <-events:
			fmt.Fprintf(w, "data: {\"event\":\"document_updated\",\"document_id\":\"%s\"}\n\n", id)
			flusher.Flush()
		}
	}
}

func (f *fakeServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if f.chatFail {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]any{"code": "SERVER_ERROR", "error": "assistant backend down"})
		return
	}
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for i, chunk := range f.chatChunks {
		fmt.Fprint(w, chunk)
		flusher.Flush()
		if i == 0 && f.chatHold != nil {
			select {
			case <-f.chatHold:
			case <-r.Context().Done():
				return
			}
		}
	}
}

func (f *fakeServer) handleCompliance(w http.ResponseWriter) {
	if f.report == nil {
		writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]any{"code": "NO_CLAUSES", "error": "no clauses available"})
		return
	}
	writeJSONStatus(w, http.StatusOK, f.report)
}

func writeJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// loginAs builds a Client with a temp session file logged in as the given
// user.
func loginAs(t *testing.T, serverURL, email string) *Client {
	t.Helper()
	c := New(serverURL, NewSessionStore(t.TempDir()+"/session"))
	if err := c.Login(t.Context(), email, "pw"); err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return c
}
