package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateDone      State = "done"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one entry in the conversation transcript.
type Turn struct {
	Speaker       Speaker
	Text          string
	Timestamp     time.Time
	IsRichContent bool
}

// ChatSession is the per-document conversation. At most one exchange is in
// flight: sending while a stream is open cancels that stream exactly once
// and freezes whatever partial text arrived. Chunks append strictly in
// arrival order; transport failures become assistant text instead of
// surfacing as errors.
type ChatSession struct {
	client     *Client
	documentID string
	filetype   string
	topK       int

	mu         sync.Mutex
	turns      []Turn
	state      State
	cancel     context.CancelFunc
	exchangeID string
	wg         sync.WaitGroup
}

func NewChatSession(c *Client, documentID, filetype string) *ChatSession {
	return &ChatSession{
		client:     c,
		documentID: documentID,
		filetype:   filetype,
		topK:       5,
		state:      StateIdle,
	}
}

func (s *ChatSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turns returns a copy of the transcript.
func (s *ChatSession) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Send starts a new exchange, superseding any in-flight one. It returns the
// exchange id immediately; the response streams in the background.
func (s *ChatSession) Send(ctx context.Context, query string) string {
	s.mu.Lock()
	if s.cancel != nil {
		// Supersede: the old exchange's context is cancelled exactly once
		// and its partial text stays frozen in the transcript.
		s.cancel()
		s.cancel = nil
	}

	exchangeID := uuid.NewString()
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.exchangeID = exchangeID
	s.state = StateSending

	now := time.Now()
	s.turns = append(s.turns,
		Turn{Speaker: SpeakerUser, Text: query, Timestamp: now},
		Turn{Speaker: SpeakerAssistant, Timestamp: now},
	)
	assistantIdx := len(s.turns) - 1
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stream(streamCtx, exchangeID, assistantIdx, query)
	}()
	return exchangeID
}

func (s *ChatSession) stream(ctx context.Context, exchangeID string, assistantIdx int, query string) {
	body, err := s.client.OpenChatStream(ctx, query, s.documentID, s.filetype, s.topK)
	if err != nil {
		s.finishWithError(exchangeID, assistantIdx, err)
		return
	}
	defer body.Close()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			s.appendChunk(exchangeID, assistantIdx, string(buf[:n]))
		}
		if err == io.EOF {
			s.finish(exchangeID)
			return
		}
		if err != nil {
			s.finishWithError(exchangeID, assistantIdx, err)
			return
		}
	}
}

// appendChunk appends text to the open assistant turn, in arrival order.
// Chunks for a superseded exchange are dropped; its partial text is frozen.
func (s *ChatSession) appendChunk(exchangeID string, assistantIdx int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeID != exchangeID {
		return
	}
	s.state = StateStreaming
	s.turns[assistantIdx].Text += text
}

func (s *ChatSession) finish(exchangeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeID != exchangeID {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateDone
}

// finishWithError records a failed exchange. Cancellation is not a failure:
// a superseded or user-cancelled stream just freezes. Anything else is
// appended to the assistant turn as visible text.
func (s *ChatSession) finishWithError(exchangeID string, assistantIdx int, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrStreamCancelled) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeID != exchangeID {
		return
	}
	if s.turns[assistantIdx].Text != "" {
		s.turns[assistantIdx].Text += "\n"
	}
	s.turns[assistantIdx].Text += fmt.Sprintf("The assistant is unavailable right now: %v", err)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateDone
}

// CancelActive cancels the in-flight exchange, if any, freezing its partial
// text.
func (s *ChatSession) CancelActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.state = StateDone
	}
}

// Wait blocks until the background stream goroutines have finished.
func (s *ChatSession) Wait() {
	s.wg.Wait()
}

// CheckCompliance runs the one-shot compliance request as a chat exchange:
// a placeholder assistant turn appears immediately and is replaced by the
// rendered result, rich HTML when the server provides it and the plain-text
// rendering otherwise.
func (s *ChatSession) CheckCompliance(ctx context.Context, domain string) {
	s.mu.Lock()
	now := time.Now()
	s.turns = append(s.turns,
		Turn{Speaker: SpeakerUser, Text: fmt.Sprintf("Check %s compliance", domain), Timestamp: now},
		Turn{Speaker: SpeakerAssistant, Text: "Checking compliance...", Timestamp: now},
	)
	idx := len(s.turns) - 1
	s.mu.Unlock()

	report, err := s.client.CheckCompliance(ctx, s.documentID, domain)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.turns[idx].Text = fmt.Sprintf("Compliance check failed: %v", err)
		return
	}
	if report.HTMLContent != "" {
		s.turns[idx].Text = report.HTMLContent
		s.turns[idx].IsRichContent = true
		return
	}
	s.turns[idx].Text = formatComplianceText(report)
}

// formatComplianceText is the deterministic plain rendering used when no
// rich report body is available.
func formatComplianceText(report *ComplianceReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compliance score: %d/100\n", report.Score)
	if report.Analysis != "" {
		b.WriteString(report.Analysis)
		b.WriteString("\n")
	}
	for _, match := range report.ClauseMatches {
		verdict := "Compliant"
		if !match.Compliant {
			verdict = "Non-compliant"
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s: %s (%d/100)\n", match.Title, verdict, match.Score)
		b.WriteString(match.Explanation)
		b.WriteString("\n")
		if match.Recommendation != "" {
			fmt.Fprintf(&b, "Recommendation: %s\n", match.Recommendation)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ── REST calls backing the session ──

type ComplianceMatch struct {
	Title          string `json:"title"`
	Compliant      bool   `json:"compliant"`
	Score          int    `json:"score"`
	Explanation    string `json:"explanation"`
	Recommendation string `json:"recommendation,omitempty"`
}

type ComplianceReport struct {
	Domain        string            `json:"domain"`
	Score         int               `json:"score"`
	Analysis      string            `json:"analysis"`
	ClauseMatches []ComplianceMatch `json:"clause_matches"`
	HTMLContent   string            `json:"html_content,omitempty"`
}

func (c *Client) CheckCompliance(ctx context.Context, documentID, domain string) (*ComplianceReport, error) {
	var report ComplianceReport
	body := map[string]any{"document_id": documentID, "domain": domain}
	if err := c.doJSON(ctx, http.MethodPost, "/api/compliance", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// OpenChatStream opens the raw chunk stream for one exchange. The caller
// owns the returned body and must close it.
func (c *Client) OpenChatStream(ctx context.Context, query, documentID, filetype string, topK int) (io.ReadCloser, error) {
	token, err := c.bearer()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(map[string]any{
		"query":       query,
		"document_id": documentID,
		"filetype":    filetype,
		"top_k":       topK,
	})
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	// No client timeout: the stream stays open as long as generation runs.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromResponse("chat", resp)
	}
	return resp.Body, nil
}
