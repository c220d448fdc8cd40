// Package compliance scores a document against the clause library for a
// given regulatory domain.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"docket/internal/search"
)

var ErrNoClauses = errors.New("no clauses found for domain")

// compliantThreshold is the per-clause score at or above which a clause
// match counts as satisfied.
const compliantThreshold = 0.55

// ClauseMatch is a single clause checked against the document. Score is
// 0-100, like the report score.
type ClauseMatch struct {
	Title          string `json:"title"`
	Compliant      bool   `json:"compliant"`
	Score          int    `json:"score"`
	Explanation    string `json:"explanation"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Report is the result of a compliance check. HTMLContent carries the
// rendered report when the template pipeline produced one; consumers fall
// back to the structured fields otherwise.
type Report struct {
	Domain        string        `json:"domain"`
	Score         int           `json:"score"`
	Analysis      string        `json:"analysis"`
	ClauseMatches []ClauseMatch `json:"clause_matches"`
	HTMLContent   string        `json:"html_content,omitempty"`
}

// Searcher is the clause retrieval dependency.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
}

type Service struct {
	search Searcher
}

func NewService(s Searcher) *Service {
	return &Service{search: s}
}

// Check scores the document body against the domain's clauses. The overall
// score is 0-100; a match is compliant when its retrieval score clears the
// threshold.
func (s *Service) Check(ctx context.Context, content []byte, domain string) (*Report, error) {
	results, err := s.search.Search(ctx, search.Query{
		Text:   excerpt(content, 2000),
		Domain: domain,
		TopK:   10,
	})
	if err != nil {
		return nil, fmt.Errorf("clause search: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNoClauses
	}

	matches := make([]ClauseMatch, 0, len(results))
	var total float64
	compliantCount := 0
	for _, r := range results {
		m := ClauseMatch{
			Title:     r.Title,
			Score:     clampScore(int(math.Round(r.Score * 100))),
			Compliant: r.Score >= compliantThreshold,
		}
		if m.Compliant {
			m.Explanation = fmt.Sprintf("Document language aligns with %q.", r.Title)
			compliantCount++
		} else {
			m.Explanation = fmt.Sprintf("Document does not adequately cover %q.", r.Title)
			m.Recommendation = r.Recommendation
		}
		total += r.Score
		matches = append(matches, m)
	}

	score := clampScore(int(total / float64(len(results)) * 100))

	return &Report{
		Domain:        domain,
		Score:         score,
		Analysis:      buildAnalysis(domain, score, compliantCount, len(matches)),
		ClauseMatches: matches,
	}, nil
}

func clampScore(score int) int {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func buildAnalysis(domain string, score, compliant, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Checked against %d %s clauses: %d satisfied, %d flagged.", total, domain, compliant, total-compliant)
	switch {
	case score >= 80:
		b.WriteString(" The document is broadly compliant.")
	case score >= 50:
		b.WriteString(" The document needs targeted revisions before approval.")
	default:
		b.WriteString(" The document has significant gaps and should be reworked.")
	}
	return b.String()
}

// excerpt truncates document content to a search-friendly size at a rune
// boundary.
func excerpt(content []byte, limit int) string {
	s := string(content)
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}
