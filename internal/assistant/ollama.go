// Package assistant adapts an Ollama-compatible backend for the document
// chat feature. Responses stream token by token; chunk order on the
// returned channel is the order the backend produced them.
package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Chunk is one streamed fragment of assistant output.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Request describes one chat exchange from the client's point of view.
type Request struct {
	Query      string
	DocumentID string
	Filetype   string
	Context    []string
}

type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		http: &http.Client{
			Timeout: 300 * time.Second, // streaming responses run long
		},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Stream opens a streaming generation. Cancelling ctx aborts the request
// mid-stream; the channel is closed after the final chunk either way.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: buildPrompt(req),
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call assistant backend: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("assistant backend returned status %d", resp.StatusCode)
	}

	ch := make(chan Chunk, 100)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// The consumer may stop reading mid-stream; every send races the
		// context so the goroutine cannot block on a full channel forever.
		send := func(chunk Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if ctx.Err() != nil {
				send(Chunk{Done: true, Err: ctx.Err()})
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var part generateResponse
			if err := json.Unmarshal(line, &part); err != nil {
				continue // skip malformed lines
			}

			if !send(Chunk{Text: part.Response, Done: part.Done}) {
				return
			}
			if part.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			send(Chunk{Done: true, Err: err})
		}
	}()

	return ch, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a document review assistant. Answer using only the provided clause context.\n")
	fmt.Fprintf(&b, "Document: %s (%s)\n", req.DocumentID, req.Filetype)
	if len(req.Context) > 0 {
		b.WriteString("\nContext:\n")
		for i, passage := range req.Context {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, passage)
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(req.Query)
	b.WriteString("\nAnswer: ")
	return b.String()
}
