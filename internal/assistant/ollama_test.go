package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func streamServer(t *testing.T, tokens []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		flusher := w.(http.Flusher)
		for _, tok := range tokens {
			enc.Encode(generateResponse{Response: tok})
			flusher.Flush()
		}
		enc.Encode(generateResponse{Done: true})
	}))
}

func TestStreamOrderedChunks(t *testing.T) {
	srv := streamServer(t, []string{"Hel", "lo, ", "world"})
	defer srv.Close()

	client := NewClient(srv.URL, "test-model")
	ch, err := client.Stream(context.Background(), Request{Query: "greet"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var got strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		got.WriteString(chunk.Text)
	}
	if got.String() != "Hello, world" {
		t.Fatalf("got %q, want %q", got.String(), "Hello, world")
	}
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(generateResponse{Response: "partial"})
		w.(http.Flusher).Flush()
		<-release // hold the stream open until the test finishes
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(srv.URL, "test-model")
	ch, err := client.Stream(ctx, Request{Query: "greet"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	first := <-ch
	if first.Text != "partial" {
		t.Fatalf("first chunk = %q, want %q", first.Text, "partial")
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return // closed after cancellation
			}
			if chunk.Err != nil {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancellation")
		}
	}
}

func TestStreamAbandonedConsumerDoesNotLeakProducer(t *testing.T) {
	// More lines than the chunk channel can buffer; an unread stream must
	// still wind down once the context is cancelled.
	tokens := make([]string, 400)
	for i := range tokens {
		tokens[i] = "tok "
	}
	srv := streamServer(t, tokens)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(srv.URL, "test-model")
	ch, err := client.Stream(ctx, Request{Query: "greet"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	<-ch // read one chunk, then walk away
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // producer exited and closed the channel
			}
		case <-deadline:
			t.Fatal("producer still running after consumer cancelled")
		}
	}
}

func TestStreamBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-model")
	if _, err := client.Stream(context.Background(), Request{Query: "greet"}); err == nil {
		t.Fatal("expected error for backend failure")
	}
}

func TestBuildPromptIncludesContext(t *testing.T) {
	prompt := buildPrompt(Request{
		Query:      "is clause 4 compliant",
		DocumentID: "doc_1",
		Filetype:   "docx",
		Context:    []string{"Clause about indemnity"},
	})
	for _, want := range []string{"doc_1", "docx", "Clause about indemnity", "is clause 4 compliant"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
