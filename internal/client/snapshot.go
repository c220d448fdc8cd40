package client

import "sync"

// Snapshot is the client's view of the document set: an id-keyed map whose
// only mutation is replace-or-insert of whole documents. Writers hand over
// complete server-fetched documents; merging field-by-field is never
// attempted, so the last canonical fetch wins.
type Snapshot struct {
	mu   sync.RWMutex
	docs map[string]Document
	subs map[int]func(Document)
	next int
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		docs: make(map[string]Document),
		subs: make(map[int]func(Document)),
	}
}

// Replace installs the canonical document under its id and notifies
// subscribers. Documents with no id are dropped.
func (s *Snapshot) Replace(doc Document) {
	if doc.ID == "" {
		return
	}
	s.mu.Lock()
	s.docs[doc.ID] = doc
	subs := make([]func(Document), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(doc)
	}
}

// ReplaceAll installs a full listing, replacing each id it names. Ids absent
// from the listing are left untouched.
func (s *Snapshot) ReplaceAll(docs []Document) {
	for _, doc := range docs {
		s.Replace(doc)
	}
}

// Get returns a copy; callers never hold a reference into the map.
func (s *Snapshot) Get(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

func (s *Snapshot) All() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	return out
}

func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// OnChange registers a callback invoked after each replace. The returned
// function removes the registration.
func (s *Snapshot) OnChange(fn func(Document)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
