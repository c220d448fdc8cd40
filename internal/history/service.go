// Package history keeps an audit trail of every saved document body in a
// per-document git repository. Each save is one commit whose message is the
// changes summary supplied with the save and whose author is the acting
// user. The body is opaque bytes; history never inspects it.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const bodyFile = "body.bin"

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureDocumentRepo initialises the repo with a baseline commit if it does
// not exist yet. Calling it on an existing repo is a no-op.
func (s *Service) EnsureDocumentRepo(documentID string, initial []byte, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, bodyFile), initial, 0o644); err != nil {
		return fmt.Errorf("write initial body: %w", err)
	}
	if _, err := worktree.Add(bodyFile); err != nil {
		return fmt.Errorf("git add initial body: %w", err)
	}
	hash, err := worktree.Commit("Import document baseline", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial body: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitBody records a new body revision. An empty message falls back to a
// plain save marker so the log stays readable.
func (s *Service) CommitBody(documentID string, body []byte, author, message string) (CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, bodyFile), body, 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write body: %w", err)
	}
	if _, err := worktree.Add(bodyFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add body: %w", err)
	}

	if strings.TrimSpace(message) == "" {
		message = "Save document body"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit body: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// GetHeadBody returns the latest committed body and its commit.
func (s *Service) GetHeadBody(documentID string) ([]byte, CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	body, err := readBodyFromCommit(commitObj)
	if err != nil {
		return nil, CommitInfo{}, err
	}
	return body, toCommitInfo(commitObj), nil
}

// History lists commits newest-first, capped at limit when limit > 0.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func signature(author string) *object.Signature {
	name := author
	if at := strings.Index(author, "@"); at > 0 {
		name = author[:at]
	}
	return &object.Signature{
		Name:  name,
		Email: author,
		When:  time.Now(),
	}
}

func readBodyFromCommit(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(bodyFile)
	if err != nil {
		return nil, fmt.Errorf("load body from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open body reader: %w", err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body bytes: %w", err)
	}
	return body, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String(),
		Author:    commitObj.Author.Email,
		Message:   commitObj.Message,
		Timestamp: commitObj.Author.When,
	}
}
