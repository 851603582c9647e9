// Package ledger keeps an append-only git history of integrations. Every
// accepted paper becomes one commit writing the integration bundle under
// papers/, so the full provenance of the knowledge graph can be audited with
// ordinary git tooling.
package ledger

import (
	"encoding/json"
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

// Bundle is the committed record of one integration.
type Bundle struct {
	PaperID      string             `json:"paper_id"`
	Title        string             `json:"title"`
	EventID      string             `json:"event_id"`
	GraphPatch   json.RawMessage    `json:"graphPatch"`
	Tally        map[string]float64 `json:"tally"`
	IntegratedAt time.Time          `json:"integrated_at"`
}

type CommitInfo struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

// RecordIntegration writes the bundle and commits it. The repository is
// created on first use.
func (s *Service) RecordIntegration(bundle Bundle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.ensureRepo()
	if err != nil {
		return "", err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	relPath := filepath.Join("papers", slug(bundle.PaperID)+".json")
	fullPath := filepath.Join(s.dir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create papers dir: %w", err)
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(fullPath, append(payload, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}

	if _, err := worktree.Add(relPath); err != nil {
		return "", fmt.Errorf("git add bundle: %w", err)
	}
	hash, err := worktree.Commit(fmt.Sprintf("Integrate %s (event %s)", bundle.PaperID, bundle.EventID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Synapse",
			Email: "synapse@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit bundle: %w", err)
	}
	return hash.String(), nil
}

// History lists ledger commits, newest first. limit <= 0 means all.
func (s *Service) History(limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open ledger repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	count := 0
	err = iter.ForEach(func(commit *object.Commit) error {
		items = append(items, CommitInfo{
			Hash:    commit.Hash.String(),
			Message: strings.TrimSpace(commit.Message),
			Author:  commit.Author.Name,
			When:    commit.Author.When,
		})
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

// PaperHistory lists commits touching one paper's bundle file, newest first.
func (s *Service) PaperHistory(paperID string, limit int) ([]CommitInfo, error) {
	history, err := s.History(0)
	if err != nil {
		return nil, err
	}
	marker := "Integrate " + paperID + " "
	items := make([]CommitInfo, 0)
	for _, commit := range history {
		if !strings.HasPrefix(commit.Message, marker) {
			continue
		}
		items = append(items, commit)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (s *Service) ensureRepo() (*git.Repository, error) {
	if repo, err := git.PlainOpen(s.dir); err == nil {
		return repo, nil
	} else if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open ledger repo: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	repo, err := git.PlainInit(s.dir, false)
	if err != nil {
		return nil, fmt.Errorf("init ledger repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func slug(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
