package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/plfanzen/backend/pkg/challenges"
	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/metrics"
	"github.com/rs/zerolog"
)

// Syncer keeps a local working copy of the challenge repository at the
// tip of the configured branch and reloads the challenge store when the
// checked-out content changes. The working copy is owned exclusively by
// the syncer; Sync is serialized by an internal mutex.
type Syncer struct {
	url    string
	branch string
	dir    string
	store  *challenges.Store
	logger zerolog.Logger

	mu         sync.Mutex
	lastHead   string
	lastSync   time.Time
	lastErrors []string
	loaded     bool
}

// NewSyncer creates a syncer for the given remote and branch
func NewSyncer(url, branch, dir string, store *challenges.Store) *Syncer {
	return &Syncer{
		url:    url,
		branch: branch,
		dir:    dir,
		store:  store,
		logger: log.WithComponent("gitsync"),
	}
}

// Sync fetches the configured branch and, if the checked-out commit
// changed (or nothing has been loaded yet), reloads the challenge
// store. A failed fetch leaves the previously published definitions
// intact; the system degrades to last-known-good, never to empty.
func (s *Syncer) Sync(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.checkout(ctx)
	if err != nil {
		metrics.GitSyncsTotal.WithLabelValues("error").Inc()
		return false, err
	}

	changed := head != s.lastHead
	if !changed && s.loaded {
		metrics.GitSyncsTotal.WithLabelValues("unchanged").Inc()
		s.lastSync = time.Now()
		return false, nil
	}

	defs, errs := challenges.LoadDir(s.dir)
	if defs == nil {
		// The checkout itself is unreadable; keep serving the previous set.
		metrics.GitSyncsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to load challenge definitions: %v", errs[0])
	}
	s.lastErrors = s.lastErrors[:0]
	for _, loadErr := range errs {
		s.logger.Error().Err(loadErr).Msg("Bad challenge manifest")
		s.lastErrors = append(s.lastErrors, loadErr.Error())
	}

	s.store.Replace(defs)
	s.lastHead = head
	s.lastSync = time.Now()
	s.loaded = true
	metrics.GitSyncsTotal.WithLabelValues("changed").Inc()
	s.logger.Info().Str("head", head).Int("challenges", len(defs)).Msg("Synced challenge repository")
	return changed, nil
}

// checkout clones or updates the working copy and returns the head
// commit hash of the configured branch.
func (s *Syncer) checkout(ctx context.Context) (string, error) {
	branchRef := plumbing.NewBranchReferenceName(s.branch)

	if _, err := os.Stat(filepath.Join(s.dir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create repo directory: %w", err)
		}
		repo, err := git.PlainCloneContext(ctx, s.dir, false, &git.CloneOptions{
			URL:           s.url,
			ReferenceName: branchRef,
			SingleBranch:  true,
		})
		if err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("failed to resolve HEAD after clone: %w", err)
		}
		return head.Hash().String(), nil
	}

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repo at %s: %w", s.dir, err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", s.branch, s.branch)),
		},
		Force: true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return "", fmt.Errorf("git fetch failed: %w", err)
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", s.branch), true)
	if err != nil {
		return "", fmt.Errorf("branch %s not found on origin: %w", s.branch, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("git reset failed: %w", err)
	}

	return remoteRef.Hash().String(), nil
}

// Run syncs on a fixed interval until the context is cancelled. The
// first sync happens immediately so the registry is populated before
// the API starts answering.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.Sync(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Initial git sync failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Git sync failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Status reports the last successful sync for health checks
func (s *Syncer) Status() (head string, lastSync time.Time, loadErrors []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHead, s.lastSync, append([]string(nil), s.lastErrors...)
}
