package artifact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/harborhq/stevedore/internal/domain"
	"github.com/harborhq/stevedore/internal/repository"
)

// Store mediates all artifact access for the orchestrator. Writes to the same
// (configSetID, fileName) pair are serialized; each write appends a revision
// and the last committed write wins.
type Store struct {
	repo   repository.ArtifactRepository
	logger *slog.Logger
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// WriteRequest describes one artifact write. ExpectedRevision, when non-nil,
// is an optimistic check against the current head.
type WriteRequest struct {
	ConfigSetID      string
	FileName         string
	Content          string
	ExpectedRevision *int
}

// WriteResult confirms the committed content and its new revision.
type WriteResult struct {
	FileName string
	Content  string
	Revision int
}

// NewStore constructs a Store.
func NewStore(repo repository.ArtifactRepository, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Read returns the head revision of every file in the config set, ordered by
// file name. Returns repository.ErrNotFound for an unknown config set.
func (s *Store) Read(ctx context.Context, configSetID string) ([]domain.ArtifactFile, error) {
	if configSetID == "" {
		return nil, fmt.Errorf("config set id required")
	}
	return s.repo.ListArtifacts(ctx, configSetID)
}

// Write appends a new revision for one file. A concurrent writer that commits
// first surfaces as repository.ErrConflict; the caller must not retry blindly.
func (s *Store) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if req.ConfigSetID == "" || req.FileName == "" {
		return WriteResult{}, fmt.Errorf("config set id and file name required")
	}
	lock := s.lockFor(req.ConfigSetID, req.FileName)
	lock.Lock()
	defer lock.Unlock()

	next := 1
	head, err := s.repo.GetArtifactHead(ctx, req.ConfigSetID, req.FileName)
	switch {
	case err == nil:
		next = head.Revision + 1
	case errors.Is(err, repository.ErrNotFound):
		// new file, first revision
	default:
		return WriteResult{}, fmt.Errorf("read artifact head: %w", err)
	}

	if req.ExpectedRevision != nil {
		current := 0
		if head != nil {
			current = head.Revision
		}
		if *req.ExpectedRevision != current {
			return WriteResult{}, repository.ErrConflict
		}
	}

	rev := &domain.ArtifactRevision{
		ID:          uuid.NewString(),
		ConfigSetID: req.ConfigSetID,
		FileName:    req.FileName,
		Content:     req.Content,
		Revision:    next,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.AppendArtifactRevision(ctx, rev); err != nil {
		return WriteResult{}, err
	}
	s.logger.Debug("artifact revision committed",
		"config_set_id", req.ConfigSetID, "file", req.FileName, "revision", next)
	return WriteResult{FileName: req.FileName, Content: req.Content, Revision: next}, nil
}

// History returns revision history for one file, newest first.
func (s *Store) History(ctx context.Context, configSetID, fileName string, limit int) ([]domain.ArtifactRevision, error) {
	return s.repo.ListArtifactRevisions(ctx, configSetID, fileName, limit)
}

func (s *Store) lockFor(configSetID, fileName string) *sync.Mutex {
	key := configSetID + "/" + fileName
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}
