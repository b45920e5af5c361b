package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"workspace-collab/internal/models"

	"github.com/rs/zerolog"
)

/*
Audit worker pool.

The gateway hands every locally originated event to Observe on its own side
effect path, so Observe must never block: jobs go into a bounded queue and
are dropped with a warning when it is full. A fixed set of workers drains the
queue into the repository. Only file changes are recorded; cursor traffic is
too chatty and joins/leaves are already visible through presence.
*/

const defaultWriteTimeout = 5 * time.Second

// AuditService records collaboration history off the hot path
type AuditService struct {
	repo CollaborationEventRepository
	log  zerolog.Logger

	jobs    chan models.Event
	workers int
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	writeTimeout time.Duration
}

func NewAuditService(repo CollaborationEventRepository, numWorkers, queueSize int, log zerolog.Logger) *AuditService {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &AuditService{
		repo:         repo,
		log:          log.With().Str("component", "audit").Logger(),
		jobs:         make(chan models.Event, queueSize),
		workers:      numWorkers,
		writeTimeout: defaultWriteTimeout,
	}
}

// Start spawns the workers
func (s *AuditService) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info().Int("workers", s.workers).Int("queue", cap(s.jobs)).Msg("audit worker pool started")
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	for event := range s.jobs {
		if err := s.record(event); err != nil {
			s.log.Warn().Err(err).
				Int("worker", id).
				Str("event_id", event.ID).
				Str("workspace", event.WorkspaceID).
				Msg("failed to record collaboration event")
		}
	}
}

// Observe queues e for persistence. It never blocks the caller.
func (s *AuditService) Observe(_ context.Context, e models.Event) {
	if e.Type() != models.EventFileChange {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	select {
	case s.jobs <- e:
	default:
		s.log.Warn().
			Str("event_id", e.ID).
			Str("workspace", e.WorkspaceID).
			Msg("audit queue full, dropping event")
	}
}

func (s *AuditService) record(e models.Event) error {
	row, err := ToCollaborationEvent(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.repo.Create(ctx, row)
}

// ToCollaborationEvent maps a file change onto its history row
func ToCollaborationEvent(e models.Event) (*models.CollaborationEvent, error) {
	fc, ok := e.Payload.(*models.FileChange)
	if !ok || fc == nil {
		return nil, fmt.Errorf("%w: audit records file changes only, got %q", models.ErrInvalidPayload, e.Type())
	}

	changes, err := json.Marshal(fc.Changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}

	return &models.CollaborationEvent{
		ProjectID:    fc.ProjectID,
		UserID:       fc.UserID,
		Action:       models.ActionUpdate,
		ResourceType: models.ResourceFile,
		ResourceID:   fc.FilePath,
		Changes:      changes,
		CreatedAt:    e.Timestamp,
	}, nil
}

// ProjectHistory pages through a project's recorded changes
func (s *AuditService) ProjectHistory(ctx context.Context, projectID string, page, limit int) (*models.HistoryPage, error) {
	return s.repo.ProjectHistory(ctx, projectID, page, limit)
}

// UserActivity pages through one user's recorded changes
func (s *AuditService) UserActivity(ctx context.Context, userID string, page, limit int) (*models.HistoryPage, error) {
	return s.repo.UserActivity(ctx, userID, page, limit)
}

// Shutdown stops accepting events and waits for queued ones to be written
func (s *AuditService) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("audit worker pool stopped")
}

// QueueLength reports how many events are waiting for a worker
func (s *AuditService) QueueLength() int {
	return len(s.jobs)
}
