package stats

import (
	"context"
	"time"

	"jobq/features/job"
)

// Window is how far back job counts reach.
const Window = 24 * time.Hour

type Repository interface {
	Stats(ctx context.Context, since time.Time) (*job.Stats, error)
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// GetJobStats counts jobs created in the last Window by status, plus the
// mean run time of those that completed. An empty window yields zeros.
func (s *Service) GetJobStats(ctx context.Context) (job.Stats, error) {
	st, err := s.repo.Stats(ctx, s.now().Add(-Window))
	if err != nil {
		return job.Stats{}, err
	}
	if st == nil {
		return job.Stats{}, nil
	}
	return *st, nil
}
