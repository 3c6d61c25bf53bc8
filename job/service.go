package job

import (
	"context"
	"errors"
)

// Validation failures surfaced to the API layer.
var (
	ErrTitleRequired = errors.New("job: title is required")
	ErrInvalidRate   = errors.New("job: rate must be positive")
)

// SummaryStore abstracts repository operations for the service.
type SummaryStore interface {
	Create(ctx context.Context, params CreateParams) (Summary, error)
	GetByID(ctx context.Context, id string) (Summary, error)
	List(ctx context.Context, limit int) ([]Summary, error)
	Close(ctx context.Context, id, clientID string) error
}

// Service exposes business-level job operations.
type Service struct {
	repo SummaryStore
}

// NewService builds a Service using the provided repository.
func NewService(repo SummaryStore) *Service {
	return &Service{repo: repo}
}

// Create validates and stores a new job post for a client.
func (s *Service) Create(ctx context.Context, params CreateParams) (Summary, error) {
	if params.Title == "" {
		return Summary{}, ErrTitleRequired
	}
	if params.Rate <= 0 {
		return Summary{}, ErrInvalidRate
	}
	return s.repo.Create(ctx, params)
}

// GetByID returns the job post for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Summary, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit open job posts.
func (s *Service) List(ctx context.Context, limit int) ([]Summary, error) {
	return s.repo.List(ctx, limit)
}

// Close removes a client's job post from the open listings.
func (s *Service) Close(ctx context.Context, id, clientID string) error {
	return s.repo.Close(ctx, id, clientID)
}
