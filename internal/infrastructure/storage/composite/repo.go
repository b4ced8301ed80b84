package composite

import (
	"context"
	"errors"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

type Repo struct {
	repos []port.UpdateRepository
}

func New(repos ...port.UpdateRepository) *Repo {
	out := make([]port.UpdateRepository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

// SaveLatest writes to every backend and returns the first error
func (r *Repo) SaveLatest(ctx context.Context, u model.Update) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveLatest(ctx, u); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of backends
func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) Close() error {
	var errs []error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ port.UpdateRepository = (*Repo)(nil)
