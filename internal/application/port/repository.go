package port

import (
	"context"

	"livefeed/internal/domain/model"
)

// UpdateRepository persists delivered updates
type UpdateRepository interface {
	// SaveLatest overwrites the latest update stored for the update's key
	SaveLatest(ctx context.Context, u model.Update) error

	// Connection management
	Close() error
}
