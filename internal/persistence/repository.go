package persistence

import "fib-pocket-bot-go/internal/models"

// CheckpointRepository defines the interface for checkpoint persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the state manager and the reconciler.
type CheckpointRepository interface {
	// SaveCheckpoint atomically saves the full engine state.
	SaveCheckpoint(state *models.EngineState) error

	// LoadCheckpoint loads the last saved engine state.
	// If no checkpoint is found, it returns (nil, nil).
	LoadCheckpoint() (*models.EngineState, error)

	// ArchivePosition stores a closed position under its own key.
	ArchivePosition(pos models.Position) error

	// ListArchived returns up to limit archived positions, most recently closed first.
	ListArchived(limit int) ([]models.Position, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
