package storage

import "livebridge/internal/models"

// Store defines the interface for audit persistence.
// This allows for easy testing with mock implementations and
// potential future support for different storage backends.
type Store interface {
	RecordConnection(rec *models.ConnectionRecord) error
	RecordCommand(rec *models.CommandRecord) error

	// Newest first, at most limit rows.
	RecentConnections(limit int) ([]models.ConnectionRecord, error)
	RecentCommands(limit int) ([]models.CommandRecord, error)

	// Lifecycle
	Close() error
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
