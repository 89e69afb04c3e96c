// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/magi/internal/domain"
)

// DefaultRetention is the number of history entries kept when no cap is configured.
const DefaultRetention = 20

// Repository persists the deliberation history log.
type Repository interface {
	// AppendHistory stores an entry and evicts the oldest entries beyond the
	// retention cap, in insertion order.
	AppendHistory(ctx context.Context, entry domain.HistoryEntry) error

	// ListHistory returns up to limit entries, newest first. A limit <= 0 returns all.
	ListHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
