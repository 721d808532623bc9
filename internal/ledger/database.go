package ledger

import (
	"context"
	"time"

	"matchgate/internal/db"
	"matchgate/internal/model"
)

// Database is a usage ledger stored in the gateway's relational database.
// Expiry is logical (count filters by timestamp); the scheduler's sweep
// bounds the physical table size.
type Database struct {
	db db.Service
}

// NewDatabase returns a ledger backed by the given storage service.
func NewDatabase(dbService db.Service) *Database {
	return &Database{db: dbService}
}

func (l *Database) Count(ctx context.Context, clientID string, since time.Time) (int64, error) {
	return l.db.CountUsageEvents(ctx, clientID, since)
}

func (l *Database) Append(ctx context.Context, clientID, endpoint string, at time.Time) error {
	return l.db.AppendUsageEvent(ctx, &model.UsageEvent{
		ClientID:  clientID,
		Endpoint:  endpoint,
		Timestamp: at,
	})
}

func (l *Database) Prune(ctx context.Context, before time.Time) (int64, error) {
	return l.db.PruneUsageEvents(ctx, before)
}
