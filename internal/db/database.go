package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchgate/internal/config"
	"matchgate/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no credential record matches the query.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateClient is returned when a client ID is already taken.
	ErrDuplicateClient = errors.New("client id already exists")
)

// Service defines the storage operations used by the gateway: the credential
// store and the database-backed usage ledger. It exists as an interface so
// handlers and middleware can be tested against fakes.
type Service interface {
	// Credential store.
	LookupAPIKey(ctx context.Context, key string) (*model.APIKey, error)
	GetAPIKey(clientID string) (*model.APIKey, error)
	ListAPIKeys() ([]model.APIKey, error)
	CreateAPIKey(record *model.APIKey) error
	UpdateAPIKey(clientID string, fields map[string]any) (*model.APIKey, error)
	RotateAPIKey(clientID, newKey string) error
	DeleteAPIKey(clientID string, hard bool) error
	TouchAPIKey(ctx context.Context, key string) error

	// Usage ledger.
	CountUsageEvents(ctx context.Context, clientID string, since time.Time) (int64, error)
	AppendUsageEvent(ctx context.Context, event *model.UsageEvent) error
	PruneUsageEvents(ctx context.Context, before time.Time) (int64, error)

	Ping() error
	GetDB() *gorm.DB
}

type service struct {
	db *gorm.DB
}

// NewService opens the database described by cfg, migrates the schema and
// returns a Service backed by it.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&model.APIKey{}, &model.UsageEvent{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &service{db: db}, nil
}

// updatableFields is the closed set of credential fields an administrative
// update may touch, mapped to their column names. Anything else in the
// payload is silently ignored.
var updatableFields = map[string]string{
	"name":          "name",
	"is_active":     "is_active",
	"rate_limit":    "rate_limit",
	"expires_at":    "expires_at",
	"allowed_ips":   "allowed_ips",
	"contact_email": "contact_email",
	"notes":         "notes",
}

func (s *service) LookupAPIKey(ctx context.Context, key string) (*model.APIKey, error) {
	var record model.APIKey
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &record, nil
}

func (s *service) GetAPIKey(clientID string) (*model.APIKey, error) {
	var record model.APIKey
	err := s.db.Where("client_id = ?", clientID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key for client %s: %w", clientID, err)
	}
	return &record, nil
}

func (s *service) ListAPIKeys() ([]model.APIKey, error) {
	var records []model.APIKey
	if err := s.db.Order("created_at asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return records, nil
}

// CreateAPIKey inserts a new credential record. The client ID is checked
// inside the transaction so a failed attempt leaves no partial record.
func (s *service) CreateAPIKey(record *model.APIKey) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.APIKey{}).Where("client_id = ?", record.ClientID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check client id uniqueness: %w", err)
		}
		if count > 0 {
			return ErrDuplicateClient
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to create api key: %w", err)
		}
		return nil
	})
}

func (s *service) UpdateAPIKey(clientID string, fields map[string]any) (*model.APIKey, error) {
	updates := make(map[string]any)
	for name, value := range fields {
		column, ok := updatableFields[name]
		if !ok {
			continue
		}
		if name == "allowed_ips" {
			if ips, ok := value.([]string); ok {
				value = model.StringList(ips)
			}
		}
		updates[column] = value
	}

	if len(updates) > 0 {
		result := s.db.Model(&model.APIKey{}).Where("client_id = ?", clientID).Updates(updates)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to update api key for client %s: %w", clientID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}

	return s.GetAPIKey(clientID)
}

// RotateAPIKey replaces the secret and resets the advisory usage telemetry.
// The old secret stops resolving the moment the update commits.
func (s *service) RotateAPIKey(clientID, newKey string) error {
	result := s.db.Model(&model.APIKey{}).Where("client_id = ?", clientID).Updates(map[string]any{
		"key":          newKey,
		"usage_count":  0,
		"last_used_at": nil,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to rotate api key for client %s: %w", clientID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAPIKey revokes a credential. Soft deletion flips is_active and is
// reversible; hard deletion removes the row. Usage events are left to age
// out of the ledger on their own.
func (s *service) DeleteAPIKey(clientID string, hard bool) error {
	if !hard {
		result := s.db.Model(&model.APIKey{}).Where("client_id = ?", clientID).Update("is_active", false)
		if result.Error != nil {
			return fmt.Errorf("failed to deactivate api key for client %s: %w", clientID, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	}

	result := s.db.Where("client_id = ?", clientID).Delete(&model.APIKey{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete api key for client %s: %w", clientID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey atomically bumps the advisory usage counter and stamps the
// last successful authentication.
func (s *service) TouchAPIKey(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Model(&model.APIKey{}).Where("key = ?", key).UpdateColumns(map[string]any{
		"usage_count":  gorm.Expr("usage_count + 1"),
		"last_used_at": time.Now(),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to touch api key: %w", result.Error)
	}
	return nil
}

func (s *service) CountUsageEvents(ctx context.Context, clientID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.UsageEvent{}).
		Where("client_id = ? AND timestamp >= ?", clientID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count usage events for client %s: %w", clientID, err)
	}
	return count, nil
}

func (s *service) AppendUsageEvent(ctx context.Context, event *model.UsageEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append usage event for client %s: %w", event.ClientID, err)
	}
	return nil
}

// PruneUsageEvents physically removes events older than the retention cutoff.
// Counting always filters by timestamp, so a lagging sweep only costs storage,
// never correctness.
func (s *service) PruneUsageEvents(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&model.UsageEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune usage events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *service) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// GetDB exposes the underlying gorm handle, mainly for tests.
func (s *service) GetDB() *gorm.DB {
	return s.db
}
