package keymanager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"matchgate/internal/config"
	"matchgate/internal/db"
	"matchgate/internal/model"
)

// secretPrefix tags generated secrets so a leaked one is recognizable in
// scanners and support tickets. It carries no information about the client.
const secretPrefix = "sk_"

// secretBytes is the entropy of a generated secret (256 bits).
const secretBytes = 32

// Manager defines the administrative lifecycle over client credentials.
// This allows for mocking in tests and decouples the admin handler from the
// concrete implementation.
type Manager interface {
	Create(params CreateParams) (*model.APIKey, string, error)
	Regenerate(clientID string) (string, error)
	Revoke(clientID string, hard bool) error
	Update(clientID string, fields map[string]any) (*model.APIKey, error)
	Get(clientID string) (*model.APIKey, error)
	List() ([]model.APIKey, error)
}

// CreateParams are the caller-supplied attributes for a new credential.
// Zero values fall back to configured defaults where one exists.
type CreateParams struct {
	Name          string
	ClientID      string
	RateLimit     int
	ExpiresInDays int
	AllowedIPs    []string
	ContactEmail  string
	Notes         string
}

type KeyManager struct {
	db               db.Service
	logger           *slog.Logger
	defaultRateLimit int
}

// NewKeyManager creates a new KeyManager.
func NewKeyManager(dbService db.Service, cfg *config.Config, logger *slog.Logger) *KeyManager {
	return &KeyManager{
		db:               dbService,
		logger:           logger.With("component", "keymanager"),
		defaultRateLimit: cfg.Keys.DefaultRateLimit,
	}
}

// Create provisions a credential and returns the record together with the
// plaintext secret. The secret is retrievable exactly once, here; every later
// read path sees only the masked preview.
func (m *KeyManager) Create(params CreateParams) (*model.APIKey, string, error) {
	if params.Name == "" {
		return nil, "", fmt.Errorf("name is required")
	}
	if params.ClientID == "" {
		return nil, "", fmt.Errorf("client id is required")
	}
	if params.RateLimit < 0 {
		return nil, "", fmt.Errorf("rate limit must be positive")
	}
	if params.RateLimit == 0 {
		params.RateLimit = m.defaultRateLimit
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}

	record := &model.APIKey{
		Key:          secret,
		ClientID:     params.ClientID,
		Name:         params.Name,
		ContactEmail: params.ContactEmail,
		Notes:        params.Notes,
		IsActive:     true,
		RateLimit:    params.RateLimit,
		AllowedIPs:   model.StringList(params.AllowedIPs),
	}
	if params.ExpiresInDays > 0 {
		expires := time.Now().AddDate(0, 0, params.ExpiresInDays)
		record.ExpiresAt = &expires
	}

	if err := m.db.CreateAPIKey(record); err != nil {
		return nil, "", err
	}

	m.logger.Info("Created api key", "client_id", record.ClientID, "rate_limit", record.RateLimit)
	return record, secret, nil
}

// Regenerate replaces the client's secret and returns the new one once.
// The previous secret stops resolving immediately, with no grace period.
func (m *KeyManager) Regenerate(clientID string) (string, error) {
	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	if err := m.db.RotateAPIKey(clientID, secret); err != nil {
		return "", err
	}
	m.logger.Info("Rotated api key", "client_id", clientID)
	return secret, nil
}

// Revoke disables (soft) or permanently removes (hard) a credential.
func (m *KeyManager) Revoke(clientID string, hard bool) error {
	if err := m.db.DeleteAPIKey(clientID, hard); err != nil {
		return err
	}
	m.logger.Info("Revoked api key", "client_id", clientID, "hard", hard)
	return nil
}

// Update applies an administrative field update. The storage layer enforces
// the closed allow-list; unknown fields are dropped, not rejected.
func (m *KeyManager) Update(clientID string, fields map[string]any) (*model.APIKey, error) {
	return m.db.UpdateAPIKey(clientID, fields)
}

func (m *KeyManager) Get(clientID string) (*model.APIKey, error) {
	return m.db.GetAPIKey(clientID)
}

func (m *KeyManager) List() ([]model.APIKey, error) {
	return m.db.ListAPIKeys()
}

// newSecret draws 256 bits from the system CSPRNG and renders them as an
// opaque hex string behind the class prefix. Secrets are never sequential
// and never derived from other record fields.
func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}
