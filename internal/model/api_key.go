package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StringList stores a list of strings as a JSON-encoded TEXT column so it
// works across all supported dialects.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// APIKey is the credential record for one client of the gateway.
//
// Key and ClientID are each unique across all records and immutable after
// creation (Key changes only through rotation, which issues a fresh secret).
// UsageCount is advisory telemetry, not the quota-decision source of truth.
type APIKey struct {
	ID           uint       `gorm:"primaryKey" json:"-"`
	Key          string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"-"`
	ClientID     string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"client_id"`
	Name         string     `gorm:"type:varchar(255);not null" json:"name"`
	ContactEmail string     `gorm:"type:varchar(255)" json:"contact_email,omitempty"`
	Notes        string     `gorm:"type:text" json:"notes,omitempty"`
	IsActive     bool       `gorm:"not null" json:"is_active"`
	RateLimit    int        `gorm:"default:0;not null" json:"rate_limit"`
	UsageCount   int64      `gorm:"default:0;not null" json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	AllowedIPs   StringList `gorm:"type:text" json:"allowed_ips"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsExpired reports whether the key's validity window has passed at the given instant.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// AllowsIP reports whether the requester IP passes the key's IP restriction.
// An empty allow-list means no restriction.
func (k *APIKey) AllowsIP(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	return k.AllowedIPs.Contains(ip)
}

// MaskedKey returns a display-safe preview of the secret, keeping the key's
// own class prefix and its last four characters. The full secret is shown
// exactly once, at creation or rotation.
func (k *APIKey) MaskedKey() string {
	if len(k.Key) <= 4 {
		return "****"
	}
	prefix := ""
	if i := strings.Index(k.Key, "_"); i >= 0 && i+1 < len(k.Key)-4 {
		prefix = k.Key[:i+1]
	}
	return prefix + "****" + k.Key[len(k.Key)-4:]
}
