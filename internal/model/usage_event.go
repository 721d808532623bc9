package model

import "time"

// UsageEvent records one admitted request. Rows are never updated after
// creation; anything older than the quota window is dead weight and is
// removed by the background sweep.
type UsageEvent struct {
	ID        uint      `gorm:"primaryKey"`
	ClientID  string    `gorm:"type:varchar(255);index;not null"`
	Endpoint  string    `gorm:"type:varchar(255)"`
	Timestamp time.Time `gorm:"index;not null"`
}
