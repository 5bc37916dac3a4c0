package models

import (
	"time"

	"github.com/lib/pq"
)

// User is the portal account a session belongs to. Role and pod fields are
// copied into access tokens at issuance time.
type User struct {
	ID           string         `gorm:"type:uuid;primaryKey" json:"id"`
	Email        string         `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string         `gorm:"size:255;not null" json:"-"`
	Role         string         `gorm:"size:32;not null;default:developer" json:"role"`
	PodID        *string        `gorm:"type:uuid;index" json:"pod_id,omitempty"`
	ManagedPods  pq.StringArray `gorm:"type:text[]" json:"managed_pods,omitempty"`
	IsActive     bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
