package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccessGrant authorizes one student for one assessment. The moment any
// active grant exists for an assessment, access switches from
// open-to-enrolled to allow-list-only.
type AccessGrant struct {
	ID           string     `json:"id" gorm:"primaryKey;type:uuid"`
	AssessmentID string     `json:"assessment_id" gorm:"type:uuid;not null;uniqueIndex:idx_grants_assessment_student"`
	StudentID    string     `json:"student_id" gorm:"size:255;not null;uniqueIndex:idx_grants_assessment_student"`
	AttemptLimit *int       `json:"attempt_limit"` // overrides assessment retake_limit when set
	GrantedBy    *string    `json:"granted_by" gorm:"size:255"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	IsActive     bool       `json:"is_active" gorm:"default:true"`
}

func (AccessGrant) TableName() string {
	return "access_grants"
}

func (g *AccessGrant) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	return nil
}

// Expired reports whether the grant has passed its expiry, if any.
func (g *AccessGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}
