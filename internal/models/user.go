package models

import (
	"time"

	"gorm.io/gorm"
)

type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleTeacher UserRole = "teacher"
	RoleAdmin   UserRole = "admin"
)

// IsStaff reports whether the role carries staff privileges.
func (r UserRole) IsStaff() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// User is the profile summary the engine consumes from the user directory.
type User struct {
	ID        string   `json:"id" gorm:"primaryKey;size:255"`
	Username  string   `json:"username" gorm:"uniqueIndex;not null;size:150"`
	FirstName string   `json:"first_name" gorm:"size:150"`
	LastName  string   `json:"last_name" gorm:"size:150"`
	Nickname  *string  `json:"nickname" gorm:"size:150"`
	StudentID *string  `json:"student_id" gorm:"size:50"`
	Role      UserRole `json:"role" gorm:"size:20;default:student;index"`

	IsActive  bool           `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (User) TableName() string {
	return "users"
}

// Enrollment links a student to a course; course-scoped assessments are
// startable only by enrolled students.
type Enrollment struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CourseID  string    `json:"course_id" gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_course_user"`
	UserID    string    `json:"user_id" gorm:"size:255;not null;uniqueIndex:idx_enrollments_course_user"`
	CreatedAt time.Time `json:"created_at"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}
