package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AssessmentKind string

const (
	// KindFlat is a single-pool timed exam: one ordered question list, one
	// overall time limit.
	KindFlat AssessmentKind = "flat"
	// KindModular is a set of independently timed and scored modules, each
	// with a fixed-size pool.
	KindModular AssessmentKind = "modular"
)

type Assessment struct {
	ID          string         `json:"id" gorm:"primaryKey;type:uuid"`
	CourseID    *string        `json:"course_id" gorm:"type:uuid;index"`
	Kind        AssessmentKind `json:"kind" gorm:"not null;size:10;default:flat" validate:"omitempty,oneof=flat modular"`
	Title       string         `json:"title" gorm:"not null;size:200" validate:"required,min=1,max=200"`
	Description *string        `json:"description" gorm:"type:text" validate:"omitempty,max=1000"`

	// Cached subject totals for the flat pool; re-derived from the live pool
	// on every pool edit.
	VerbalQuestionCount int `json:"verbal_question_count" gorm:"default:0"`
	MathQuestionCount   int `json:"math_question_count" gorm:"default:0"`

	TotalTimeMinutes int  `json:"total_time_minutes" gorm:"default:120"`
	ShuffleQuestions bool `json:"shuffle_questions" gorm:"default:true"`
	ShuffleChoices   bool `json:"shuffle_choices" gorm:"default:false"`
	AllowRetakes     bool `json:"allow_retakes" gorm:"default:true"`
	RetakeLimit      *int `json:"retake_limit"`
	IsActive         bool `json:"is_active" gorm:"default:true"`
	ResultsPublished bool `json:"results_published" gorm:"default:false"`

	// Flat pool and per-assessment question patches. Modular assessments
	// keep their pools on the module rows instead.
	QuestionIDs       datatypes.JSONType[[]string]                    `json:"question_ids" gorm:"type:jsonb"`
	QuestionOverrides datatypes.JSONType[map[string]QuestionOverride] `json:"question_overrides" gorm:"type:jsonb"`

	CreatedBy string         `json:"created_by" gorm:"size:255;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Modules []AssessmentModule `json:"modules,omitempty" gorm:"foreignKey:AssessmentID"`
}

func (Assessment) TableName() string {
	return "assessments"
}

func (a *Assessment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Pool returns the flat question id list. Empty for modular assessments.
func (a *Assessment) Pool() []string {
	return a.QuestionIDs.Data()
}

// Overrides returns the override map, never nil.
func (a *Assessment) Overrides() map[string]QuestionOverride {
	m := a.QuestionOverrides.Data()
	if m == nil {
		m = map[string]QuestionOverride{}
	}
	return m
}

// AssessmentModule is one independently timed sub-pool of a modular
// assessment. A module is startable only when its pool holds exactly
// RequiredCount questions.
type AssessmentModule struct {
	ID               string                       `json:"id" gorm:"primaryKey;type:uuid"`
	AssessmentID     string                       `json:"assessment_id" gorm:"type:uuid;not null;uniqueIndex:idx_modules_assessment_subject_index"`
	Subject          Subject                      `json:"subject" gorm:"not null;size:20;uniqueIndex:idx_modules_assessment_subject_index" validate:"required,oneof=verbal math"`
	ModuleIndex      int                          `json:"module_index" gorm:"not null;uniqueIndex:idx_modules_assessment_subject_index" validate:"required,min=1"`
	QuestionIDs      datatypes.JSONType[[]string] `json:"question_ids" gorm:"type:jsonb"`
	RequiredCount    int                          `json:"required_count" gorm:"default:0"`
	TimeLimitMinutes int                          `json:"time_limit_minutes" gorm:"default:30"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

func (AssessmentModule) TableName() string {
	return "assessment_modules"
}

func (m *AssessmentModule) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Key is the scoring/order key for this module, e.g. "math-1".
func (m *AssessmentModule) Key() string {
	return fmt.Sprintf("%s-%d", m.Subject, m.ModuleIndex)
}

// Complete reports whether the module pool is sized for attempts.
func (m *AssessmentModule) Complete() bool {
	return m.RequiredCount > 0 && len(m.QuestionIDs.Data()) == m.RequiredCount
}
