package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Subject string

const (
	SubjectVerbal Subject = "verbal"
	SubjectMath   Subject = "math"
)

type DifficultyLevel string

const (
	DifficultyEasy   DifficultyLevel = "easy"
	DifficultyMedium DifficultyLevel = "medium"
	DifficultyHard   DifficultyLevel = "hard"
)

// Choice is one multiple-choice option as stored in the bank. Label is the
// authored label ("A".."D"); presentation labels are reassigned from the
// attempt's choice permutation.
type Choice struct {
	Label     string `json:"label"`
	Content   string `json:"content"`
	IsCorrect bool   `json:"is_correct"`
}

type Question struct {
	ID            string                           `json:"id" gorm:"primaryKey;type:uuid"`
	Subject       Subject                          `json:"subject" gorm:"not null;size:20;index:idx_questions_subject_topic" validate:"required,oneof=verbal math"`
	Topic         string                           `json:"topic" gorm:"not null;size:200;index:idx_questions_subject_topic" validate:"required,max=200"`
	Subtopic      *string                          `json:"subtopic" gorm:"size:200"`
	Stem          string                           `json:"stem" gorm:"not null;type:text" validate:"required"`
	Passage       *string                          `json:"passage" gorm:"type:text"`
	Explanation   *string                          `json:"explanation" gorm:"type:text"`
	ImageURL      *string                          `json:"image_url" gorm:"size:500"`
	Choices       datatypes.JSONType[[]Choice]     `json:"choices" gorm:"type:jsonb"`
	IsOpenEnded   bool                             `json:"is_open_ended" gorm:"default:false"`
	CorrectAnswer *string                          `json:"correct_answer" gorm:"type:text"`
	Difficulty    *DifficultyLevel                 `json:"difficulty" gorm:"size:10"`
	Published     bool                             `json:"published" gorm:"default:false;index"`
	CreatedBy     string                           `json:"created_by" gorm:"size:255;index"`
	CreatedAt     time.Time                        `json:"created_at"`
	UpdatedAt     time.Time                        `json:"updated_at"`
	DeletedAt     gorm.DeletedAt                   `json:"-" gorm:"index"`
}

func (Question) TableName() string {
	return "questions"
}

func (q *Question) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return nil
}

// ChoiceList returns the stored choices, never nil.
func (q *Question) ChoiceList() []Choice {
	return q.Choices.Data()
}

// QuestionOverride is a per-assessment patch applied over a bank question at
// presentation, scoring and review time. Nil pointer fields leave the bank
// value untouched.
type QuestionOverride struct {
	Subject       *Subject         `json:"subject,omitempty"`
	Topic         *string          `json:"topic,omitempty"`
	Subtopic      *string          `json:"subtopic,omitempty"`
	Stem          *string          `json:"stem,omitempty"`
	Passage       *string          `json:"passage,omitempty"`
	Explanation   *string          `json:"explanation,omitempty"`
	ImageURL      *string          `json:"image_url,omitempty"`
	Choices       *[]Choice        `json:"choices,omitempty"`
	IsOpenEnded   *bool            `json:"is_open_ended,omitempty"`
	CorrectAnswer *string          `json:"correct_answer,omitempty"`
	Difficulty    *DifficultyLevel `json:"difficulty,omitempty"`
}

// Apply returns a copy of q with the override's non-nil fields replaced.
// The bank row is never mutated.
func (o *QuestionOverride) Apply(q *Question) *Question {
	if o == nil {
		return q
	}
	patched := *q
	if o.Subject != nil {
		patched.Subject = *o.Subject
	}
	if o.Topic != nil {
		patched.Topic = *o.Topic
	}
	if o.Subtopic != nil {
		patched.Subtopic = o.Subtopic
	}
	if o.Stem != nil {
		patched.Stem = *o.Stem
	}
	if o.Passage != nil {
		patched.Passage = o.Passage
	}
	if o.Explanation != nil {
		patched.Explanation = o.Explanation
	}
	if o.ImageURL != nil {
		patched.ImageURL = o.ImageURL
	}
	if o.Choices != nil {
		patched.Choices = datatypes.NewJSONType(*o.Choices)
	}
	if o.IsOpenEnded != nil {
		patched.IsOpenEnded = *o.IsOpenEnded
	}
	if o.CorrectAnswer != nil {
		patched.CorrectAnswer = o.CorrectAnswer
	}
	if o.Difficulty != nil {
		patched.Difficulty = o.Difficulty
	}
	return &patched
}
