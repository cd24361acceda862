package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
)

// QuestionOrder is the frozen per-attempt presentation order. Exactly one of
// Flat or ByModule is populated, matching the assessment kind; the split keeps
// the two encodings from ever being confused at runtime.
type QuestionOrder struct {
	Flat     []string            `json:"flat,omitempty"`
	ByModule map[string][]string `json:"by_module,omitempty"`
}

// All returns every question id in presentation order, flattening module
// orders in module-key order for modular attempts.
func (o QuestionOrder) All(moduleKeys []string) []string {
	if len(o.Flat) > 0 || len(o.ByModule) == 0 {
		return o.Flat
	}
	var ids []string
	for _, key := range moduleKeys {
		ids = append(ids, o.ByModule[key]...)
	}
	return ids
}

// ChoicePermutation maps presented position -> original choice index. The
// choice the student saw labelled "A" is Choices[perm[0]] in storage order.
type ChoicePermutation []int

// ChoiceOrder holds the frozen per-question choice permutations for one
// attempt, keyed by question id. Questions absent from the map were presented
// in storage order.
type ChoiceOrder map[string]ChoicePermutation

// ModuleScore is the per-module result of a modular attempt.
type ModuleScore struct {
	Correct int     `json:"correct"`
	Total   int     `json:"total"`
	Score   float64 `json:"score"`
}

// AttemptAnalytics carries the supplementary accuracy breakdowns computed at
// submit time, keyed "subject:topic" and "subject:difficulty".
type AttemptAnalytics struct {
	TopicAccuracy      map[string]CorrectTotal `json:"topic_accuracy,omitempty"`
	DifficultyAccuracy map[string]CorrectTotal `json:"difficulty_accuracy,omitempty"`
}

type CorrectTotal struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// Attempt is one student session against an assessment. The presentation
// order and choice permutations are snapshotted at creation and never
// re-derived from the live assessment, so pool edits cannot corrupt an
// in-flight session.
type Attempt struct {
	ID string `json:"id" gorm:"primaryKey;type:uuid"`
	// The partial unique index is the guard against two concurrent starts
	// inserting duplicate in-progress rows; the loser resumes the winner.
	AssessmentID string        `json:"assessment_id" gorm:"type:uuid;not null;index:idx_attempts_assessment_student_status;index:idx_attempts_one_in_progress,unique,where:status = 'in_progress'"`
	StudentID    string        `json:"student_id" gorm:"size:255;not null;index:idx_attempts_assessment_student_status;index:idx_attempts_one_in_progress,unique,where:status = 'in_progress'"`
	Status       AttemptStatus `json:"status" gorm:"size:20;not null;default:in_progress;index:idx_attempts_assessment_student_status"`

	QuestionOrder datatypes.JSONType[QuestionOrder]          `json:"question_order" gorm:"type:jsonb"`
	ChoiceOrder   datatypes.JSONType[ChoiceOrder]            `json:"choice_order" gorm:"type:jsonb"`
	Answers       datatypes.JSONType[map[string]string]      `json:"answers" gorm:"type:jsonb"`
	ModuleScores  datatypes.JSONType[map[string]ModuleScore] `json:"module_scores" gorm:"type:jsonb"`
	Analytics     datatypes.JSONType[AttemptAnalytics]       `json:"analytics" gorm:"type:jsonb"`

	ScoreVerbal  int     `json:"score_verbal" gorm:"default:0"`
	ScoreMath    int     `json:"score_math" gorm:"default:0"`
	TotalScore   int     `json:"total_score" gorm:"default:0"`
	CorrectCount int     `json:"correct_count" gorm:"default:0"`
	TotalCount   int     `json:"total_count" gorm:"default:0"`
	Score        float64 `json:"score" gorm:"default:0"`

	TimeSpent   int        `json:"time_spent" gorm:"default:0"` // seconds, client-reported
	StartedAt   time.Time  `json:"started_at"`
	SubmittedAt *time.Time `json:"submitted_at"`

	Assessment *Assessment `json:"assessment,omitempty" gorm:"foreignKey:AssessmentID"`
	Student    *User       `json:"student,omitempty" gorm:"foreignKey:StudentID"`
}

func (Attempt) TableName() string {
	return "attempts"
}

func (a *Attempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	return nil
}

// AnswerMap returns the answer buffer, never nil.
func (a *Attempt) AnswerMap() map[string]string {
	m := a.Answers.Data()
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// Permutations returns the frozen choice order, never nil.
func (a *Attempt) Permutations() ChoiceOrder {
	m := a.ChoiceOrder.Data()
	if m == nil {
		m = ChoiceOrder{}
	}
	return m
}
