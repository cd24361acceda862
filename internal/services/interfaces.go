package services

import (
	"context"
	"time"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
)

// Actor is the capability context every operation receives: who is calling
// and with what role. Handlers build it from the authenticated request;
// services never re-derive permissions from anywhere else.
type Actor struct {
	UserID string
	Role   models.UserRole
}

func (a Actor) IsStaff() bool {
	return a.Role.IsStaff()
}

// ===== SELECTION =====

// SelectionRule is one declarative draw: count questions of a subject,
// optionally narrowed by topics, subtopics and difficulty. Rules in a set are
// processed in order and never re-pick ids selected by earlier rules.
type SelectionRule struct {
	Subject    string   `json:"subject"`
	Topics     []string `json:"topics,omitempty"`
	Subtopics  []string `json:"subtopics,omitempty"`
	Difficulty string   `json:"difficulty,omitempty"`
	Count      int      `json:"count"`
}

type SelectionService interface {
	// ParseCommand turns a free-text request like
	// "10 easy math from Algebra and 5 hard verbal" into selection rules.
	// Unparseable segments are dropped; the result may be empty.
	ParseCommand(command string) []SelectionRule

	// Generate draws question ids satisfying every rule, excluding
	// excludeIDs and all earlier picks in the same call. All-or-nothing:
	// on any per-rule deficiency it returns *InsufficientPoolError and no
	// ids.
	Generate(ctx context.Context, rules []SelectionRule, excludeIDs []string) ([]string, error)
}

// ===== ATTEMPTS =====

// ChoiceView is a presented choice: relabeled A, B, C... in presentation
// order with the correctness flag stripped.
type ChoiceView struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

type QuestionView struct {
	ID          string         `json:"id"`
	Subject     models.Subject `json:"subject"`
	Topic       string         `json:"topic"`
	Subtopic    *string        `json:"subtopic,omitempty"`
	Stem        string         `json:"stem"`
	Passage     string         `json:"passage,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	IsOpenEnded bool           `json:"is_open_ended"`
	Choices     []ChoiceView   `json:"choices,omitempty"`
}

// ReviewQuestion is the staff/disclosed variant of QuestionView with the
// answer key and the student's pick resolved.
type ReviewQuestion struct {
	QuestionView
	Explanation   string  `json:"explanation,omitempty"`
	CorrectAnswer *string `json:"correct_answer,omitempty"`
	CorrectLabel  *string `json:"correct_label,omitempty"`
	YourAnswer    *string `json:"your_answer,omitempty"`
	IsCorrect     bool    `json:"is_correct"`
	Answered      bool    `json:"answered"`
}

type ModulePayload struct {
	Key              string         `json:"key"`
	Subject          models.Subject `json:"subject"`
	ModuleIndex      int            `json:"module_index"`
	TimeLimitMinutes int            `json:"time_limit_minutes"`
	Questions        []QuestionView `json:"questions"`
}

type AssessmentSummary struct {
	ID                  string                `json:"id"`
	Kind                models.AssessmentKind `json:"kind"`
	Title               string                `json:"title"`
	Description         string                `json:"description,omitempty"`
	VerbalQuestionCount int                   `json:"verbal_question_count"`
	MathQuestionCount   int                   `json:"math_question_count"`
	TotalTimeMinutes    int                   `json:"total_time_minutes"`
	AllowRetakes        bool                  `json:"allow_retakes"`
	RetakeLimit         *int                  `json:"retake_limit"`
	IsActive            bool                  `json:"is_active"`
	ResultsPublished    bool                  `json:"results_published"`
	CreatedAt           time.Time             `json:"created_at"`
}

type StartAttemptRequest struct {
	AssessmentID string `json:"assessment_id" validate:"required,uuid"`
}

type StartAttemptResponse struct {
	AttemptID  string            `json:"attempt_id"`
	Resumed    bool              `json:"resumed"`
	Assessment AssessmentSummary `json:"assessment"`

	// Flat assessments fill Questions; modular ones fill Modules.
	Questions []QuestionView  `json:"questions,omitempty"`
	Modules   []ModulePayload `json:"modules,omitempty"`

	Answers   map[string]string `json:"answers"`
	TimeSpent int               `json:"time_spent"`
}

type SaveAttemptRequest struct {
	AttemptID string            `json:"attempt_id" validate:"required,uuid"`
	Answers   map[string]string `json:"answers"`
	TimeSpent *int              `json:"time_spent" validate:"omitempty,min=0"`
}

type SubmitAttemptRequest struct {
	AttemptID string `json:"attempt_id" validate:"required,uuid"`
	// Final answer payload; replaces the saved buffer when present.
	Answers   map[string]string `json:"answers"`
	TimeSpent *int              `json:"time_spent" validate:"omitempty,min=0"`
}

type SubmitAttemptResponse struct {
	AttemptID       string `json:"attempt_id"`
	ResultsReleased bool   `json:"results_released"`

	// Populated only when ResultsReleased.
	ScoreVerbal  *int                           `json:"score_verbal,omitempty"`
	ScoreMath    *int                           `json:"score_math,omitempty"`
	TotalScore   *int                           `json:"total_score,omitempty"`
	CorrectCount *int                           `json:"correct,omitempty"`
	TotalCount   *int                           `json:"total,omitempty"`
	Score        *float64                       `json:"score,omitempty"`
	ModuleScores map[string]models.ModuleScore  `json:"module_scores,omitempty"`
	Analytics    *models.AttemptAnalytics       `json:"analytics,omitempty"`
}

type ReviewResponse struct {
	AttemptID   string            `json:"attempt_id"`
	Assessment  AssessmentSummary `json:"assessment"`
	Status      models.AttemptStatus `json:"status"`
	SubmittedAt *time.Time        `json:"submitted_at"`

	Questions []ReviewQuestion `json:"questions,omitempty"`
	Modules   []ReviewModule   `json:"modules,omitempty"`

	ScoreVerbal  int                           `json:"score_verbal"`
	ScoreMath    int                           `json:"score_math"`
	TotalScore   int                           `json:"total_score"`
	CorrectCount int                           `json:"correct"`
	TotalCount   int                           `json:"total"`
	Score        float64                       `json:"score"`
	ModuleScores map[string]models.ModuleScore `json:"module_scores,omitempty"`
	Analytics    models.AttemptAnalytics       `json:"analytics"`
}

type ReviewModule struct {
	Key       string             `json:"key"`
	Subject   models.Subject     `json:"subject"`
	Questions []ReviewQuestion   `json:"questions"`
	Score     models.ModuleScore `json:"score"`
}

type AttemptService interface {
	Start(ctx context.Context, req *StartAttemptRequest, actor Actor) (*StartAttemptResponse, error)
	Save(ctx context.Context, req *SaveAttemptRequest, actor Actor) error
	Submit(ctx context.Context, req *SubmitAttemptRequest, actor Actor) (*SubmitAttemptResponse, error)
	Review(ctx context.Context, attemptID string, actor Actor) (*ReviewResponse, error)

	// ReviewLatest resolves the caller's most recent submitted attempt on the
	// assessment and reviews it, for clients that only hold the assessment id.
	ReviewLatest(ctx context.Context, assessmentID string, actor Actor) (*ReviewResponse, error)
}

// ===== ASSESSMENT AUTHORING =====

type CreateAssessmentRequest struct {
	Kind        models.AssessmentKind `json:"kind" validate:"required,assessment_kind"`
	CourseID    *string               `json:"course_id" validate:"omitempty,uuid"`
	Title       string                `json:"title" validate:"required,max=200"`
	Description string                `json:"description"`

	TotalTimeMinutes int  `json:"total_time_minutes" validate:"omitempty,min=0"`
	ShuffleQuestions bool `json:"shuffle_questions"`
	ShuffleChoices   bool `json:"shuffle_choices"`
	AllowRetakes     bool `json:"allow_retakes"`
	RetakeLimit      *int `json:"retake_limit" validate:"omitempty,min=0"`
	IsActive         bool `json:"is_active"`
	ResultsPublished bool `json:"results_published"`

	// Flat pool sources, applied in this precedence: explicit ids, rules,
	// free-text command. Ignored for modular assessments.
	QuestionIDs []string        `json:"question_ids"`
	Rules       []SelectionRule `json:"rules"`
	Command     string          `json:"command"`
}

type UpdateAssessmentRequest struct {
	Title            *string `json:"title" validate:"omitempty,max=200"`
	Description      *string `json:"description"`
	TotalTimeMinutes *int    `json:"total_time_minutes" validate:"omitempty,min=0"`
	ShuffleQuestions *bool   `json:"shuffle_questions"`
	ShuffleChoices   *bool   `json:"shuffle_choices"`
	AllowRetakes     *bool   `json:"allow_retakes"`
	RetakeLimit      *int    `json:"retake_limit" validate:"omitempty,min=0"`
	ClearRetakeLimit bool    `json:"clear_retake_limit"`
	IsActive         *bool   `json:"is_active"`
	ResultsPublished *bool   `json:"results_published"`
}

// GeneratePoolRequest re-runs the selection engine against an existing flat
// assessment. Append mode excludes already-pooled ids and extends the pool;
// replace mode discards it first.
type GeneratePoolRequest struct {
	Rules   []SelectionRule `json:"rules"`
	Command string          `json:"command"`
	Append  bool            `json:"append"`
}

type SetPoolRequest struct {
	QuestionIDs []string `json:"question_ids" validate:"required,min=1"`
}

type ReplaceQuestionRequest struct {
	OldQuestionID string `json:"old_question_id" validate:"required,uuid"`
	NewQuestionID string `json:"new_question_id" validate:"required,uuid"`
}

type SetOverrideRequest struct {
	QuestionID string                  `json:"question_id" validate:"required,uuid"`
	Override   models.QuestionOverride `json:"override"`
	Clear      bool                    `json:"clear"`
}

type SetModuleRequest struct {
	Subject          models.Subject `json:"subject" validate:"required,subject"`
	ModuleIndex      int            `json:"module_index" validate:"required,min=1,max=2"`
	QuestionIDs      []string       `json:"question_ids" validate:"required"`
	TimeLimitMinutes *int           `json:"time_limit_minutes" validate:"omitempty,min=1"`
}

type AccessGrantInput struct {
	StudentID    string     `json:"student_id" validate:"required"`
	AttemptLimit *int       `json:"attempt_limit" validate:"omitempty,min=0"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type ListAssessmentsRequest struct {
	CourseID *string                `json:"course_id"`
	Kind     *models.AssessmentKind `json:"kind"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// StudentAssessmentView is one listing row enriched with the caller's own
// state: lock reason, latest attempt and how many attempts remain.
type StudentAssessmentView struct {
	AssessmentSummary
	Locked        bool                  `json:"locked"`
	LockReason    string                `json:"lock_reason,omitempty"`
	AttemptsUsed  int                   `json:"attempts_used"`
	AttemptLimit  *int                  `json:"attempt_limit"`
	LatestAttempt *LatestAttemptSummary `json:"latest_attempt,omitempty"`
}

type LatestAttemptSummary struct {
	AttemptID   string               `json:"attempt_id"`
	Status      models.AttemptStatus `json:"status"`
	SubmittedAt *time.Time           `json:"submitted_at,omitempty"`
	// Scores appear only when results are published or the caller is staff.
	TotalScore *int     `json:"total_score,omitempty"`
	Score      *float64 `json:"score,omitempty"`
}

type AssessmentService interface {
	Create(ctx context.Context, req *CreateAssessmentRequest, actor Actor) (*models.Assessment, error)
	Update(ctx context.Context, id string, req *UpdateAssessmentRequest, actor Actor) (*models.Assessment, error)
	Delete(ctx context.Context, id string, actor Actor) error
	Get(ctx context.Context, id string, actor Actor) (*models.Assessment, error)
	List(ctx context.Context, req *ListAssessmentsRequest, actor Actor) ([]*StudentAssessmentView, error)

	GeneratePool(ctx context.Context, id string, req *GeneratePoolRequest, actor Actor) (*models.Assessment, error)
	SetPool(ctx context.Context, id string, req *SetPoolRequest, actor Actor) (*models.Assessment, error)
	AddQuestion(ctx context.Context, id, questionID string, actor Actor) (*models.Assessment, error)
	RemoveQuestion(ctx context.Context, id, questionID string, actor Actor) (*models.Assessment, error)
	ReplaceQuestion(ctx context.Context, id string, req *ReplaceQuestionRequest, actor Actor) (*models.Assessment, error)
	SetOverride(ctx context.Context, id string, req *SetOverrideRequest, actor Actor) error

	SetModule(ctx context.Context, id string, req *SetModuleRequest, actor Actor) (*models.AssessmentModule, error)

	GrantAccess(ctx context.Context, id string, grant *AccessGrantInput, actor Actor) error
	RevokeAccess(ctx context.Context, id, studentID string, actor Actor) error
	ReplaceAccess(ctx context.Context, id string, grants []*AccessGrantInput, actor Actor) error
	ListAccess(ctx context.Context, id string, actor Actor) ([]*models.AccessGrant, error)
}

// ===== STAFF REPORTING =====

type MistakeEntry struct {
	QuestionID   string         `json:"question_id"`
	Subject      models.Subject `json:"subject"`
	Topic        string         `json:"topic"`
	Stem         string         `json:"stem"`
	Answered     bool           `json:"answered"`
	YourAnswer   *string        `json:"your_answer,omitempty"`
	YourText     *string        `json:"your_text,omitempty"`
	CorrectLabel *string        `json:"correct_label,omitempty"`
	CorrectText  *string        `json:"correct_text,omitempty"`
}

type StudentReportRow struct {
	StudentID    string         `json:"student_id"`
	Username     string         `json:"username"`
	DisplayName  string         `json:"display_name"`
	AttemptsUsed int            `json:"attempts_used"`
	AttemptID    string         `json:"attempt_id"`
	SubmittedAt  *time.Time     `json:"submitted_at"`
	ScoreVerbal  int            `json:"score_verbal"`
	ScoreMath    int            `json:"score_math"`
	TotalScore   int            `json:"total_score"`
	TimeSpent    int            `json:"time_spent"`
	Mistakes     []MistakeEntry `json:"mistakes"`
}

type AttemptsReport struct {
	AssessmentID string             `json:"assessment_id"`
	Title        string             `json:"title"`
	GeneratedAt  time.Time          `json:"generated_at"`
	Rows         []StudentReportRow `json:"rows"`
}

type ReportService interface {
	// AttemptsReport builds the latest-submitted-attempt-per-student roster
	// with mistakes. Staff only.
	AttemptsReport(ctx context.Context, assessmentID string, actor Actor) (*AttemptsReport, error)
	// ExportAttemptsReport renders the same report as an xlsx workbook.
	ExportAttemptsReport(ctx context.Context, assessmentID string, actor Actor) ([]byte, error)

	SearchQuestions(ctx context.Context, filters repositories.QuestionSearchFilters, actor Actor) ([]*models.Question, error)
	TopicMap(ctx context.Context, actor Actor) ([]repositories.TopicCount, error)

	// SearchStudents finds active students by name or username for the
	// access-grant roster screens. Staff only.
	SearchStudents(ctx context.Context, query string, limit int, actor Actor) ([]*models.User, error)
}
