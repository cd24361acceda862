package repositories

import (
	"context"
	"errors"

	"github.com/prep-portal/assessment-service/internal/models"
	"gorm.io/gorm"
)

// Repository aggregates the per-entity repositories behind one handle so a
// service can run several of them inside a single transaction via
// WithTransaction.
type Repository interface {
	Question() QuestionRepository
	Assessment() AssessmentRepository
	Attempt() AttemptRepository
	Access() AccessRepository
	User() UserRepository
	Enrollment() EnrollmentRepository

	// WithTransaction runs fn against a Repository bound to one database
	// transaction; fn returning an error rolls everything back.
	WithTransaction(ctx context.Context, fn func(Repository) error) error

	Ping(ctx context.Context) error
	Close() error
}

// IsNotFoundError reports whether err is the store's record-missing error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicateError reports whether err is a unique-constraint violation.
func IsDuplicateError(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// ===== SHARED FILTER STRUCTS =====

// SelectionFilters narrows the published-question candidate set for one
// selection rule. Topic/subtopic matching is case-insensitive, OR across
// values.
type SelectionFilters struct {
	Subject    models.Subject
	Topics     []string
	Subtopics  []string
	Difficulty *models.DifficultyLevel
	ExcludeIDs []string
}

type QuestionSearchFilters struct {
	Subject    *models.Subject
	Topic      *string
	Subtopic   *string
	Difficulty *models.DifficultyLevel
	Query      string
	Limit      int
}

type AssessmentFilters struct {
	CourseID *string
	Kind     *models.AssessmentKind
	Limit    int
	Offset   int
}

// TopicCount is one row of the per-subject topic map.
type TopicCount struct {
	Subject  models.Subject `json:"subject"`
	Topic    string         `json:"topic"`
	Subtopic *string        `json:"subtopic"`
	Count    int            `json:"count"`
}

// ===== PER-ENTITY REPOSITORIES =====

type QuestionRepository interface {
	Create(ctx context.Context, question *models.Question) error
	GetByID(ctx context.Context, id string) (*models.Question, error)
	// GetByIDs returns the questions for ids in unspecified order; callers
	// reorder against their own id list.
	GetByIDs(ctx context.Context, ids []string) ([]*models.Question, error)
	Search(ctx context.Context, filters QuestionSearchFilters) ([]*models.Question, error)

	// CandidateIDs returns ids of published questions matching the filters,
	// for uniform sampling by the selection engine.
	CandidateIDs(ctx context.Context, filters SelectionFilters) ([]string, error)

	// CountBySubject re-derives subject totals from the live pool.
	CountBySubject(ctx context.Context, ids []string) (map[models.Subject]int, error)

	TopicMap(ctx context.Context) ([]TopicCount, error)
}

type AssessmentRepository interface {
	Create(ctx context.Context, assessment *models.Assessment) error
	GetByID(ctx context.Context, id string) (*models.Assessment, error)
	GetByIDWithModules(ctx context.Context, id string) (*models.Assessment, error)
	Update(ctx context.Context, assessment *models.Assessment) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filters AssessmentFilters) ([]*models.Assessment, error)

	UpdatePool(ctx context.Context, id string, questionIDs []string, verbalCount, mathCount int) error
	UpdateOverrides(ctx context.Context, id string, overrides map[string]models.QuestionOverride) error

	GetModules(ctx context.Context, assessmentID string) ([]*models.AssessmentModule, error)
	UpsertModule(ctx context.Context, module *models.AssessmentModule) error
}

type AttemptRepository interface {
	Create(ctx context.Context, attempt *models.Attempt) error
	GetByID(ctx context.Context, id string) (*models.Attempt, error)
	GetByIDWithDetails(ctx context.Context, id string) (*models.Attempt, error)
	Update(ctx context.Context, attempt *models.Attempt) error

	// GetInProgress returns the running attempt for the pair, or nil when
	// there is none.
	GetInProgress(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error)
	CountSubmitted(ctx context.Context, assessmentID, studentID string) (int64, error)
	LatestForStudent(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error)
	LatestSubmitted(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error)

	ListSubmittedByAssessment(ctx context.Context, assessmentID string) ([]*models.Attempt, error)
	SubmittedCounts(ctx context.Context, assessmentID string) (map[string]int, error)

	// MarkSubmitted flips the attempt from in_progress to submitted with its
	// final answers and scores. Returns false when the attempt was already
	// submitted by a concurrent call (compare-and-swap on status).
	MarkSubmitted(ctx context.Context, attempt *models.Attempt) (bool, error)
}

type AccessRepository interface {
	GetForStudent(ctx context.Context, assessmentID, studentID string) (*models.AccessGrant, error)
	ListActive(ctx context.Context, assessmentID string) ([]*models.AccessGrant, error)
	Count(ctx context.Context, assessmentID string) (int64, error)
	Upsert(ctx context.Context, grant *models.AccessGrant) error
	Revoke(ctx context.Context, assessmentID, studentID string) error

	// ReplaceAll swaps the full grant set for an assessment. Callers must run
	// it inside WithTransaction so no reader observes the empty window.
	ReplaceAll(ctx context.Context, assessmentID string, grants []*models.AccessGrant) error
}

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.User, error)
	SearchStudents(ctx context.Context, query string, limit int) ([]*models.User, error)
}

type EnrollmentRepository interface {
	IsEnrolled(ctx context.Context, courseID, userID string) (bool, error)
}
