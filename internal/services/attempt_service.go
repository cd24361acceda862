package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prep-portal/assessment-service/internal/events"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"github.com/prep-portal/assessment-service/internal/utils"
	"gorm.io/datatypes"
)

type attemptService struct {
	repo      repositories.Repository
	logger    *slog.Logger
	validator *utils.Validator
	shuffler  Shuffler
	access    *accessControl
	publisher events.EventPublisher
}

func NewAttemptService(
	repo repositories.Repository,
	logger *slog.Logger,
	validator *utils.Validator,
	shuffler Shuffler,
	publisher events.EventPublisher,
) AttemptService {
	return &attemptService{
		repo:      repo,
		logger:    logger,
		validator: validator,
		shuffler:  shuffler,
		access:    newAccessControl(repo),
		publisher: publisher,
	}
}

// ===== START =====

// Start creates a new attempt or resumes the caller's in-progress one.
// Idempotent: a second start with no intervening submit returns the same
// attempt id and the identical frozen question order.
func (s *attemptService) Start(ctx context.Context, req *StartAttemptRequest, actor Actor) (*StartAttemptResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	s.logger.Info("Starting attempt",
		"assessment_id", req.AssessmentID,
		"student_id", actor.UserID)

	assessment, err := s.repo.Assessment().GetByIDWithModules(ctx, req.AssessmentID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	if err := poolReady(assessment); err != nil {
		return nil, err
	}

	if _, err := s.access.Gate(ctx, assessment, actor); err != nil {
		return nil, err
	}

	attempt, resumed, resp, err := s.startOnce(ctx, assessment, actor)
	if repositories.IsDuplicateError(err) {
		// A concurrent start won the insert race against the partial unique
		// index on in-progress attempts; by now its row is committed and
		// visible, so the retry resumes it.
		attempt, resumed, resp, err = s.startOnce(ctx, assessment, actor)
	}
	if err != nil {
		return nil, err
	}

	s.publishStarted(ctx, attempt, resumed)

	s.logger.Info("Attempt ready",
		"attempt_id", attempt.ID,
		"assessment_id", assessment.ID,
		"resumed", resumed)
	return resp, nil
}

// startOnce runs one create-or-resume transaction. Callers retry on a
// duplicate-key error, which means another transaction created the row first.
func (s *attemptService) startOnce(ctx context.Context, assessment *models.Assessment, actor Actor) (*models.Attempt, bool, *StartAttemptResponse, error) {
	var (
		attempt *models.Attempt
		resumed bool
		resp    *StartAttemptResponse
	)
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		var txErr error
		attempt, txErr = tx.Attempt().GetInProgress(ctx, assessment.ID, actor.UserID)
		if txErr != nil {
			return fmt.Errorf("failed to look up running attempt: %w", txErr)
		}

		if attempt == nil {
			attempt = s.newAttempt(assessment, actor.UserID)
			if txErr = tx.Attempt().Create(ctx, attempt); txErr != nil {
				return fmt.Errorf("failed to create attempt: %w", txErr)
			}
		} else {
			resumed = true
		}

		resp, txErr = s.buildStartResponse(ctx, tx, assessment, attempt, resumed)
		return txErr
	})
	if err != nil {
		return nil, false, nil, err
	}
	return attempt, resumed, resp, nil
}

// newAttempt freezes the presentation order for a fresh attempt. Choice
// permutations are not generated here; they are filled in lazily the first
// time each question is presented so late override edits are still captured.
func (s *attemptService) newAttempt(assessment *models.Assessment, studentID string) *models.Attempt {
	var order models.QuestionOrder
	if assessment.Kind == models.KindModular {
		order.ByModule = make(map[string][]string, len(assessment.Modules))
		for _, m := range assessment.Modules {
			ids := append([]string(nil), m.QuestionIDs.Data()...)
			if assessment.ShuffleQuestions {
				s.shuffler.ShuffleIDs(ids)
			}
			order.ByModule[m.Key()] = ids
		}
	} else {
		order.Flat = append([]string(nil), assessment.Pool()...)
		if assessment.ShuffleQuestions {
			s.shuffler.ShuffleIDs(order.Flat)
		}
	}

	return &models.Attempt{
		AssessmentID:  assessment.ID,
		StudentID:     studentID,
		Status:        models.AttemptInProgress,
		QuestionOrder: datatypes.NewJSONType(order),
		ChoiceOrder:   datatypes.NewJSONType(models.ChoiceOrder{}),
		Answers:       datatypes.NewJSONType(map[string]string{}),
	}
}

// ===== SAVE =====

// Save upserts answers into the attempt's buffer and optionally updates the
// client-reported elapsed time. Never transitions state; repeated saves with
// the same payload are no-ops.
func (s *attemptService) Save(ctx context.Context, req *SaveAttemptRequest, actor Actor) error {
	if err := s.validator.Validate(req); err != nil {
		return err
	}

	return s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		attempt, err := s.ownedInProgress(ctx, tx, req.AttemptID, actor)
		if err != nil {
			return err
		}

		answers := attempt.AnswerMap()
		for qid, value := range req.Answers {
			answers[qid] = value
		}
		attempt.Answers = datatypes.NewJSONType(answers)
		if req.TimeSpent != nil {
			attempt.TimeSpent = *req.TimeSpent
		}

		if err := tx.Attempt().Update(ctx, attempt); err != nil {
			return fmt.Errorf("failed to save attempt: %w", err)
		}
		return nil
	})
}

// ===== SUBMIT =====

// Submit runs one scoring pass against the frozen order and permutations,
// then flips the attempt to submitted. The transition is a compare-and-swap
// on status so a concurrent double-submit scores exactly once.
func (s *attemptService) Submit(ctx context.Context, req *SubmitAttemptRequest, actor Actor) (*SubmitAttemptResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var (
		attempt    *models.Attempt
		assessment *models.Assessment
	)
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		var txErr error
		attempt, txErr = s.ownedInProgress(ctx, tx, req.AttemptID, actor)
		if txErr != nil {
			return txErr
		}

		assessment, txErr = tx.Assessment().GetByIDWithModules(ctx, attempt.AssessmentID)
		if txErr != nil {
			return fmt.Errorf("failed to get assessment: %w", txErr)
		}

		if req.Answers != nil {
			attempt.Answers = datatypes.NewJSONType(req.Answers)
		}
		if req.TimeSpent != nil {
			attempt.TimeSpent = *req.TimeSpent
		}

		if txErr = s.scoreAttempt(ctx, tx, assessment, attempt); txErr != nil {
			return txErr
		}

		swapped, txErr := tx.Attempt().MarkSubmitted(ctx, attempt)
		if txErr != nil {
			return fmt.Errorf("failed to mark attempt submitted: %w", txErr)
		}
		if !swapped {
			return ErrAttemptAlreadySubmitted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	released := assessment.ResultsPublished || actor.IsStaff()
	s.publishSubmitted(ctx, attempt, released)

	s.logger.Info("Attempt submitted",
		"attempt_id", attempt.ID,
		"assessment_id", assessment.ID,
		"total_score", attempt.TotalScore,
		"results_released", released)

	resp := &SubmitAttemptResponse{AttemptID: attempt.ID, ResultsReleased: released}
	if released {
		analytics := attempt.Analytics.Data()
		resp.ScoreVerbal = &attempt.ScoreVerbal
		resp.ScoreMath = &attempt.ScoreMath
		resp.TotalScore = &attempt.TotalScore
		resp.CorrectCount = &attempt.CorrectCount
		resp.TotalCount = &attempt.TotalCount
		resp.Score = &attempt.Score
		resp.ModuleScores = attempt.ModuleScores.Data()
		resp.Analytics = &analytics
	}
	return resp, nil
}

// scoreAttempt computes and stores every aggregate for one attempt: subject
// totals for flat assessments, per-module totals for modular ones, plus the
// topic and difficulty breakdowns in both cases.
func (s *attemptService) scoreAttempt(ctx context.Context, tx repositories.Repository, assessment *models.Assessment, attempt *models.Attempt) error {
	order := attempt.QuestionOrder.Data()
	answers := attempt.AnswerMap()
	perms := attempt.Permutations()

	allIDs := order.All(moduleKeys(assessment))
	questions, err := loadQuestionMap(ctx, tx, allIDs, assessment.Overrides())
	if err != nil {
		return err
	}

	if assessment.Kind == models.KindModular {
		moduleScores := make(map[string]models.ModuleScore, len(order.ByModule))
		var totalCorrect, totalCount int
		combined := ScoreResult{
			Totals:          map[models.Subject]models.CorrectTotal{},
			TopicStats:      map[string]models.CorrectTotal{},
			DifficultyStats: map[string]models.CorrectTotal{},
		}

		for key, ids := range order.ByModule {
			moduleQuestions := make(map[string]*models.Question, len(ids))
			for _, id := range ids {
				if q, ok := questions[id]; ok {
					moduleQuestions[id] = q
				}
			}
			result := scoreAnswers(moduleQuestions, answers, perms)
			correct, count := result.Correct(), result.Total()
			totalCorrect += correct
			totalCount += count
			var score float64
			if count > 0 {
				score = float64(correct) / float64(count)
			}
			moduleScores[key] = models.ModuleScore{Correct: correct, Total: count, Score: score}
			mergeStats(combined.Totals, result.Totals)
			mergeStats(combined.TopicStats, result.TopicStats)
			mergeStats(combined.DifficultyStats, result.DifficultyStats)
		}

		attempt.ModuleScores = datatypes.NewJSONType(moduleScores)
		attempt.CorrectCount = totalCorrect
		attempt.TotalCount = totalCount
		if totalCount > 0 {
			attempt.Score = float64(totalCorrect) / float64(totalCount)
		} else {
			attempt.Score = 0
		}
		attempt.ScoreVerbal = combined.Totals[models.SubjectVerbal].Correct
		attempt.ScoreMath = combined.Totals[models.SubjectMath].Correct
		attempt.TotalScore = totalCorrect
		attempt.Analytics = datatypes.NewJSONType(models.AttemptAnalytics{
			TopicAccuracy:      combined.TopicStats,
			DifficultyAccuracy: combined.DifficultyStats,
		})
		return nil
	}

	result := scoreAnswers(questions, answers, perms)
	attempt.ScoreVerbal = result.Totals[models.SubjectVerbal].Correct
	attempt.ScoreMath = result.Totals[models.SubjectMath].Correct
	attempt.TotalScore = attempt.ScoreVerbal + attempt.ScoreMath
	attempt.CorrectCount = result.Correct()
	attempt.TotalCount = result.Total()
	if attempt.TotalCount > 0 {
		attempt.Score = float64(attempt.CorrectCount) / float64(attempt.TotalCount)
	} else {
		attempt.Score = 0
	}
	attempt.Analytics = datatypes.NewJSONType(models.AttemptAnalytics{
		TopicAccuracy:      result.TopicStats,
		DifficultyAccuracy: result.DifficultyStats,
	})
	return nil
}

// ===== REVIEW =====

// Review returns the full graded view of a submitted attempt. Students see
// it only once results are published; staff always can.
func (s *attemptService) Review(ctx context.Context, attemptID string, actor Actor) (*ReviewResponse, error) {
	attempt, err := s.repo.Attempt().GetByIDWithDetails(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if attempt.StudentID != actor.UserID && !actor.IsStaff() {
		return nil, ErrAttemptAccessDenied
	}
	if attempt.Status != models.AttemptSubmitted {
		return nil, NewBusinessRuleError("attempt_submitted", "attempt has not been submitted yet", nil)
	}

	assessment := attempt.Assessment
	if assessment == nil {
		return nil, ErrAssessmentNotFound
	}
	if !assessment.ResultsPublished && !actor.IsStaff() {
		return nil, ErrResultsNotPublished
	}

	return s.buildReview(ctx, assessment, attempt)
}

// ReviewLatest finds the actor's most recent submitted attempt on the
// assessment and delegates to Review, so disclosure rules apply identically
// on both lookup paths.
func (s *attemptService) ReviewLatest(ctx context.Context, assessmentID string, actor Actor) (*ReviewResponse, error) {
	attempt, err := s.repo.Attempt().LatestSubmitted(ctx, assessmentID, actor.UserID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to find submitted attempt: %w", err)
	}
	return s.Review(ctx, attempt.ID, actor)
}

// ===== SHARED HELPERS =====

// ownedInProgress loads an attempt and enforces the ownership and state
// preconditions shared by save and submit.
func (s *attemptService) ownedInProgress(ctx context.Context, tx repositories.Repository, attemptID string, actor Actor) (*models.Attempt, error) {
	attempt, err := tx.Attempt().GetByID(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if attempt.StudentID != actor.UserID && !actor.IsStaff() {
		return nil, ErrAttemptAccessDenied
	}
	if attempt.Status == models.AttemptSubmitted {
		return nil, ErrAttemptAlreadySubmitted
	}
	return attempt, nil
}

func (s *attemptService) publishStarted(ctx context.Context, attempt *models.Attempt, resumed bool) {
	if s.publisher == nil {
		return
	}
	event := events.NewLifecycleEvent(events.EventAttemptStarted, events.AttemptStartedEvent{
		AttemptID:    attempt.ID,
		AssessmentID: attempt.AssessmentID,
		StudentID:    attempt.StudentID,
		Resumed:      resumed,
		StartedAt:    attempt.StartedAt,
	})
	if err := s.publisher.PublishLifecycleEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish attempt started event",
			"attempt_id", attempt.ID, "error", err)
	}
}

func (s *attemptService) publishSubmitted(ctx context.Context, attempt *models.Attempt, released bool) {
	if s.publisher == nil {
		return
	}
	submittedAt := time.Now().UTC()
	if attempt.SubmittedAt != nil {
		submittedAt = *attempt.SubmittedAt
	}
	event := events.NewLifecycleEvent(events.EventAttemptSubmitted, events.AttemptSubmittedEvent{
		AttemptID:       attempt.ID,
		AssessmentID:    attempt.AssessmentID,
		StudentID:       attempt.StudentID,
		SubmittedAt:     submittedAt,
		TotalScore:      attempt.TotalScore,
		ResultsReleased: released,
	})
	if err := s.publisher.PublishLifecycleEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish attempt submitted event",
			"attempt_id", attempt.ID, "error", err)
	}
}

// poolReady checks the start precondition on the assessment's pool: flat
// pools must be non-empty, every module pool must match its required count.
func poolReady(assessment *models.Assessment) error {
	if assessment.Kind == models.KindModular {
		if len(assessment.Modules) == 0 {
			return ErrModulePoolIncomplete
		}
		for _, m := range assessment.Modules {
			if !m.Complete() {
				return ErrModulePoolIncomplete
			}
		}
		return nil
	}
	if len(assessment.Pool()) == 0 {
		return ErrAssessmentEmptyPool
	}
	return nil
}

func moduleKeys(assessment *models.Assessment) []string {
	keys := make([]string, 0, len(assessment.Modules))
	for _, m := range assessment.Modules {
		keys = append(keys, m.Key())
	}
	return keys
}

func mergeStats[K comparable](dst, src map[K]models.CorrectTotal) {
	for k, v := range src {
		t := dst[k]
		t.Correct += v.Correct
		t.Total += v.Total
		dst[k] = t
	}
}
