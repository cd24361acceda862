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

type assessmentService struct {
	repo              repositories.Repository
	logger            *slog.Logger
	validator         *utils.Validator
	questionValidator *utils.QuestionValidator
	selection         SelectionService
	access            *accessControl
	publisher         events.EventPublisher
}

func NewAssessmentService(
	repo repositories.Repository,
	logger *slog.Logger,
	validator *utils.Validator,
	selection SelectionService,
	publisher events.EventPublisher,
) AssessmentService {
	return &assessmentService{
		repo:              repo,
		logger:            logger,
		validator:         validator,
		questionValidator: utils.NewQuestionValidator(),
		selection:         selection,
		access:            newAccessControl(repo),
		publisher:         publisher,
	}
}

// Default module layout for new modular assessments.
var defaultModuleLayout = []struct {
	subject models.Subject
	index   int
	count   int
	minutes int
}{
	{models.SubjectVerbal, 1, 27, 32},
	{models.SubjectVerbal, 2, 27, 32},
	{models.SubjectMath, 1, 22, 35},
	{models.SubjectMath, 2, 22, 35},
}

func requiredCountFor(subject models.Subject) int {
	if subject == models.SubjectMath {
		return 22
	}
	return 27
}

// ===== CRUD =====

func (s *assessmentService) Create(ctx context.Context, req *CreateAssessmentRequest, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, "", "create"); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	assessment := &models.Assessment{
		Kind:             req.Kind,
		CourseID:         req.CourseID,
		Title:            req.Title,
		TotalTimeMinutes: req.TotalTimeMinutes,
		ShuffleQuestions: req.ShuffleQuestions,
		ShuffleChoices:   req.ShuffleChoices,
		AllowRetakes:     req.AllowRetakes,
		RetakeLimit:      req.RetakeLimit,
		IsActive:         req.IsActive,
		ResultsPublished: req.ResultsPublished,
		CreatedBy:        actor.UserID,
	}
	if req.Description != "" {
		assessment.Description = &req.Description
	}

	if req.Kind == models.KindFlat {
		pool, err := s.resolvePool(ctx, req)
		if err != nil {
			return nil, err
		}
		assessment.QuestionIDs = datatypes.NewJSONType(pool)
	}

	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		if err := tx.Assessment().Create(ctx, assessment); err != nil {
			return fmt.Errorf("failed to create assessment: %w", err)
		}

		if req.Kind == models.KindFlat {
			return s.recountSubjects(ctx, tx, assessment)
		}

		// Modular assessments start with the standard four-module layout;
		// staff fill the pools afterwards.
		for _, layout := range defaultModuleLayout {
			module := &models.AssessmentModule{
				AssessmentID:     assessment.ID,
				Subject:          layout.subject,
				ModuleIndex:      layout.index,
				QuestionIDs:      datatypes.NewJSONType([]string{}),
				RequiredCount:    layout.count,
				TimeLimitMinutes: layout.minutes,
			}
			if err := tx.Assessment().UpsertModule(ctx, module); err != nil {
				return fmt.Errorf("failed to create default module %s: %w", module.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Assessment created",
		"assessment_id", assessment.ID,
		"kind", assessment.Kind,
		"title", assessment.Title,
		"created_by", actor.UserID)
	return s.repo.Assessment().GetByIDWithModules(ctx, assessment.ID)
}

// resolvePool materializes a flat pool from the request, preferring explicit
// ids over rules over the free-text command.
func (s *assessmentService) resolvePool(ctx context.Context, req *CreateAssessmentRequest) ([]string, error) {
	if len(req.QuestionIDs) > 0 {
		if err := s.verifyQuestionIDs(ctx, s.repo, req.QuestionIDs); err != nil {
			return nil, err
		}
		return dedupe(req.QuestionIDs), nil
	}

	rules := req.Rules
	if len(rules) == 0 && req.Command != "" {
		rules = s.selection.ParseCommand(req.Command)
		if len(rules) == 0 {
			return nil, NewValidationError("command", "could not parse any selection rules", req.Command)
		}
	}
	if len(rules) == 0 {
		return []string{}, nil
	}
	return s.selection.Generate(ctx, rules, nil)
}

func (s *assessmentService) Update(ctx context.Context, id string, req *UpdateAssessmentRequest, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, id, "update"); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	assessment, err := s.getAssessment(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}

	publishing := false
	if req.Title != nil {
		assessment.Title = *req.Title
	}
	if req.Description != nil {
		assessment.Description = req.Description
	}
	if req.TotalTimeMinutes != nil {
		assessment.TotalTimeMinutes = *req.TotalTimeMinutes
	}
	if req.ShuffleQuestions != nil {
		assessment.ShuffleQuestions = *req.ShuffleQuestions
	}
	if req.ShuffleChoices != nil {
		assessment.ShuffleChoices = *req.ShuffleChoices
	}
	if req.AllowRetakes != nil {
		assessment.AllowRetakes = *req.AllowRetakes
	}
	if req.RetakeLimit != nil {
		assessment.RetakeLimit = req.RetakeLimit
	} else if req.ClearRetakeLimit {
		assessment.RetakeLimit = nil
	}
	if req.IsActive != nil {
		assessment.IsActive = *req.IsActive
	}
	if req.ResultsPublished != nil {
		publishing = *req.ResultsPublished && !assessment.ResultsPublished
		assessment.ResultsPublished = *req.ResultsPublished
	}

	if err := s.repo.Assessment().Update(ctx, assessment); err != nil {
		return nil, fmt.Errorf("failed to update assessment: %w", err)
	}

	if publishing {
		s.publishResultsReleased(ctx, assessment, actor)
	}

	s.logger.Info("Assessment updated", "assessment_id", id, "updated_by", actor.UserID)
	return assessment, nil
}

func (s *assessmentService) Delete(ctx context.Context, id string, actor Actor) error {
	if err := s.requireStaff(actor, id, "delete"); err != nil {
		return err
	}
	if _, err := s.getAssessment(ctx, s.repo, id); err != nil {
		return err
	}
	if err := s.repo.Assessment().Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete assessment: %w", err)
	}
	s.logger.Info("Assessment deleted", "assessment_id", id, "deleted_by", actor.UserID)
	return nil
}

func (s *assessmentService) Get(ctx context.Context, id string, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, id, "read"); err != nil {
		return nil, err
	}
	assessment, err := s.repo.Assessment().GetByIDWithModules(ctx, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return assessment, nil
}

// List returns listing rows enriched with the caller's own lock state,
// attempt usage and latest attempt. Scores on the latest attempt are shown
// only when results are published or the caller is staff.
func (s *assessmentService) List(ctx context.Context, req *ListAssessmentsRequest, actor Actor) ([]*StudentAssessmentView, error) {
	filters := repositories.AssessmentFilters{
		CourseID: req.CourseID,
		Kind:     req.Kind,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	assessments, err := s.repo.Assessment().List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}

	views := make([]*StudentAssessmentView, 0, len(assessments))
	for _, assessment := range assessments {
		if !assessment.IsActive && !actor.IsStaff() {
			continue
		}

		view := &StudentAssessmentView{AssessmentSummary: summaryOf(assessment)}

		decision, err := s.access.Authorize(ctx, assessment, actor)
		if err != nil {
			return nil, err
		}
		view.Locked = decision.Locked || !decision.Allowed
		view.LockReason = decision.LockReason
		if !decision.Allowed && !decision.Locked {
			view.LockReason = "no access"
		}
		view.AttemptLimit = decision.EffectiveLimit

		count, err := s.repo.Attempt().CountSubmitted(ctx, assessment.ID, actor.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to count attempts: %w", err)
		}
		view.AttemptsUsed = int(count)

		latest, err := s.repo.Attempt().LatestForStudent(ctx, assessment.ID, actor.UserID)
		if err != nil && !repositories.IsNotFoundError(err) {
			return nil, fmt.Errorf("failed to load latest attempt: %w", err)
		}
		if latest != nil {
			summary := &LatestAttemptSummary{
				AttemptID:   latest.ID,
				Status:      latest.Status,
				SubmittedAt: latest.SubmittedAt,
			}
			if latest.Status == models.AttemptSubmitted &&
				(assessment.ResultsPublished || actor.IsStaff()) {
				summary.TotalScore = &latest.TotalScore
				summary.Score = &latest.Score
			}
			view.LatestAttempt = summary
		}

		views = append(views, view)
	}
	return views, nil
}

// ===== HELPERS =====

func (s *assessmentService) requireStaff(actor Actor, resourceID, action string) error {
	if actor.IsStaff() {
		return nil
	}
	return NewPermissionError(actor.UserID, resourceID, "assessment", action, "staff role required")
}

func (s *assessmentService) getAssessment(ctx context.Context, repo repositories.Repository, id string) (*models.Assessment, error) {
	assessment, err := repo.Assessment().GetByID(ctx, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return assessment, nil
}

// verifyQuestionIDs fails with a validation error naming any unknown ids.
func (s *assessmentService) verifyQuestionIDs(ctx context.Context, repo repositories.Repository, ids []string) error {
	questions, err := repo.Question().GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to verify question ids: %w", err)
	}
	known := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		known[q.ID] = struct{}{}
	}
	var missing []string
	for _, id := range dedupe(ids) {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return NewValidationError("question_ids", "unknown question ids", missing)
	}
	return nil
}

// recountSubjects re-derives cached subject totals from the live pool and
// persists pool plus counts together.
func (s *assessmentService) recountSubjects(ctx context.Context, tx repositories.Repository, assessment *models.Assessment) error {
	counts, err := tx.Question().CountBySubject(ctx, assessment.Pool())
	if err != nil {
		return fmt.Errorf("failed to recount subjects: %w", err)
	}
	assessment.VerbalQuestionCount = counts[models.SubjectVerbal]
	assessment.MathQuestionCount = counts[models.SubjectMath]
	return tx.Assessment().UpdatePool(ctx, assessment.ID, assessment.Pool(),
		assessment.VerbalQuestionCount, assessment.MathQuestionCount)
}

func (s *assessmentService) publishResultsReleased(ctx context.Context, assessment *models.Assessment, actor Actor) {
	if s.publisher == nil {
		return
	}
	event := events.NewLifecycleEvent(events.EventResultsPublished, events.ResultsPublishedEvent{
		AssessmentID: assessment.ID,
		PublishedBy:  actor.UserID,
		PublishedAt:  time.Now().UTC(),
	})
	if err := s.publisher.PublishLifecycleEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish results released event",
			"assessment_id", assessment.ID, "error", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
