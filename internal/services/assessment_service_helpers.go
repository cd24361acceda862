package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/datatypes"
)

// ===== POOL EDITING (flat assessments) =====

func (s *assessmentService) flatAssessment(ctx context.Context, repo repositories.Repository, id string) (*models.Assessment, error) {
	assessment, err := s.getAssessment(ctx, repo, id)
	if err != nil {
		return nil, err
	}
	if assessment.Kind != models.KindFlat {
		return nil, NewBusinessRuleError("flat_pool_only",
			"modular assessments manage questions per module", map[string]interface{}{
				"assessment_id": id,
			})
	}
	return assessment, nil
}

// GeneratePool re-runs the selection engine against an existing assessment.
// Append mode keeps the current pool and excludes it from the draw; replace
// mode discards it. Nothing is committed on a selection failure.
func (s *assessmentService) GeneratePool(ctx context.Context, id string, req *GeneratePoolRequest, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, id, "generate_pool"); err != nil {
		return nil, err
	}

	rules := req.Rules
	if len(rules) == 0 && req.Command != "" {
		rules = s.selection.ParseCommand(req.Command)
		if len(rules) == 0 {
			return nil, NewValidationError("command", "could not parse any selection rules", req.Command)
		}
	}
	if len(rules) == 0 {
		return nil, NewValidationError("rules", "rules or command required", nil)
	}

	var result *models.Assessment
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		assessment, txErr := s.flatAssessment(ctx, tx, id)
		if txErr != nil {
			return txErr
		}

		var exclude []string
		if req.Append {
			exclude = assessment.Pool()
		}
		picked, txErr := s.selection.Generate(ctx, rules, exclude)
		if txErr != nil {
			return txErr
		}

		pool := picked
		if req.Append {
			pool = append(append([]string(nil), assessment.Pool()...), picked...)
		}
		assessment.QuestionIDs = datatypes.NewJSONType(dedupe(pool))
		if txErr = s.recountSubjects(ctx, tx, assessment); txErr != nil {
			return txErr
		}
		result = assessment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Assessment pool generated",
		"assessment_id", id,
		"append", req.Append,
		"pool_size", len(result.Pool()))
	return result, nil
}

func (s *assessmentService) SetPool(ctx context.Context, id string, req *SetPoolRequest, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, id, "set_pool"); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var result *models.Assessment
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		assessment, txErr := s.flatAssessment(ctx, tx, id)
		if txErr != nil {
			return txErr
		}
		if txErr = s.verifyQuestionIDs(ctx, tx, req.QuestionIDs); txErr != nil {
			return txErr
		}
		assessment.QuestionIDs = datatypes.NewJSONType(dedupe(req.QuestionIDs))
		if txErr = s.recountSubjects(ctx, tx, assessment); txErr != nil {
			return txErr
		}
		result = assessment
		return nil
	})
	return result, err
}

func (s *assessmentService) AddQuestion(ctx context.Context, id, questionID string, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, id, "add_question"); err != nil {
		return nil, err
	}

	var result *models.Assessment
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		assessment, txErr := s.flatAssessment(ctx, tx, id)
		if txErr != nil {
			return txErr
		}
		if txErr = s.verifyQuestionIDs(ctx, tx, []string{questionID}); txErr != nil {
			return txErr
		}

		pool := assessment.Pool()
		for _, existing := range pool {
			if existing == questionID {
				return fmt.Errorf("%w: question already in pool", ErrConflict)
			}
		}
		assessment.QuestionIDs = datatypes.NewJSONType(append(pool, questionID))
		if txErr = s.recountSubjects(ctx, tx, assessment); txErr != nil {
			return txErr
		}
		result = assessment
		return nil
	})
	return result, err
}

func (s *assessmentService) RemoveQuestion(ctx context.Context, id, questionID string, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, id, "remove_question"); err != nil {
		return nil, err
	}

	var result *models.Assessment
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		assessment, txErr := s.flatAssessment(ctx, tx, id)
		if txErr != nil {
			return txErr
		}

		pool := assessment.Pool()
		kept := make([]string, 0, len(pool))
		for _, existing := range pool {
			if existing != questionID {
				kept = append(kept, existing)
			}
		}
		if len(kept) == len(pool) {
			return ErrQuestionNotFound
		}
		assessment.QuestionIDs = datatypes.NewJSONType(kept)
		if txErr = s.recountSubjects(ctx, tx, assessment); txErr != nil {
			return txErr
		}
		result = assessment
		return nil
	})
	return result, err
}

func (s *assessmentService) ReplaceQuestion(ctx context.Context, id string, req *ReplaceQuestionRequest, actor Actor) (*models.Assessment, error) {
	if err := s.requireStaff(actor, id, "replace_question"); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var result *models.Assessment
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		assessment, txErr := s.flatAssessment(ctx, tx, id)
		if txErr != nil {
			return txErr
		}
		if txErr = s.verifyQuestionIDs(ctx, tx, []string{req.NewQuestionID}); txErr != nil {
			return txErr
		}

		pool := assessment.Pool()
		replaced := false
		for i, existing := range pool {
			if existing == req.NewQuestionID {
				return fmt.Errorf("%w: replacement question already in pool", ErrConflict)
			}
			if existing == req.OldQuestionID {
				pool[i] = req.NewQuestionID
				replaced = true
			}
		}
		if !replaced {
			return ErrQuestionNotFound
		}
		assessment.QuestionIDs = datatypes.NewJSONType(pool)
		if txErr = s.recountSubjects(ctx, tx, assessment); txErr != nil {
			return txErr
		}
		result = assessment
		return nil
	})
	return result, err
}

// ===== OVERRIDES =====

// SetOverride patches one question's displayed content for this assessment
// only; Clear removes the patch. The bank row is never touched.
func (s *assessmentService) SetOverride(ctx context.Context, id string, req *SetOverrideRequest, actor Actor) error {
	if err := s.requireStaff(actor, id, "set_override"); err != nil {
		return err
	}
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	if !req.Clear {
		if err := s.questionValidator.ValidateOverride(&req.Override); err != nil {
			return NewValidationError("override", err.Error(), nil)
		}
	}

	return s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		assessment, txErr := s.getAssessment(ctx, tx, id)
		if txErr != nil {
			return txErr
		}

		overrides := assessment.Overrides()
		if req.Clear {
			delete(overrides, req.QuestionID)
		} else {
			overrides[req.QuestionID] = req.Override
		}
		return tx.Assessment().UpdateOverrides(ctx, id, overrides)
	})
}

// ===== MODULES =====

// SetModule replaces one module's pool. The pool length must equal the
// module's required count exactly before any attempt may start against it.
func (s *assessmentService) SetModule(ctx context.Context, id string, req *SetModuleRequest, actor Actor) (*models.AssessmentModule, error) {
	if err := s.requireStaff(actor, id, "set_module"); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	required := requiredCountFor(req.Subject)
	if len(req.QuestionIDs) != required {
		return nil, NewBusinessRuleError("module_pool_size",
			fmt.Sprintf("%s modules require exactly %d questions", req.Subject, required),
			map[string]interface{}{"provided": len(req.QuestionIDs)})
	}

	var module *models.AssessmentModule
	err := s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		assessment, txErr := s.getAssessment(ctx, tx, id)
		if txErr != nil {
			return txErr
		}
		if assessment.Kind != models.KindModular {
			return NewBusinessRuleError("modular_only",
				"flat assessments have no modules", nil)
		}
		if txErr = s.verifyQuestionIDs(ctx, tx, req.QuestionIDs); txErr != nil {
			return txErr
		}

		module = &models.AssessmentModule{
			AssessmentID:  id,
			Subject:       req.Subject,
			ModuleIndex:   req.ModuleIndex,
			QuestionIDs:   datatypes.NewJSONType(dedupe(req.QuestionIDs)),
			RequiredCount: required,
		}
		if req.TimeLimitMinutes != nil {
			module.TimeLimitMinutes = *req.TimeLimitMinutes
		} else if req.Subject == models.SubjectMath {
			module.TimeLimitMinutes = 35
		} else {
			module.TimeLimitMinutes = 32
		}
		return tx.Assessment().UpsertModule(ctx, module)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Module pool set",
		"assessment_id", id,
		"module", module.Key(),
		"questions", len(module.QuestionIDs.Data()))
	return module, nil
}

// ===== ACCESS GRANTS =====

func (s *assessmentService) GrantAccess(ctx context.Context, id string, grant *AccessGrantInput, actor Actor) error {
	if err := s.requireStaff(actor, id, "grant_access"); err != nil {
		return err
	}
	if err := s.validator.Validate(grant); err != nil {
		return err
	}

	return s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		if _, txErr := s.getAssessment(ctx, tx, id); txErr != nil {
			return txErr
		}
		if _, txErr := tx.User().GetByID(ctx, grant.StudentID); txErr != nil {
			if repositories.IsNotFoundError(txErr) {
				return fmt.Errorf("%w: %s", ErrUserNotFound, grant.StudentID)
			}
			return fmt.Errorf("failed to verify student: %w", txErr)
		}
		grantedBy := actor.UserID
		return tx.Access().Upsert(ctx, &models.AccessGrant{
			AssessmentID: id,
			StudentID:    grant.StudentID,
			AttemptLimit: grant.AttemptLimit,
			ExpiresAt:    grant.ExpiresAt,
			GrantedBy:    &grantedBy,
			IsActive:     true,
		})
	})
}

func (s *assessmentService) RevokeAccess(ctx context.Context, id, studentID string, actor Actor) error {
	if err := s.requireStaff(actor, id, "revoke_access"); err != nil {
		return err
	}
	err := s.repo.Access().Revoke(ctx, id, studentID)
	if repositories.IsNotFoundError(err) {
		return ErrNotFound
	}
	return err
}

// ReplaceAccess atomically swaps the whole grant set: delete-then-insert in
// one transaction so no reader ever observes the zero-grant window that
// would widen access to the open pool.
func (s *assessmentService) ReplaceAccess(ctx context.Context, id string, grants []*AccessGrantInput, actor Actor) error {
	if err := s.requireStaff(actor, id, "replace_access"); err != nil {
		return err
	}
	for _, g := range grants {
		if err := s.validator.Validate(g); err != nil {
			return err
		}
	}

	return s.repo.WithTransaction(ctx, func(tx repositories.Repository) error {
		if _, txErr := s.getAssessment(ctx, tx, id); txErr != nil {
			return txErr
		}
		if txErr := verifyStudentIDs(ctx, tx, grants); txErr != nil {
			return txErr
		}
		grantedBy := actor.UserID
		rows := make([]*models.AccessGrant, 0, len(grants))
		for _, g := range grants {
			rows = append(rows, &models.AccessGrant{
				AssessmentID: id,
				StudentID:    g.StudentID,
				AttemptLimit: g.AttemptLimit,
				ExpiresAt:    g.ExpiresAt,
				GrantedBy:    &grantedBy,
				IsActive:     true,
			})
		}
		return tx.Access().ReplaceAll(ctx, id, rows)
	})
}

// verifyStudentIDs fails with ErrUserNotFound naming every unknown grantee.
func verifyStudentIDs(ctx context.Context, repo repositories.Repository, grants []*AccessGrantInput) error {
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.StudentID)
	}
	users, err := repo.User().GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to verify students: %w", err)
	}
	known := make(map[string]struct{}, len(users))
	for _, u := range users {
		known[u.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func (s *assessmentService) ListAccess(ctx context.Context, id string, actor Actor) ([]*models.AccessGrant, error) {
	if err := s.requireStaff(actor, id, "list_access"); err != nil {
		return nil, err
	}
	if _, err := s.getAssessment(ctx, s.repo, id); err != nil {
		return nil, err
	}
	return s.repo.Access().ListActive(ctx, id)
}
