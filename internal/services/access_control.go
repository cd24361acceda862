package services

import (
	"context"
	"fmt"
	"time"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
)

// AccessDecision is the access-control verdict for one (assessment, student)
// pair. Locked means visible-but-not-startable, a UI state rather than a
// request error; Allowed=false with Locked=false is a hard refusal.
type AccessDecision struct {
	Allowed    bool
	Locked     bool
	LockReason string

	// EffectiveLimit is the grant's attempt limit when set, else the
	// assessment's retake limit. Nil means unlimited.
	EffectiveLimit *int
	Grant          *models.AccessGrant
}

// accessControl evaluates the grant ledger under course-enrollment gating.
// Shared by the attempt state machine (hard gate) and listings (lock state).
type accessControl struct {
	repo repositories.Repository
	now  func() time.Time
}

func newAccessControl(repo repositories.Repository) *accessControl {
	return &accessControl{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Authorize evaluates one student against one assessment. Staff bypass the
// enrollment, allow-list and active checks; the retake limit is enforced
// separately and applies to staff too.
func (ac *accessControl) Authorize(ctx context.Context, assessment *models.Assessment, actor Actor) (*AccessDecision, error) {
	decision := &AccessDecision{EffectiveLimit: assessment.RetakeLimit}

	if actor.IsStaff() {
		decision.Allowed = true
		return decision, nil
	}

	if !assessment.IsActive {
		decision.Locked = true
		decision.LockReason = "assessment is not active"
		return decision, nil
	}

	if assessment.CourseID != nil {
		enrolled, err := ac.repo.Enrollment().IsEnrolled(ctx, *assessment.CourseID, actor.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to check enrollment: %w", err)
		}
		if !enrolled {
			return decision, nil
		}
	}

	// Any grant row, revoked or expired ones included, switches the
	// assessment to allow-list-only. Counting only active rows would reopen
	// the pool the moment the last grant is revoked.
	grantCount, err := ac.repo.Access().Count(ctx, assessment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count access grants: %w", err)
	}
	if grantCount == 0 {
		decision.Allowed = true
		return decision, nil
	}

	grant, err := ac.repo.Access().GetForStudent(ctx, assessment.ID, actor.UserID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			decision.Locked = true
			decision.LockReason = "access not granted"
			return decision, nil
		}
		return nil, fmt.Errorf("failed to load access grant: %w", err)
	}
	if !grant.IsActive {
		decision.Locked = true
		decision.LockReason = "access revoked"
		return decision, nil
	}
	if grant.Expired(ac.now()) {
		decision.Locked = true
		decision.LockReason = "access expired"
		return decision, nil
	}

	decision.Allowed = true
	decision.Grant = grant
	if grant.AttemptLimit != nil {
		decision.EffectiveLimit = grant.AttemptLimit
	}
	return decision, nil
}

// CheckRetakes enforces the retake policy against submitted attempts. Staff
// skip the allow-retakes switch but stay subject to the assessment's own
// retake limit.
func (ac *accessControl) CheckRetakes(ctx context.Context, assessment *models.Assessment, decision *AccessDecision, actor Actor) error {
	if actor.IsStaff() {
		if assessment.RetakeLimit == nil {
			return nil
		}
		count, err := ac.repo.Attempt().CountSubmitted(ctx, assessment.ID, actor.UserID)
		if err != nil {
			return fmt.Errorf("failed to count submitted attempts: %w", err)
		}
		if count >= int64(*assessment.RetakeLimit) {
			return ErrRetakeLimitReached
		}
		return nil
	}

	if !assessment.AllowRetakes {
		count, err := ac.repo.Attempt().CountSubmitted(ctx, assessment.ID, actor.UserID)
		if err != nil {
			return fmt.Errorf("failed to count submitted attempts: %w", err)
		}
		if count > 0 {
			return ErrRetakesDisabled
		}
		return nil
	}

	if decision.EffectiveLimit == nil {
		return nil
	}
	count, err := ac.repo.Attempt().CountSubmitted(ctx, assessment.ID, actor.UserID)
	if err != nil {
		return fmt.Errorf("failed to count submitted attempts: %w", err)
	}
	if count >= int64(*decision.EffectiveLimit) {
		return ErrRetakeLimitReached
	}
	return nil
}

// Gate combines Authorize and CheckRetakes into the hard precondition for
// starting an attempt.
func (ac *accessControl) Gate(ctx context.Context, assessment *models.Assessment, actor Actor) (*AccessDecision, error) {
	decision, err := ac.Authorize(ctx, assessment, actor)
	if err != nil {
		return nil, err
	}
	if decision.Locked {
		return nil, ErrAssessmentLocked
	}
	if !decision.Allowed {
		return nil, ErrAssessmentNoAccess
	}
	if err := ac.CheckRetakes(ctx, assessment, decision, actor); err != nil {
		return nil, err
	}
	return decision, nil
}
