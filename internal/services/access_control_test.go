package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func accessFixture() (*fakeRepository, *accessControl, *models.Assessment) {
	repo := newFakeRepository()
	assessment := repo.seedAssessment(&models.Assessment{
		ID:           uuid.NewString(),
		Kind:         models.KindFlat,
		Title:        "Diagnostic",
		IsActive:     true,
		AllowRetakes: true,
		QuestionIDs:  datatypes.NewJSONType([]string{"q1"}),
	})
	return repo, newAccessControl(repo), assessment
}

func student() Actor { return Actor{UserID: uuid.NewString(), Role: models.RoleStudent} }
func teacher() Actor { return Actor{UserID: uuid.NewString(), Role: models.RoleTeacher} }

func TestAuthorizeOpenPool(t *testing.T) {
	_, ac, assessment := accessFixture()

	decision, err := ac.Authorize(context.Background(), assessment, student())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Locked)
}

func TestAuthorizeInactiveAssessmentLocks(t *testing.T) {
	_, ac, assessment := accessFixture()
	assessment.IsActive = false

	decision, err := ac.Authorize(context.Background(), assessment, student())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.Locked)
	assert.Equal(t, "assessment is not active", decision.LockReason)
}

func TestAuthorizeAllowListActivation(t *testing.T) {
	repo, ac, assessment := accessFixture()
	granted := student()
	outsider := student()

	// One active grant flips the assessment to allow-list-only.
	repo.seedGrant(&models.AccessGrant{
		AssessmentID: assessment.ID,
		StudentID:    granted.UserID,
		IsActive:     true,
	})

	decision, err := ac.Authorize(context.Background(), assessment, granted)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.NotNil(t, decision.Grant)

	decision, err = ac.Authorize(context.Background(), assessment, outsider)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.Locked)
	assert.Equal(t, "access not granted", decision.LockReason)
}

func TestAuthorizeRevokedAndExpiredGrants(t *testing.T) {
	repo, ac, assessment := accessFixture()
	revoked := student()
	expired := student()

	repo.seedGrant(&models.AccessGrant{
		AssessmentID: assessment.ID,
		StudentID:    revoked.UserID,
		IsActive:     false,
	})
	past := time.Now().UTC().Add(-time.Hour)
	repo.seedGrant(&models.AccessGrant{
		AssessmentID: assessment.ID,
		StudentID:    expired.UserID,
		IsActive:     true,
		ExpiresAt:    &past,
	})

	decision, err := ac.Authorize(context.Background(), assessment, revoked)
	require.NoError(t, err)
	assert.True(t, decision.Locked)
	assert.Equal(t, "access revoked", decision.LockReason)

	decision, err = ac.Authorize(context.Background(), assessment, expired)
	require.NoError(t, err)
	assert.True(t, decision.Locked)
	assert.Equal(t, "access expired", decision.LockReason)
}

func TestAuthorizeGrantOverridesRetakeLimit(t *testing.T) {
	repo, ac, assessment := accessFixture()
	assessment.RetakeLimit = intPtr(1)
	granted := student()

	repo.seedGrant(&models.AccessGrant{
		AssessmentID: assessment.ID,
		StudentID:    granted.UserID,
		IsActive:     true,
		AttemptLimit: intPtr(3),
	})

	decision, err := ac.Authorize(context.Background(), assessment, granted)
	require.NoError(t, err)
	require.NotNil(t, decision.EffectiveLimit)
	assert.Equal(t, 3, *decision.EffectiveLimit)
}

func TestAuthorizeCourseEnrollment(t *testing.T) {
	repo, ac, assessment := accessFixture()
	courseID := uuid.NewString()
	assessment.CourseID = &courseID

	enrolled := student()
	repo.enrollments[courseID+"|"+enrolled.UserID] = true

	decision, err := ac.Authorize(context.Background(), assessment, enrolled)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = ac.Authorize(context.Background(), assessment, student())
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.False(t, decision.Locked, "not enrolled is a hard refusal, not a lock")
}

func TestAuthorizeStaffBypass(t *testing.T) {
	repo, ac, assessment := accessFixture()
	assessment.IsActive = false
	courseID := uuid.NewString()
	assessment.CourseID = &courseID
	repo.seedGrant(&models.AccessGrant{
		AssessmentID: assessment.ID,
		StudentID:    uuid.NewString(),
		IsActive:     true,
	})

	decision, err := ac.Authorize(context.Background(), assessment, teacher())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Locked)
}

func TestCheckRetakesDisabled(t *testing.T) {
	repo, ac, assessment := accessFixture()
	assessment.AllowRetakes = false
	actor := student()

	decision := &AccessDecision{Allowed: true}
	require.NoError(t, ac.CheckRetakes(context.Background(), assessment, decision, actor))

	submitAttemptFor(repo, assessment.ID, actor.UserID)

	err := ac.CheckRetakes(context.Background(), assessment, decision, actor)
	assert.ErrorIs(t, err, ErrRetakesDisabled)
}

func TestCheckRetakesLimit(t *testing.T) {
	repo, ac, assessment := accessFixture()
	actor := student()
	decision := &AccessDecision{Allowed: true, EffectiveLimit: intPtr(2)}

	submitAttemptFor(repo, assessment.ID, actor.UserID)
	require.NoError(t, ac.CheckRetakes(context.Background(), assessment, decision, actor),
		"1 of 2 attempts used")

	submitAttemptFor(repo, assessment.ID, actor.UserID)
	err := ac.CheckRetakes(context.Background(), assessment, decision, actor)
	assert.ErrorIs(t, err, ErrRetakeLimitReached)
}

func TestCheckRetakesStaffIgnoresAllowRetakes(t *testing.T) {
	repo, ac, assessment := accessFixture()
	assessment.AllowRetakes = false
	actor := teacher()

	submitAttemptFor(repo, assessment.ID, actor.UserID)
	require.NoError(t, ac.CheckRetakes(context.Background(), assessment, &AccessDecision{Allowed: true}, actor))

	// The assessment's own retake limit still binds staff.
	assessment.RetakeLimit = intPtr(1)
	err := ac.CheckRetakes(context.Background(), assessment, &AccessDecision{Allowed: true}, actor)
	assert.ErrorIs(t, err, ErrRetakeLimitReached)
}

func TestGateMapsDecisionsToErrors(t *testing.T) {
	_, ac, assessment := accessFixture()

	// Locked state.
	assessment.IsActive = false
	_, err := ac.Gate(context.Background(), assessment, student())
	assert.ErrorIs(t, err, ErrAssessmentLocked)
	assessment.IsActive = true

	// Hard refusal through missing enrollment.
	courseID := uuid.NewString()
	assessment.CourseID = &courseID
	_, err = ac.Gate(context.Background(), assessment, student())
	assert.ErrorIs(t, err, ErrAssessmentNoAccess)
	assessment.CourseID = nil

	// Clean pass.
	decision, err := ac.Gate(context.Background(), assessment, student())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func submitAttemptFor(repo *fakeRepository, assessmentID, studentID string) {
	now := time.Now().UTC()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	id := uuid.NewString()
	repo.attempts[id] = &models.Attempt{
		ID:           id,
		AssessmentID: assessmentID,
		StudentID:    studentID,
		Status:       models.AttemptSubmitted,
		StartedAt:    now,
		SubmittedAt:  &now,
	}
}

func TestAuthorizeSoleRevokedGrantKeepsAllowList(t *testing.T) {
	repo, ac, assessment := accessFixture()
	revoked := student()
	outsider := student()

	repo.seedGrant(&models.AccessGrant{
		AssessmentID: assessment.ID,
		StudentID:    revoked.UserID,
		IsActive:     false,
	})

	// The only grant on the books is revoked; the pool must not reopen.
	decision, err := ac.Authorize(context.Background(), assessment, revoked)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.Locked)
	assert.Equal(t, "access revoked", decision.LockReason)

	decision, err = ac.Authorize(context.Background(), assessment, outsider)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.Locked)
	assert.Equal(t, "access not granted", decision.LockReason)
}
