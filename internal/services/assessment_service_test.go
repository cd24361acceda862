package services

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/prep-portal/assessment-service/internal/events"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assessmentFixture struct {
	repo      *fakeRepository
	service   AssessmentService
	publisher *events.MockEventPublisher
}

func newAssessmentFixture() *assessmentFixture {
	repo := newFakeRepository()
	publisher := events.NewMockEventPublisher(testLogger())
	selection := NewSelectionService(repo, testLogger(), rand.New(rand.NewSource(7)))
	service := NewAssessmentService(repo, testLogger(), utils.NewValidator(), selection, publisher)
	return &assessmentFixture{repo: repo, service: service, publisher: publisher}
}

// seedStudent registers the actor in the user directory so grants to them
// pass the grantee check.
func (f *assessmentFixture) seedStudent(actor Actor) {
	f.repo.seedUser(&models.User{
		ID:       actor.UserID,
		Username: "student-" + actor.UserID[:8],
		Role:     models.RoleStudent,
		IsActive: true,
	})
}

func (f *assessmentFixture) seedBank(subject models.Subject, topic string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		q := f.repo.seedQuestion(choiceQuestion(subject, topic, models.DifficultyEasy, 0))
		ids = append(ids, q.ID)
	}
	return ids
}

func TestCreateFlatFromCommand(t *testing.T) {
	f := newAssessmentFixture()
	f.seedBank(models.SubjectMath, "Algebra", 6)
	f.seedBank(models.SubjectVerbal, "Reading", 4)

	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:     models.KindFlat,
		Title:    "Weekly Quiz",
		IsActive: true,
		Command:  "4 math from Algebra and 3 verbal",
	}, teacher())
	require.NoError(t, err)

	assert.Len(t, assessment.Pool(), 7)
	assert.Equal(t, 4, assessment.MathQuestionCount)
	assert.Equal(t, 3, assessment.VerbalQuestionCount)
}

func TestCreateFlatPrefersExplicitIDs(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 3)

	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Hand-picked",
		QuestionIDs: ids,
		Command:     "2 verbal", // ignored under explicit ids
	}, teacher())
	require.NoError(t, err)

	assert.Equal(t, ids, assessment.Pool())
	assert.Equal(t, 3, assessment.MathQuestionCount)
	assert.Equal(t, 0, assessment.VerbalQuestionCount)
}

func TestCreateRejectsNonStaff(t *testing.T) {
	f := newAssessmentFixture()

	_, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:  models.KindFlat,
		Title: "Nope",
	}, student())
	assert.True(t, IsForbidden(err))
}

func TestCreateRejectsUnknownQuestionIDs(t *testing.T) {
	f := newAssessmentFixture()
	known := f.seedBank(models.SubjectMath, "Algebra", 1)

	_, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Broken",
		QuestionIDs: append(known, uuid.NewString()),
	}, teacher())
	assert.True(t, IsValidation(err))
}

func TestCreateModularSeedsDefaultLayout(t *testing.T) {
	f := newAssessmentFixture()

	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:  models.KindModular,
		Title: "Full Length",
	}, teacher())
	require.NoError(t, err)
	require.Len(t, assessment.Modules, 4)

	byKey := map[string]models.AssessmentModule{}
	for _, m := range assessment.Modules {
		byKey[m.Key()] = m
	}
	assert.Equal(t, 27, byKey["verbal-1"].RequiredCount)
	assert.Equal(t, 32, byKey["verbal-2"].TimeLimitMinutes)
	assert.Equal(t, 22, byKey["math-1"].RequiredCount)
	assert.Equal(t, 35, byKey["math-2"].TimeLimitMinutes)
	for _, m := range assessment.Modules {
		assert.False(t, m.Complete(), "fresh modules start with empty pools")
	}
}

func TestGeneratePoolAppendExcludesCurrentPool(t *testing.T) {
	f := newAssessmentFixture()
	bank := f.seedBank(models.SubjectMath, "Algebra", 4)

	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Growing",
		QuestionIDs: bank[:2],
	}, teacher())
	require.NoError(t, err)

	updated, err := f.service.GeneratePool(context.Background(), assessment.ID, &GeneratePoolRequest{
		Rules:  []SelectionRule{{Subject: "math", Count: 2}},
		Append: true,
	}, teacher())
	require.NoError(t, err)

	pool := updated.Pool()
	require.Len(t, pool, 4)
	seen := map[string]struct{}{}
	for _, id := range pool {
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
	assert.Equal(t, bank[0], pool[0], "append keeps the existing pool in place")
	assert.Equal(t, bank[1], pool[1])
}

func TestAddRemoveReplaceQuestion(t *testing.T) {
	f := newAssessmentFixture()
	bank := f.seedBank(models.SubjectMath, "Algebra", 3)

	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Editable",
		QuestionIDs: bank[:1],
	}, teacher())
	require.NoError(t, err)

	updated, err := f.service.AddQuestion(context.Background(), assessment.ID, bank[1], teacher())
	require.NoError(t, err)
	assert.Equal(t, []string{bank[0], bank[1]}, updated.Pool())

	_, err = f.service.AddQuestion(context.Background(), assessment.ID, bank[1], teacher())
	assert.True(t, IsConflict(err), "adding a pooled question conflicts")

	updated, err = f.service.ReplaceQuestion(context.Background(), assessment.ID, &ReplaceQuestionRequest{
		OldQuestionID: bank[0],
		NewQuestionID: bank[2],
	}, teacher())
	require.NoError(t, err)
	assert.Equal(t, []string{bank[2], bank[1]}, updated.Pool(), "replacement preserves position")

	updated, err = f.service.RemoveQuestion(context.Background(), assessment.ID, bank[1], teacher())
	require.NoError(t, err)
	assert.Equal(t, []string{bank[2]}, updated.Pool())

	_, err = f.service.RemoveQuestion(context.Background(), assessment.ID, bank[1], teacher())
	assert.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestSetModuleEnforcesExactCount(t *testing.T) {
	f := newAssessmentFixture()
	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:  models.KindModular,
		Title: "Full Length",
	}, teacher())
	require.NoError(t, err)

	short := f.seedBank(models.SubjectMath, "Algebra", 5)
	_, err = f.service.SetModule(context.Background(), assessment.ID, &SetModuleRequest{
		Subject:     models.SubjectMath,
		ModuleIndex: 1,
		QuestionIDs: short,
	}, teacher())
	require.True(t, IsBusinessRule(err))
	assert.Contains(t, err.Error(), "math modules require exactly 22 questions")

	full := f.seedBank(models.SubjectMath, "Algebra", 17)
	module, err := f.service.SetModule(context.Background(), assessment.ID, &SetModuleRequest{
		Subject:     models.SubjectMath,
		ModuleIndex: 1,
		QuestionIDs: append(short, full...),
	}, teacher())
	require.NoError(t, err)
	assert.True(t, module.Complete())
	assert.Equal(t, 35, module.TimeLimitMinutes)
}

func TestSetModuleRejectsFlatAssessments(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 22)
	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Flat",
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	_, err = f.service.SetModule(context.Background(), assessment.ID, &SetModuleRequest{
		Subject:     models.SubjectMath,
		ModuleIndex: 1,
		QuestionIDs: ids,
	}, teacher())
	assert.True(t, IsBusinessRule(err))
}

func TestSetOverridePatchesPresentation(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 1)
	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Patched",
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	stem := "Patched stem"
	err = f.service.SetOverride(context.Background(), assessment.ID, &SetOverrideRequest{
		QuestionID: ids[0],
		Override:   models.QuestionOverride{Stem: &stem},
	}, teacher())
	require.NoError(t, err)

	stored, err := f.repo.Assessment().GetByID(context.Background(), assessment.ID)
	require.NoError(t, err)
	override, ok := stored.Overrides()[ids[0]]
	require.True(t, ok)
	assert.Equal(t, "Patched stem", *override.Stem)

	// Clear removes the patch.
	err = f.service.SetOverride(context.Background(), assessment.ID, &SetOverrideRequest{
		QuestionID: ids[0],
		Clear:      true,
	}, teacher())
	require.NoError(t, err)

	stored, err = f.repo.Assessment().GetByID(context.Background(), assessment.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Overrides(), ids[0])
}

func TestUpdatePublishingResultsEmitsEvent(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 1)
	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Quiz",
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	published := true
	updated, err := f.service.Update(context.Background(), assessment.ID, &UpdateAssessmentRequest{
		ResultsPublished: &published,
	}, teacher())
	require.NoError(t, err)
	assert.True(t, updated.ResultsPublished)

	var found bool
	for _, e := range f.publisher.Events {
		if e.Type == events.EventResultsPublished {
			found = true
		}
	}
	assert.True(t, found, "flipping results_published emits a lifecycle event")

	// Re-publishing an already published assessment stays quiet.
	before := len(f.publisher.Events)
	_, err = f.service.Update(context.Background(), assessment.ID, &UpdateAssessmentRequest{
		ResultsPublished: &published,
	}, teacher())
	require.NoError(t, err)
	assert.Equal(t, before, len(f.publisher.Events))
}

func TestListShowsLockStateForStudents(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 1)
	granted := student()
	outsider := student()
	f.seedStudent(granted)

	open, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Open",
		IsActive:    true,
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	gated, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Gated",
		IsActive:    true,
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)
	require.NoError(t, f.service.GrantAccess(context.Background(), gated.ID, &AccessGrantInput{
		StudentID:    granted.UserID,
		AttemptLimit: intPtr(2),
	}, teacher()))

	inactive, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Hidden",
		IsActive:    false,
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	views, err := f.service.List(context.Background(), &ListAssessmentsRequest{}, outsider)
	require.NoError(t, err)
	require.Len(t, views, 2, "inactive assessments are hidden from students")

	byTitle := map[string]*StudentAssessmentView{}
	for _, v := range views {
		byTitle[v.Title] = v
	}
	require.Contains(t, byTitle, "Open")
	assert.Equal(t, open.ID, byTitle["Open"].ID)
	assert.False(t, byTitle["Open"].Locked)
	assert.True(t, byTitle["Gated"].Locked)
	assert.Equal(t, "access not granted", byTitle["Gated"].LockReason)
	assert.NotContains(t, byTitle, "Hidden")

	views, err = f.service.List(context.Background(), &ListAssessmentsRequest{}, granted)
	require.NoError(t, err)
	byTitle = map[string]*StudentAssessmentView{}
	for _, v := range views {
		byTitle[v.Title] = v
	}
	assert.False(t, byTitle["Gated"].Locked)
	require.NotNil(t, byTitle["Gated"].AttemptLimit)
	assert.Equal(t, 2, *byTitle["Gated"].AttemptLimit)

	// Staff see everything, the inactive assessment included.
	views, err = f.service.List(context.Background(), &ListAssessmentsRequest{}, teacher())
	require.NoError(t, err)
	require.Len(t, views, 3)
	staffIDs := make([]string, 0, len(views))
	for _, v := range views {
		staffIDs = append(staffIDs, v.ID)
	}
	assert.Contains(t, staffIDs, inactive.ID)
}

func TestReplaceAccessSwapsRoster(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 1)
	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Rostered",
		IsActive:    true,
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	first := student()
	second := student()
	f.seedStudent(first)
	f.seedStudent(second)
	require.NoError(t, f.service.GrantAccess(context.Background(), assessment.ID, &AccessGrantInput{
		StudentID: first.UserID,
	}, teacher()))

	require.NoError(t, f.service.ReplaceAccess(context.Background(), assessment.ID, []*AccessGrantInput{
		{StudentID: second.UserID},
	}, teacher()))

	grants, err := f.service.ListAccess(context.Background(), assessment.ID, teacher())
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, second.UserID, grants[0].StudentID)
}

func TestRevokeAccessLocksStudentOut(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 1)
	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Revocable",
		IsActive:    true,
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	actor := student()
	f.seedStudent(actor)
	require.NoError(t, f.service.GrantAccess(context.Background(), assessment.ID, &AccessGrantInput{
		StudentID: actor.UserID,
	}, teacher()))
	require.NoError(t, f.service.RevokeAccess(context.Background(), assessment.ID, actor.UserID, teacher()))

	ac := newAccessControl(f.repo)
	stored, err := f.repo.Assessment().GetByID(context.Background(), assessment.ID)
	require.NoError(t, err)
	decision, err := ac.Authorize(context.Background(), stored, actor)
	require.NoError(t, err)
	assert.True(t, decision.Locked)
	assert.Equal(t, "access revoked", decision.LockReason)
}

func TestGrantAccessRejectsUnknownStudent(t *testing.T) {
	f := newAssessmentFixture()
	ids := f.seedBank(models.SubjectMath, "Algebra", 1)
	assessment, err := f.service.Create(context.Background(), &CreateAssessmentRequest{
		Kind:        models.KindFlat,
		Title:       "Strict",
		IsActive:    true,
		QuestionIDs: ids,
	}, teacher())
	require.NoError(t, err)

	ghost := uuid.NewString()
	err = f.service.GrantAccess(context.Background(), assessment.ID, &AccessGrantInput{
		StudentID: ghost,
	}, teacher())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserNotFound)

	known := student()
	f.seedStudent(known)
	err = f.service.ReplaceAccess(context.Background(), assessment.ID, []*AccessGrantInput{
		{StudentID: known.UserID},
		{StudentID: ghost},
	}, teacher())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Contains(t, err.Error(), ghost)

	// Nothing was written for the valid grantee either.
	grants, err := f.service.ListAccess(context.Background(), assessment.ID, teacher())
	require.NoError(t, err)
	assert.Empty(t, grants)
}
