package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// fakeRepository is an in-memory Repository for service tests. It mirrors the
// store's contract closely enough for the state machine tests: copies out on
// read, copies in on write, gorm.ErrRecordNotFound for misses and a
// compare-and-swap on attempt status.
type fakeRepository struct {
	mu sync.Mutex

	questions   map[string]*models.Question
	assessments map[string]*models.Assessment
	modules     map[string]*models.AssessmentModule
	attempts    map[string]*models.Attempt
	grants      map[string]*models.AccessGrant
	users       map[string]*models.User
	enrollments map[string]bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		questions:   map[string]*models.Question{},
		assessments: map[string]*models.Assessment{},
		modules:     map[string]*models.AssessmentModule{},
		attempts:    map[string]*models.Attempt{},
		grants:      map[string]*models.AccessGrant{},
		users:       map[string]*models.User{},
		enrollments: map[string]bool{},
	}
}

func (f *fakeRepository) Question() repositories.QuestionRepository     { return &fakeQuestions{f} }
func (f *fakeRepository) Assessment() repositories.AssessmentRepository { return &fakeAssessments{f} }
func (f *fakeRepository) Attempt() repositories.AttemptRepository       { return &fakeAttempts{f} }
func (f *fakeRepository) Access() repositories.AccessRepository         { return &fakeAccess{f} }
func (f *fakeRepository) User() repositories.UserRepository             { return &fakeUsers{f} }
func (f *fakeRepository) Enrollment() repositories.EnrollmentRepository { return &fakeEnrollments{f} }

func (f *fakeRepository) WithTransaction(ctx context.Context, fn func(repositories.Repository) error) error {
	return fn(f)
}

func (f *fakeRepository) Ping(ctx context.Context) error { return nil }
func (f *fakeRepository) Close() error                   { return nil }

// ===== seeding helpers =====

func (f *fakeRepository) seedQuestion(q *models.Question) *models.Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	f.questions[q.ID] = q
	return q
}

func (f *fakeRepository) seedAssessment(a *models.Assessment) *models.Assessment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	f.assessments[a.ID] = a
	return a
}

func (f *fakeRepository) seedModule(m *models.AssessmentModule) *models.AssessmentModule {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	f.modules[moduleStoreKey(m)] = m
	return m
}

func (f *fakeRepository) seedGrant(g *models.AccessGrant) *models.AccessGrant {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	f.grants[grantStoreKey(g.AssessmentID, g.StudentID)] = g
	return g
}

func (f *fakeRepository) seedUser(u *models.User) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	f.users[u.ID] = u
	return u
}

func (f *fakeRepository) storedAttempt(id string) *models.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[id]; ok {
		cp := *a
		return &cp
	}
	return nil
}

func moduleStoreKey(m *models.AssessmentModule) string {
	return m.AssessmentID + "|" + string(m.Subject) + "|" + string(rune('0'+m.ModuleIndex))
}

func grantStoreKey(assessmentID, studentID string) string {
	return assessmentID + "|" + studentID
}

// ===== questions =====

type fakeQuestions struct{ f *fakeRepository }

func (r *fakeQuestions) Create(ctx context.Context, q *models.Question) error {
	r.f.seedQuestion(q)
	return nil
}

func (r *fakeQuestions) GetByID(ctx context.Context, id string) (*models.Question, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	q, ok := r.f.questions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *q
	return &cp, nil
}

func (r *fakeQuestions) GetByIDs(ctx context.Context, ids []string) ([]*models.Question, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.Question
	for _, id := range ids {
		if q, ok := r.f.questions[id]; ok {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeQuestions) Search(ctx context.Context, filters repositories.QuestionSearchFilters) ([]*models.Question, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.Question
	for _, q := range r.f.questions {
		if filters.Subject != nil && q.Subject != *filters.Subject {
			continue
		}
		if filters.Query != "" && !strings.Contains(strings.ToLower(q.Stem), strings.ToLower(filters.Query)) {
			continue
		}
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeQuestions) CandidateIDs(ctx context.Context, filters repositories.SelectionFilters) ([]string, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	exclude := make(map[string]struct{}, len(filters.ExcludeIDs))
	for _, id := range filters.ExcludeIDs {
		exclude[id] = struct{}{}
	}

	var ids []string
	for _, q := range r.f.questions {
		if !q.Published || q.Subject != filters.Subject {
			continue
		}
		if _, skip := exclude[q.ID]; skip {
			continue
		}
		if len(filters.Topics) > 0 && !matchesAny(q.Topic, filters.Topics) {
			continue
		}
		if len(filters.Subtopics) > 0 {
			if q.Subtopic == nil || !matchesAny(*q.Subtopic, filters.Subtopics) {
				continue
			}
		}
		if filters.Difficulty != nil {
			if q.Difficulty == nil || *q.Difficulty != *filters.Difficulty {
				continue
			}
		}
		ids = append(ids, q.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func matchesAny(value string, values []string) bool {
	for _, v := range values {
		if strings.EqualFold(value, v) {
			return true
		}
	}
	return false
}

func (r *fakeQuestions) CountBySubject(ctx context.Context, ids []string) (map[models.Subject]int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	counts := map[models.Subject]int{}
	for _, id := range ids {
		if q, ok := r.f.questions[id]; ok {
			counts[q.Subject]++
		}
	}
	return counts, nil
}

func (r *fakeQuestions) TopicMap(ctx context.Context) ([]repositories.TopicCount, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	byKey := map[string]*repositories.TopicCount{}
	for _, q := range r.f.questions {
		if !q.Published {
			continue
		}
		key := string(q.Subject) + "|" + q.Topic
		if q.Subtopic != nil {
			key += "|" + *q.Subtopic
		}
		if row, ok := byKey[key]; ok {
			row.Count++
			continue
		}
		byKey[key] = &repositories.TopicCount{
			Subject:  q.Subject,
			Topic:    q.Topic,
			Subtopic: q.Subtopic,
			Count:    1,
		}
	}
	var out []repositories.TopicCount
	for _, row := range byKey {
		out = append(out, *row)
	}
	return out, nil
}

// ===== assessments =====

type fakeAssessments struct{ f *fakeRepository }

func (r *fakeAssessments) Create(ctx context.Context, a *models.Assessment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.f.seedAssessment(a)
	return nil
}

func (r *fakeAssessments) GetByID(ctx context.Context, id string) (*models.Assessment, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.assessments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	cp.Modules = nil
	return &cp, nil
}

func (r *fakeAssessments) GetByIDWithModules(ctx context.Context, id string) (*models.Assessment, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.assessments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	cp.Modules = nil
	for _, m := range r.f.modules {
		if m.AssessmentID == id {
			cp.Modules = append(cp.Modules, *m)
		}
	}
	sort.Slice(cp.Modules, func(i, j int) bool {
		if cp.Modules[i].Subject != cp.Modules[j].Subject {
			return cp.Modules[i].Subject < cp.Modules[j].Subject
		}
		return cp.Modules[i].ModuleIndex < cp.Modules[j].ModuleIndex
	})
	return &cp, nil
}

func (r *fakeAssessments) Update(ctx context.Context, a *models.Assessment) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if _, ok := r.f.assessments[a.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *a
	cp.Modules = nil
	r.f.assessments[a.ID] = &cp
	return nil
}

func (r *fakeAssessments) Delete(ctx context.Context, id string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if _, ok := r.f.assessments[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(r.f.assessments, id)
	return nil
}

func (r *fakeAssessments) List(ctx context.Context, filters repositories.AssessmentFilters) ([]*models.Assessment, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.Assessment
	for _, a := range r.f.assessments {
		if filters.CourseID != nil && (a.CourseID == nil || *a.CourseID != *filters.CourseID) {
			continue
		}
		if filters.Kind != nil && a.Kind != *filters.Kind {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeAssessments) UpdatePool(ctx context.Context, id string, questionIDs []string, verbalCount, mathCount int) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.assessments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.QuestionIDs = datatypes.NewJSONType(questionIDs)
	a.VerbalQuestionCount = verbalCount
	a.MathQuestionCount = mathCount
	return nil
}

func (r *fakeAssessments) UpdateOverrides(ctx context.Context, id string, overrides map[string]models.QuestionOverride) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.assessments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.QuestionOverrides = datatypes.NewJSONType(overrides)
	return nil
}

func (r *fakeAssessments) GetModules(ctx context.Context, assessmentID string) ([]*models.AssessmentModule, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.AssessmentModule
	for _, m := range r.f.modules {
		if m.AssessmentID == assessmentID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeAssessments) UpsertModule(ctx context.Context, module *models.AssessmentModule) error {
	r.f.seedModule(module)
	return nil
}

// ===== attempts =====

type fakeAttempts struct{ f *fakeRepository }

func (r *fakeAttempts) Create(ctx context.Context, a *models.Attempt) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	// Mirrors the partial unique index on in-progress (assessment, student).
	if a.Status == models.AttemptInProgress {
		for _, existing := range r.f.attempts {
			if existing.AssessmentID == a.AssessmentID &&
				existing.StudentID == a.StudentID &&
				existing.Status == models.AttemptInProgress {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	cp := *a
	r.f.attempts[a.ID] = &cp
	return nil
}

func (r *fakeAttempts) GetByID(ctx context.Context, id string) (*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	a, ok := r.f.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAttempts) GetByIDWithDetails(ctx context.Context, id string) (*models.Attempt, error) {
	r.f.mu.Lock()
	a, ok := r.f.attempts[id]
	if !ok {
		r.f.mu.Unlock()
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	r.f.mu.Unlock()

	assessment, err := (&fakeAssessments{r.f}).GetByIDWithModules(ctx, cp.AssessmentID)
	if err == nil {
		cp.Assessment = assessment
	}
	r.f.mu.Lock()
	if u, ok := r.f.users[cp.StudentID]; ok {
		ucp := *u
		cp.Student = &ucp
	}
	r.f.mu.Unlock()
	return &cp, nil
}

func (r *fakeAttempts) Update(ctx context.Context, a *models.Attempt) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if _, ok := r.f.attempts[a.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *a
	r.f.attempts[a.ID] = &cp
	return nil
}

func (r *fakeAttempts) GetInProgress(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, a := range r.f.attempts {
		if a.AssessmentID == assessmentID && a.StudentID == studentID && a.Status == models.AttemptInProgress {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeAttempts) CountSubmitted(ctx context.Context, assessmentID, studentID string) (int64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var count int64
	for _, a := range r.f.attempts {
		if a.AssessmentID == assessmentID && a.StudentID == studentID && a.Status == models.AttemptSubmitted {
			count++
		}
	}
	return count, nil
}

func (r *fakeAttempts) LatestForStudent(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var latest *models.Attempt
	for _, a := range r.f.attempts {
		if a.AssessmentID != assessmentID || a.StudentID != studentID {
			continue
		}
		if latest == nil || a.StartedAt.After(latest.StartedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeAttempts) LatestSubmitted(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var latest *models.Attempt
	for _, a := range r.f.attempts {
		if a.AssessmentID != assessmentID || a.StudentID != studentID || a.Status != models.AttemptSubmitted {
			continue
		}
		if latest == nil || (a.SubmittedAt != nil && latest.SubmittedAt != nil && a.SubmittedAt.After(*latest.SubmittedAt)) {
			latest = a
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeAttempts) ListSubmittedByAssessment(ctx context.Context, assessmentID string) ([]*models.Attempt, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.Attempt
	for _, a := range r.f.attempts {
		if a.AssessmentID != assessmentID || a.Status != models.AttemptSubmitted {
			continue
		}
		cp := *a
		if u, ok := r.f.users[a.StudentID]; ok {
			ucp := *u
			cp.Student = &ucp
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].SubmittedAt, out[j].SubmittedAt
		if ti == nil || tj == nil {
			return out[i].ID < out[j].ID
		}
		return ti.After(*tj)
	})
	return out, nil
}

func (r *fakeAttempts) SubmittedCounts(ctx context.Context, assessmentID string) (map[string]int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	counts := map[string]int{}
	for _, a := range r.f.attempts {
		if a.AssessmentID == assessmentID && a.Status == models.AttemptSubmitted {
			counts[a.StudentID]++
		}
	}
	return counts, nil
}

func (r *fakeAttempts) MarkSubmitted(ctx context.Context, a *models.Attempt) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	stored, ok := r.f.attempts[a.ID]
	if !ok || stored.Status != models.AttemptInProgress {
		return false, nil
	}
	if a.SubmittedAt == nil {
		now := time.Now().UTC()
		a.SubmittedAt = &now
	}
	cp := *a
	cp.Status = models.AttemptSubmitted
	r.f.attempts[a.ID] = &cp
	return true, nil
}

// ===== access =====

type fakeAccess struct{ f *fakeRepository }

func (r *fakeAccess) GetForStudent(ctx context.Context, assessmentID, studentID string) (*models.AccessGrant, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	g, ok := r.f.grants[grantStoreKey(assessmentID, studentID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *fakeAccess) ListActive(ctx context.Context, assessmentID string) ([]*models.AccessGrant, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.AccessGrant
	for _, g := range r.f.grants {
		if g.AssessmentID == assessmentID && g.IsActive {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (r *fakeAccess) Count(ctx context.Context, assessmentID string) (int64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var count int64
	for _, g := range r.f.grants {
		if g.AssessmentID == assessmentID {
			count++
		}
	}
	return count, nil
}

func (r *fakeAccess) Upsert(ctx context.Context, grant *models.AccessGrant) error {
	r.f.seedGrant(grant)
	return nil
}

func (r *fakeAccess) Revoke(ctx context.Context, assessmentID, studentID string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	g, ok := r.f.grants[grantStoreKey(assessmentID, studentID)]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	g.IsActive = false
	return nil
}

func (r *fakeAccess) ReplaceAll(ctx context.Context, assessmentID string, grants []*models.AccessGrant) error {
	r.f.mu.Lock()
	for key, g := range r.f.grants {
		if g.AssessmentID == assessmentID {
			delete(r.f.grants, key)
		}
	}
	r.f.mu.Unlock()
	for _, g := range grants {
		r.f.seedGrant(g)
	}
	return nil
}

// ===== users and enrollments =====

type fakeUsers struct{ f *fakeRepository }

func (r *fakeUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	u, ok := r.f.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUsers) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.User
	for _, id := range ids {
		if u, ok := r.f.users[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeUsers) SearchStudents(ctx context.Context, query string, limit int) ([]*models.User, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*models.User
	for _, u := range r.f.users {
		if u.Role != models.RoleStudent || !u.IsActive {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), strings.ToLower(query)) {
			cp := *u
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEnrollments struct{ f *fakeRepository }

func (r *fakeEnrollments) IsEnrolled(ctx context.Context, courseID, userID string) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return r.f.enrollments[courseID+"|"+userID], nil
}

// ===== shared test fixtures =====

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// choiceQuestion builds a published four-choice question whose correct choice
// sits at correctIdx in storage order.
func choiceQuestion(subject models.Subject, topic string, difficulty models.DifficultyLevel, correctIdx int) *models.Question {
	choices := make([]models.Choice, 4)
	for i := range choices {
		choices[i] = models.Choice{
			Label:     string(rune('A' + i)),
			Content:   "option " + string(rune('A'+i)),
			IsCorrect: i == correctIdx,
		}
	}
	d := difficulty
	return &models.Question{
		ID:         uuid.NewString(),
		Subject:    subject,
		Topic:      topic,
		Stem:       "stem for " + topic,
		Choices:    datatypes.NewJSONType(choices),
		Difficulty: &d,
		Published:  true,
	}
}

func openEndedQuestion(subject models.Subject, topic, answer string) *models.Question {
	return &models.Question{
		ID:            uuid.NewString(),
		Subject:       subject,
		Topic:         topic,
		Stem:          "stem for " + topic,
		IsOpenEnded:   true,
		CorrectAnswer: &answer,
		Published:     true,
	}
}

func intPtr(n int) *int { return &n }
