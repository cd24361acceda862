package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prep-portal/assessment-service/internal/cache"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"github.com/xuri/excelize/v2"
)

const (
	topicMapCacheKey = "questions:topic_map"
	topicMapCacheTTL = 10 * time.Minute
)

type reportService struct {
	repo   repositories.Repository
	logger *slog.Logger
	cache  cache.CacheService
}

func NewReportService(repo repositories.Repository, logger *slog.Logger, cacheService cache.CacheService) ReportService {
	return &reportService{
		repo:   repo,
		logger: logger,
		cache:  cacheService,
	}
}

// AttemptsReport builds the staff roster for one assessment: the latest
// submitted attempt per student, attempt counts, and a mistakes list that
// includes incorrect picks and unanswered questions.
func (s *reportService) AttemptsReport(ctx context.Context, assessmentID string, actor Actor) (*AttemptsReport, error) {
	if !actor.IsStaff() {
		return nil, NewPermissionError(actor.UserID, assessmentID, "assessment", "report", "staff role required")
	}

	assessment, err := s.repo.Assessment().GetByIDWithModules(ctx, assessmentID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	attempts, err := s.repo.Attempt().ListSubmittedByAssessment(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	counts, err := s.repo.Attempt().SubmittedCounts(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}

	report := &AttemptsReport{
		AssessmentID: assessmentID,
		Title:        assessment.Title,
		GeneratedAt:  time.Now().UTC(),
	}

	// Attempts arrive newest-first; keep the first row per student.
	seen := make(map[string]struct{}, len(attempts))
	for _, attempt := range attempts {
		if _, dup := seen[attempt.StudentID]; dup {
			continue
		}
		seen[attempt.StudentID] = struct{}{}

		row := StudentReportRow{
			StudentID:    attempt.StudentID,
			AttemptsUsed: counts[attempt.StudentID],
			AttemptID:    attempt.ID,
			SubmittedAt:  attempt.SubmittedAt,
			ScoreVerbal:  attempt.ScoreVerbal,
			ScoreMath:    attempt.ScoreMath,
			TotalScore:   attempt.TotalScore,
			TimeSpent:    attempt.TimeSpent,
		}
		if attempt.Student != nil {
			row.Username = attempt.Student.Username
			row.DisplayName = displayName(attempt.Student)
		}

		mistakes, err := s.collectMistakes(ctx, assessment, attempt)
		if err != nil {
			return nil, err
		}
		row.Mistakes = mistakes

		report.Rows = append(report.Rows, row)
	}
	return report, nil
}

// collectMistakes walks the attempt's frozen order and flags every question
// that was answered incorrectly or never answered at all.
func (s *reportService) collectMistakes(ctx context.Context, assessment *models.Assessment, attempt *models.Attempt) ([]MistakeEntry, error) {
	order := attempt.QuestionOrder.Data()
	ids := order.All(moduleKeys(assessment))

	questions, err := loadQuestionMap(ctx, s.repo, ids, assessment.Overrides())
	if err != nil {
		return nil, err
	}

	answers := attempt.AnswerMap()
	perms := attempt.Permutations()

	var mistakes []MistakeEntry
	for _, id := range ids {
		q, ok := questions[id]
		if !ok {
			continue
		}

		answer, answered := answers[id]
		if answered && answerIsCorrect(q, answer, perms[id]) {
			continue
		}

		entry := MistakeEntry{
			QuestionID: id,
			Subject:    q.Subject,
			Topic:      q.Topic,
			Stem:       q.Stem,
			Answered:   answered,
		}
		if answered {
			a := answer
			entry.YourAnswer = &a
			entry.YourText = pickedText(q, answer, perms[id])
		}
		if q.IsOpenEnded {
			entry.CorrectText = q.CorrectAnswer
		} else {
			label, text := answerKey(q)
			entry.CorrectText = text
			entry.CorrectLabel = label
			for idx, c := range q.ChoiceList() {
				if c.IsCorrect {
					if presented := presentedLabel(idx, perms[id]); presented != nil {
						entry.CorrectLabel = presented
					}
					break
				}
			}
		}
		mistakes = append(mistakes, entry)
	}
	return mistakes, nil
}

// ExportAttemptsReport renders the attempts report as an xlsx workbook with
// a summary sheet and one mistakes sheet.
func (s *reportService) ExportAttemptsReport(ctx context.Context, assessmentID string, actor Actor) ([]byte, error) {
	report, err := s.AttemptsReport(ctx, assessmentID, actor)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	const summarySheet = "Attempts"
	f.SetSheetName(f.GetSheetName(0), summarySheet)

	headers := []string{"Student", "Username", "Attempts", "Verbal", "Math", "Total", "Time Spent (s)", "Submitted At"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(summarySheet, cell, h)
	}
	for rowIdx, row := range report.Rows {
		submitted := ""
		if row.SubmittedAt != nil {
			submitted = row.SubmittedAt.Format(time.RFC3339)
		}
		values := []interface{}{
			row.DisplayName, row.Username, row.AttemptsUsed,
			row.ScoreVerbal, row.ScoreMath, row.TotalScore,
			row.TimeSpent, submitted,
		}
		for colIdx, v := range values {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			f.SetCellValue(summarySheet, cell, v)
		}
	}

	const mistakesSheet = "Mistakes"
	if _, err := f.NewSheet(mistakesSheet); err != nil {
		return nil, fmt.Errorf("failed to create mistakes sheet: %w", err)
	}
	mistakeHeaders := []string{"Student", "Question", "Subject", "Topic", "Answered", "Your Answer", "Correct Answer"}
	for i, h := range mistakeHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(mistakesSheet, cell, h)
	}
	rowNum := 2
	for _, row := range report.Rows {
		for _, m := range row.Mistakes {
			yourAnswer := ""
			if m.YourAnswer != nil {
				yourAnswer = *m.YourAnswer
			}
			correct := ""
			if m.CorrectLabel != nil {
				correct = *m.CorrectLabel
			}
			if m.CorrectText != nil {
				if correct != "" {
					correct = fmt.Sprintf("%s: %s", correct, *m.CorrectText)
				} else {
					correct = *m.CorrectText
				}
			}
			values := []interface{}{
				row.DisplayName, truncate(m.Stem, 120), string(m.Subject),
				m.Topic, m.Answered, yourAnswer, correct,
			}
			for colIdx, v := range values {
				cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowNum)
				f.SetCellValue(mistakesSheet, cell, v)
			}
			rowNum++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}

	s.logger.Info("Attempts report exported",
		"assessment_id", assessmentID,
		"rows", len(report.Rows))
	return buf.Bytes(), nil
}

// SearchQuestions is the staff question-bank search used while authoring
// pools and overrides.
func (s *reportService) SearchQuestions(ctx context.Context, filters repositories.QuestionSearchFilters, actor Actor) ([]*models.Question, error) {
	if !actor.IsStaff() {
		return nil, NewPermissionError(actor.UserID, "", "question", "search", "staff role required")
	}
	return s.repo.Question().Search(ctx, filters)
}

// SearchStudents backs the grant roster picker: staff look a student up by
// name or username before granting access.
func (s *reportService) SearchStudents(ctx context.Context, query string, limit int, actor Actor) ([]*models.User, error) {
	if !actor.IsStaff() {
		return nil, NewPermissionError(actor.UserID, "", "user", "search", "staff role required")
	}
	return s.repo.User().SearchStudents(ctx, query, limit)
}

// TopicMap returns per-subject topic and subtopic counts over the published
// bank, cached briefly since authoring screens poll it.
func (s *reportService) TopicMap(ctx context.Context, actor Actor) ([]repositories.TopicCount, error) {
	if !actor.IsStaff() {
		return nil, NewPermissionError(actor.UserID, "", "question", "topic_map", "staff role required")
	}

	if s.cache != nil {
		var cached []repositories.TopicCount
		err := s.cache.Get(ctx, topicMapCacheKey, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("Topic map cache read failed", "error", err)
		}
	}

	topics, err := s.repo.Question().TopicMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build topic map: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, topicMapCacheKey, topics, topicMapCacheTTL); err != nil {
			s.logger.Warn("Topic map cache write failed", "error", err)
		}
	}
	return topics, nil
}

func displayName(u *models.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.Nickname != nil {
		name = *u.Nickname
	}
	if name == "" {
		name = u.Username
	}
	return name
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
