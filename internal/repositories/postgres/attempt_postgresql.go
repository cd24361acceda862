package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/gorm"
)

type AttemptPostgreSQL struct {
	db *gorm.DB
}

func NewAttemptPostgreSQL(db *gorm.DB) repositories.AttemptRepository {
	return &AttemptPostgreSQL{db: db}
}

func (a *AttemptPostgreSQL) Create(ctx context.Context, attempt *models.Attempt) error {
	return a.db.WithContext(ctx).Create(attempt).Error
}

func (a *AttemptPostgreSQL) GetByID(ctx context.Context, id string) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).First(&attempt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetByIDWithDetails(ctx context.Context, id string) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).
		Preload("Assessment").
		Preload("Assessment.Modules").
		Preload("Student").
		First(&attempt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) Update(ctx context.Context, attempt *models.Attempt) error {
	return a.db.WithContext(ctx).Save(attempt).Error
}

func (a *AttemptPostgreSQL) GetInProgress(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error) {
	var attempt models.Attempt
	err := a.db.WithContext(ctx).
		Where("assessment_id = ? AND student_id = ? AND status = ?",
			assessmentID, studentID, models.AttemptInProgress).
		Order("started_at DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) CountSubmitted(ctx context.Context, assessmentID, studentID string) (int64, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&models.Attempt{}).
		Where("assessment_id = ? AND student_id = ? AND status = ?",
			assessmentID, studentID, models.AttemptSubmitted).
		Count(&count).Error
	return count, err
}

func (a *AttemptPostgreSQL) LatestForStudent(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).
		Where("assessment_id = ? AND student_id = ?", assessmentID, studentID).
		Order("started_at DESC").
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) LatestSubmitted(ctx context.Context, assessmentID, studentID string) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).
		Where("assessment_id = ? AND student_id = ? AND status = ?",
			assessmentID, studentID, models.AttemptSubmitted).
		Order("submitted_at DESC").
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) ListSubmittedByAssessment(ctx context.Context, assessmentID string) ([]*models.Attempt, error) {
	var attempts []*models.Attempt
	if err := a.db.WithContext(ctx).
		Preload("Student").
		Where("assessment_id = ? AND status = ?", assessmentID, models.AttemptSubmitted).
		Order("submitted_at DESC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (a *AttemptPostgreSQL) SubmittedCounts(ctx context.Context, assessmentID string) (map[string]int, error) {
	type row struct {
		StudentID string
		Count     int
	}
	var rows []row
	if err := a.db.WithContext(ctx).Model(&models.Attempt{}).
		Select("student_id, COUNT(*) AS count").
		Where("assessment_id = ? AND status = ?", assessmentID, models.AttemptSubmitted).
		Group("student_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.StudentID] = r.Count
	}
	return counts, nil
}

func (a *AttemptPostgreSQL) MarkSubmitted(ctx context.Context, attempt *models.Attempt) (bool, error) {
	if attempt.SubmittedAt == nil {
		now := time.Now().UTC()
		attempt.SubmittedAt = &now
	}
	result := a.db.WithContext(ctx).Model(&models.Attempt{}).
		Where("id = ? AND status = ?", attempt.ID, models.AttemptInProgress).
		Updates(map[string]interface{}{
			"status":        models.AttemptSubmitted,
			"answers":       attempt.Answers,
			"module_scores": attempt.ModuleScores,
			"analytics":     attempt.Analytics,
			"score_verbal":  attempt.ScoreVerbal,
			"score_math":    attempt.ScoreMath,
			"total_score":   attempt.TotalScore,
			"correct_count": attempt.CorrectCount,
			"total_count":   attempt.TotalCount,
			"score":         attempt.Score,
			"time_spent":    attempt.TimeSpent,
			"submitted_at":  attempt.SubmittedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	attempt.Status = models.AttemptSubmitted
	return true, nil
}
