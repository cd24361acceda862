package postgres

import (
	"context"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AssessmentPostgreSQL struct {
	db *gorm.DB
}

func NewAssessmentPostgreSQL(db *gorm.DB) repositories.AssessmentRepository {
	return &AssessmentPostgreSQL{db: db}
}

func (a *AssessmentPostgreSQL) Create(ctx context.Context, assessment *models.Assessment) error {
	return a.db.WithContext(ctx).Create(assessment).Error
}

func (a *AssessmentPostgreSQL) GetByID(ctx context.Context, id string) (*models.Assessment, error) {
	var assessment models.Assessment
	if err := a.db.WithContext(ctx).First(&assessment, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &assessment, nil
}

func (a *AssessmentPostgreSQL) GetByIDWithModules(ctx context.Context, id string) (*models.Assessment, error) {
	var assessment models.Assessment
	if err := a.db.WithContext(ctx).
		Preload("Modules", func(db *gorm.DB) *gorm.DB {
			return db.Order("subject, module_index")
		}).
		First(&assessment, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &assessment, nil
}

func (a *AssessmentPostgreSQL) Update(ctx context.Context, assessment *models.Assessment) error {
	return a.db.WithContext(ctx).Save(assessment).Error
}

func (a *AssessmentPostgreSQL) Delete(ctx context.Context, id string) error {
	return a.db.WithContext(ctx).Delete(&models.Assessment{}, "id = ?", id).Error
}

func (a *AssessmentPostgreSQL) List(ctx context.Context, filters repositories.AssessmentFilters) ([]*models.Assessment, error) {
	query := a.db.WithContext(ctx).Model(&models.Assessment{})

	if filters.CourseID != nil {
		query = query.Where("course_id = ?", *filters.CourseID)
	}
	if filters.Kind != nil {
		query = query.Where("kind = ?", *filters.Kind)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	var assessments []*models.Assessment
	if err := query.Order("created_at DESC").Limit(limit).Offset(filters.Offset).Find(&assessments).Error; err != nil {
		return nil, err
	}
	return assessments, nil
}

func (a *AssessmentPostgreSQL) UpdatePool(ctx context.Context, id string, questionIDs []string, verbalCount, mathCount int) error {
	result := a.db.WithContext(ctx).Model(&models.Assessment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"question_ids":          datatypes.NewJSONType(questionIDs),
			"verbal_question_count": verbalCount,
			"math_question_count":   mathCount,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (a *AssessmentPostgreSQL) UpdateOverrides(ctx context.Context, id string, overrides map[string]models.QuestionOverride) error {
	result := a.db.WithContext(ctx).Model(&models.Assessment{}).
		Where("id = ?", id).
		Update("question_overrides", datatypes.NewJSONType(overrides))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (a *AssessmentPostgreSQL) GetModules(ctx context.Context, assessmentID string) ([]*models.AssessmentModule, error) {
	var modules []*models.AssessmentModule
	if err := a.db.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Order("subject, module_index").
		Find(&modules).Error; err != nil {
		return nil, err
	}
	return modules, nil
}

func (a *AssessmentPostgreSQL) UpsertModule(ctx context.Context, module *models.AssessmentModule) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assessment_id"}, {Name: "subject"}, {Name: "module_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"question_ids", "required_count", "time_limit_minutes", "updated_at",
		}),
	}).Create(module).Error
}
