package postgres

import (
	"context"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccessPostgreSQL struct {
	db *gorm.DB
}

func NewAccessPostgreSQL(db *gorm.DB) repositories.AccessRepository {
	return &AccessPostgreSQL{db: db}
}

func (a *AccessPostgreSQL) GetForStudent(ctx context.Context, assessmentID, studentID string) (*models.AccessGrant, error) {
	var grant models.AccessGrant
	if err := a.db.WithContext(ctx).
		Where("assessment_id = ? AND student_id = ?", assessmentID, studentID).
		First(&grant).Error; err != nil {
		return nil, err
	}
	return &grant, nil
}

func (a *AccessPostgreSQL) ListActive(ctx context.Context, assessmentID string) ([]*models.AccessGrant, error) {
	var grants []*models.AccessGrant
	if err := a.db.WithContext(ctx).
		Where("assessment_id = ? AND is_active = ?", assessmentID, true).
		Order("granted_at").
		Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

// Count counts every grant row for the assessment, revoked and expired ones
// included. A revoked row must keep the allow-list active or revocation would
// reopen the pool.
func (a *AccessPostgreSQL) Count(ctx context.Context, assessmentID string) (int64, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&models.AccessGrant{}).
		Where("assessment_id = ?", assessmentID).
		Count(&count).Error
	return count, err
}

func (a *AccessPostgreSQL) Upsert(ctx context.Context, grant *models.AccessGrant) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assessment_id"}, {Name: "student_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"attempt_limit", "granted_by", "granted_at", "expires_at", "is_active",
		}),
	}).Create(grant).Error
}

func (a *AccessPostgreSQL) Revoke(ctx context.Context, assessmentID, studentID string) error {
	result := a.db.WithContext(ctx).Model(&models.AccessGrant{}).
		Where("assessment_id = ? AND student_id = ?", assessmentID, studentID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (a *AccessPostgreSQL) ReplaceAll(ctx context.Context, assessmentID string, grants []*models.AccessGrant) error {
	if err := a.db.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Delete(&models.AccessGrant{}).Error; err != nil {
		return err
	}
	if len(grants) == 0 {
		return nil
	}
	return a.db.WithContext(ctx).CreateInBatches(grants, 200).Error
}
