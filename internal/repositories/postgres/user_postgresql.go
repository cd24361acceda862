package postgres

import (
	"context"
	"strings"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/gorm"
)

type UserPostgreSQL struct {
	db *gorm.DB
}

func NewUserPostgreSQL(db *gorm.DB) repositories.UserRepository {
	return &UserPostgreSQL{db: db}
}

func (u *UserPostgreSQL) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := u.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (u *UserPostgreSQL) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []*models.User
	if err := u.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (u *UserPostgreSQL) SearchStudents(ctx context.Context, query string, limit int) ([]*models.User, error) {
	if limit <= 0 {
		limit = 50
	}
	q := u.db.WithContext(ctx).Model(&models.User{}).
		Where("role = ? AND is_active = ?", models.RoleStudent, true)

	if pattern := strings.TrimSpace(query); pattern != "" {
		like := "%" + pattern + "%"
		q = q.Where(
			"username ILIKE ? OR first_name ILIKE ? OR last_name ILIKE ? OR nickname ILIKE ? OR student_id ILIKE ?",
			like, like, like, like, like,
		)
	}

	var users []*models.User
	if err := q.Order("username").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

type EnrollmentPostgreSQL struct {
	db *gorm.DB
}

func NewEnrollmentPostgreSQL(db *gorm.DB) repositories.EnrollmentRepository {
	return &EnrollmentPostgreSQL{db: db}
}

func (e *EnrollmentPostgreSQL) IsEnrolled(ctx context.Context, courseID, userID string) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("course_id = ? AND user_id = ?", courseID, userID).
		Count(&count).Error
	return count > 0, err
}
