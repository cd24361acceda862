package postgres

import (
	"context"

	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/gorm"
)

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) repositories.Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Question() repositories.QuestionRepository {
	return NewQuestionPostgreSQL(r.db)
}

func (r *gormRepository) Assessment() repositories.AssessmentRepository {
	return NewAssessmentPostgreSQL(r.db)
}

func (r *gormRepository) Attempt() repositories.AttemptRepository {
	return NewAttemptPostgreSQL(r.db)
}

func (r *gormRepository) Access() repositories.AccessRepository {
	return NewAccessPostgreSQL(r.db)
}

func (r *gormRepository) User() repositories.UserRepository {
	return NewUserPostgreSQL(r.db)
}

func (r *gormRepository) Enrollment() repositories.EnrollmentRepository {
	return NewEnrollmentPostgreSQL(r.db)
}

func (r *gormRepository) WithTransaction(ctx context.Context, fn func(repositories.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *gormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
