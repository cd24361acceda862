package postgres

import (
	"context"
	"strings"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/gorm"
)

type QuestionPostgreSQL struct {
	db *gorm.DB
}

func NewQuestionPostgreSQL(db *gorm.DB) repositories.QuestionRepository {
	return &QuestionPostgreSQL{db: db}
}

func (q *QuestionPostgreSQL) Create(ctx context.Context, question *models.Question) error {
	return q.db.WithContext(ctx).Create(question).Error
}

func (q *QuestionPostgreSQL) GetByID(ctx context.Context, id string) (*models.Question, error) {
	var question models.Question
	if err := q.db.WithContext(ctx).First(&question, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &question, nil
}

func (q *QuestionPostgreSQL) GetByIDs(ctx context.Context, ids []string) ([]*models.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var questions []*models.Question
	if err := q.db.WithContext(ctx).Where("id IN ?", ids).Find(&questions).Error; err != nil {
		return nil, err
	}
	return questions, nil
}

func (q *QuestionPostgreSQL) Search(ctx context.Context, filters repositories.QuestionSearchFilters) ([]*models.Question, error) {
	query := q.db.WithContext(ctx).Model(&models.Question{})

	if filters.Subject != nil {
		query = query.Where("subject = ?", *filters.Subject)
	}
	if filters.Topic != nil {
		query = query.Where("LOWER(topic) = LOWER(?)", *filters.Topic)
	}
	if filters.Subtopic != nil {
		query = query.Where("LOWER(subtopic) = LOWER(?)", *filters.Subtopic)
	}
	if filters.Difficulty != nil {
		query = query.Where("LOWER(difficulty) = LOWER(?)", string(*filters.Difficulty))
	}
	if strings.TrimSpace(filters.Query) != "" {
		pattern := "%" + strings.TrimSpace(filters.Query) + "%"
		query = query.Where("stem ILIKE ? OR passage ILIKE ?", pattern, pattern)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 200
	}
	if limit > 500 {
		limit = 500
	}

	var questions []*models.Question
	if err := query.Order("created_at DESC").Limit(limit).Find(&questions).Error; err != nil {
		return nil, err
	}
	return questions, nil
}

func (q *QuestionPostgreSQL) CandidateIDs(ctx context.Context, filters repositories.SelectionFilters) ([]string, error) {
	query := q.db.WithContext(ctx).Model(&models.Question{}).
		Where("subject = ? AND published = ?", filters.Subject, true)

	if topics := nonEmpty(filters.Topics); len(topics) > 0 {
		query = query.Where("LOWER(topic) IN ?", lowered(topics))
	}
	if subtopics := nonEmpty(filters.Subtopics); len(subtopics) > 0 {
		query = query.Where("LOWER(subtopic) IN ?", lowered(subtopics))
	}
	if filters.Difficulty != nil {
		query = query.Where("LOWER(difficulty) = ?", strings.ToLower(string(*filters.Difficulty)))
	}
	if len(filters.ExcludeIDs) > 0 {
		query = query.Where("id NOT IN ?", filters.ExcludeIDs)
	}

	var ids []string
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *QuestionPostgreSQL) CountBySubject(ctx context.Context, ids []string) (map[models.Subject]int, error) {
	counts := map[models.Subject]int{}
	if len(ids) == 0 {
		return counts, nil
	}

	type row struct {
		Subject models.Subject
		Count   int
	}
	var rows []row
	if err := q.db.WithContext(ctx).Model(&models.Question{}).
		Select("subject, COUNT(*) AS count").
		Where("id IN ?", ids).
		Group("subject").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.Subject] = r.Count
	}
	return counts, nil
}

func (q *QuestionPostgreSQL) TopicMap(ctx context.Context) ([]repositories.TopicCount, error) {
	var rows []repositories.TopicCount
	if err := q.db.WithContext(ctx).Model(&models.Question{}).
		Select("subject, topic, subtopic, COUNT(*) AS count").
		Where("published = ?", true).
		Group("subject, topic, subtopic").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}

func lowered(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
