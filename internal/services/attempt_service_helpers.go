package services

import (
	"context"
	"fmt"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"gorm.io/datatypes"
)

// buildStartResponse assembles the sanitized session payload. Choice
// permutations are generated here, on first presentation, for questions that
// do not have one yet; the override-applied choice list is what gets
// permuted, so overrides added after the attempt started are still honored.
func (s *attemptService) buildStartResponse(ctx context.Context, tx repositories.Repository, assessment *models.Assessment, attempt *models.Attempt, resumed bool) (*StartAttemptResponse, error) {
	order := attempt.QuestionOrder.Data()
	questions, err := loadQuestionMap(ctx, tx, order.All(moduleKeys(assessment)), assessment.Overrides())
	if err != nil {
		return nil, err
	}

	perms := attempt.Permutations()
	if assessment.ShuffleChoices {
		changed := false
		for id, q := range questions {
			if q.IsOpenEnded {
				continue
			}
			if _, ok := perms[id]; ok {
				continue
			}
			perms[id] = s.shuffler.ChoicePermutation(len(q.ChoiceList()))
			changed = true
		}
		if changed {
			attempt.ChoiceOrder = datatypes.NewJSONType(perms)
			if err := tx.Attempt().Update(ctx, attempt); err != nil {
				return nil, fmt.Errorf("failed to persist choice order: %w", err)
			}
		}
	}

	resp := &StartAttemptResponse{
		AttemptID:  attempt.ID,
		Resumed:    resumed,
		Assessment: summaryOf(assessment),
		Answers:    attempt.AnswerMap(),
		TimeSpent:  attempt.TimeSpent,
	}

	if assessment.Kind == models.KindModular {
		for _, m := range assessment.Modules {
			payload := ModulePayload{
				Key:              m.Key(),
				Subject:          m.Subject,
				ModuleIndex:      m.ModuleIndex,
				TimeLimitMinutes: m.TimeLimitMinutes,
			}
			for _, id := range order.ByModule[m.Key()] {
				if q, ok := questions[id]; ok {
					payload.Questions = append(payload.Questions, questionView(q, perms[id]))
				}
			}
			resp.Modules = append(resp.Modules, payload)
		}
		return resp, nil
	}

	for _, id := range order.Flat {
		if q, ok := questions[id]; ok {
			resp.Questions = append(resp.Questions, questionView(q, perms[id]))
		}
	}
	return resp, nil
}

// buildReview assembles the graded view from the attempt's persisted scores,
// resolving each question through the frozen permutation.
func (s *attemptService) buildReview(ctx context.Context, assessment *models.Assessment, attempt *models.Attempt) (*ReviewResponse, error) {
	order := attempt.QuestionOrder.Data()
	questions, err := loadQuestionMap(ctx, s.repo, order.All(moduleKeys(assessment)), assessment.Overrides())
	if err != nil {
		return nil, err
	}

	answers := attempt.AnswerMap()
	perms := attempt.Permutations()

	resp := &ReviewResponse{
		AttemptID:    attempt.ID,
		Assessment:   summaryOf(assessment),
		Status:       attempt.Status,
		SubmittedAt:  attempt.SubmittedAt,
		ScoreVerbal:  attempt.ScoreVerbal,
		ScoreMath:    attempt.ScoreMath,
		TotalScore:   attempt.TotalScore,
		CorrectCount: attempt.CorrectCount,
		TotalCount:   attempt.TotalCount,
		Score:        attempt.Score,
		ModuleScores: attempt.ModuleScores.Data(),
		Analytics:    attempt.Analytics.Data(),
	}

	if assessment.Kind == models.KindModular {
		scores := attempt.ModuleScores.Data()
		for _, m := range assessment.Modules {
			rm := ReviewModule{
				Key:     m.Key(),
				Subject: m.Subject,
				Score:   scores[m.Key()],
			}
			for _, id := range order.ByModule[m.Key()] {
				if q, ok := questions[id]; ok {
					rm.Questions = append(rm.Questions, reviewQuestion(q, perms[id], answers))
				}
			}
			resp.Modules = append(resp.Modules, rm)
		}
		return resp, nil
	}

	for _, id := range order.Flat {
		if q, ok := questions[id]; ok {
			resp.Questions = append(resp.Questions, reviewQuestion(q, perms[id], answers))
		}
	}
	return resp, nil
}

// loadQuestionMap fetches questions by id and applies per-assessment
// overrides, keyed by id.
func loadQuestionMap(ctx context.Context, repo repositories.Repository, ids []string, overrides map[string]models.QuestionOverride) (map[string]*models.Question, error) {
	questions, err := repo.Question().GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}

	byID := make(map[string]*models.Question, len(questions))
	for _, q := range questions {
		if o, ok := overrides[q.ID]; ok {
			byID[q.ID] = o.Apply(q)
		} else {
			byID[q.ID] = q
		}
	}
	return byID, nil
}

// questionView sanitizes one question for presentation: answer-key fields
// stripped, choices relabeled A, B, C... in permutation order. Permutation
// entries out of range are skipped; choices missing from the permutation are
// appended after it in storage order.
func questionView(q *models.Question, perm models.ChoicePermutation) QuestionView {
	view := QuestionView{
		ID:          q.ID,
		Subject:     q.Subject,
		Topic:       q.Topic,
		Subtopic:    q.Subtopic,
		Stem:        q.Stem,
		IsOpenEnded: q.IsOpenEnded,
	}
	if q.Passage != nil {
		view.Passage = *q.Passage
	}
	if q.ImageURL != nil {
		view.ImageURL = *q.ImageURL
	}

	for _, c := range presentChoices(q.ChoiceList(), perm) {
		view.Choices = append(view.Choices, ChoiceView{Label: c.Label, Content: c.Content})
	}
	return view
}

// presentChoices orders and relabels choices the way the student sees them.
func presentChoices(raw []models.Choice, perm models.ChoicePermutation) []models.Choice {
	if len(perm) == 0 {
		out := make([]models.Choice, 0, len(raw))
		for i, c := range raw {
			if c.Label == "" {
				c.Label = string(rune('A' + i))
			}
			out = append(out, c)
		}
		return out
	}

	used := make(map[int]struct{}, len(perm))
	out := make([]models.Choice, 0, len(raw))
	for _, rawIdx := range perm {
		if rawIdx < 0 || rawIdx >= len(raw) {
			continue
		}
		c := raw[rawIdx]
		c.Label = string(rune('A' + len(out)))
		out = append(out, c)
		used[rawIdx] = struct{}{}
	}
	for rawIdx, c := range raw {
		if _, ok := used[rawIdx]; ok {
			continue
		}
		c.Label = string(rune('A' + len(out)))
		out = append(out, c)
	}
	return out
}

// reviewQuestion is the disclosed variant: correctness resolved against the
// frozen permutation, answer key included.
func reviewQuestion(q *models.Question, perm models.ChoicePermutation, answers map[string]string) ReviewQuestion {
	rq := ReviewQuestion{QuestionView: questionView(q, perm)}
	if q.Explanation != nil {
		rq.Explanation = *q.Explanation
	}

	answer, answered := answers[q.ID]
	rq.Answered = answered
	if answered {
		a := answer
		rq.YourAnswer = &a
		rq.IsCorrect = answerIsCorrect(q, answer, perm)
	}

	if q.IsOpenEnded {
		rq.CorrectAnswer = q.CorrectAnswer
		return rq
	}

	for idx, c := range q.ChoiceList() {
		if !c.IsCorrect {
			continue
		}
		if label := presentedLabel(idx, perm); label != nil {
			rq.CorrectLabel = label
		} else {
			l := c.Label
			rq.CorrectLabel = &l
		}
		break
	}
	return rq
}

func summaryOf(a *models.Assessment) AssessmentSummary {
	var description string
	if a.Description != nil {
		description = *a.Description
	}
	return AssessmentSummary{
		ID:                  a.ID,
		Kind:                a.Kind,
		Title:               a.Title,
		Description:         description,
		VerbalQuestionCount: a.VerbalQuestionCount,
		MathQuestionCount:   a.MathQuestionCount,
		TotalTimeMinutes:    a.TotalTimeMinutes,
		AllowRetakes:        a.AllowRetakes,
		RetakeLimit:         a.RetakeLimit,
		IsActive:            a.IsActive,
		ResultsPublished:    a.ResultsPublished,
		CreatedAt:           a.CreatedAt,
	}
}
