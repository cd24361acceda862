package services

import (
	"fmt"
	"strings"

	"github.com/prep-portal/assessment-service/internal/models"
)

// ScoreResult is one scoring pass over an answer buffer. Only answered
// questions count toward totals; unanswered ones surface separately in
// mistake reports.
type ScoreResult struct {
	Totals          map[models.Subject]models.CorrectTotal
	TopicStats      map[string]models.CorrectTotal
	DifficultyStats map[string]models.CorrectTotal
}

func (r ScoreResult) Correct() int {
	var n int
	for _, t := range r.Totals {
		n += t.Correct
	}
	return n
}

func (r ScoreResult) Total() int {
	var n int
	for _, t := range r.Totals {
		n += t.Total
	}
	return n
}

// scoreAnswers scores every answered question in questions against answers,
// reversing the stored choice permutation where one exists. Aggregates are
// keyed per subject plus "subject:topic" and "subject:difficulty" breakdowns.
func scoreAnswers(questions map[string]*models.Question, answers map[string]string, choiceOrder models.ChoiceOrder) ScoreResult {
	result := ScoreResult{
		Totals:          map[models.Subject]models.CorrectTotal{},
		TopicStats:      map[string]models.CorrectTotal{},
		DifficultyStats: map[string]models.CorrectTotal{},
	}

	for qid, q := range questions {
		answer, answered := answers[qid]
		if !answered {
			continue
		}

		correct := answerIsCorrect(q, answer, choiceOrder[qid])

		bump(result.Totals, q.Subject, correct)

		topicKey := fmt.Sprintf("%s:%s", q.Subject, q.Topic)
		bump(result.TopicStats, topicKey, correct)

		difficulty := "unknown"
		if q.Difficulty != nil {
			difficulty = strings.ToLower(string(*q.Difficulty))
		}
		bump(result.DifficultyStats, fmt.Sprintf("%s:%s", q.Subject, difficulty), correct)
	}

	return result
}

func bump[K comparable](stats map[K]models.CorrectTotal, key K, correct bool) {
	t := stats[key]
	t.Total++
	if correct {
		t.Correct++
	}
	stats[key] = t
}

// answerIsCorrect checks one submitted answer. For shuffled multiple choice
// the label the student saw must be mapped back through the permutation to
// the original choice index before the correctness flag is consulted; labels
// are reassigned A, B, C... in presentation order, not storage order.
func answerIsCorrect(q *models.Question, answer string, perm models.ChoicePermutation) bool {
	if q.IsOpenEnded {
		var expected string
		if q.CorrectAnswer != nil {
			expected = strings.ToLower(strings.TrimSpace(*q.CorrectAnswer))
		}
		actual := strings.ToLower(strings.TrimSpace(answer))
		return expected != "" && actual == expected
	}

	pick := strings.TrimSpace(answer)
	if pick == "" {
		return false
	}
	choices := q.ChoiceList()

	if len(perm) > 0 {
		idx := int(strings.ToUpper(pick)[0]) - 'A'
		if idx < 0 || idx >= len(perm) {
			return false
		}
		rawIdx := perm[idx]
		return rawIdx >= 0 && rawIdx < len(choices) && choices[rawIdx].IsCorrect
	}

	for _, c := range choices {
		if c.IsCorrect {
			return pick == c.Label
		}
	}
	return false
}

// answerKey returns the correct choice's label and content in storage order,
// nil for open-ended or keyless questions.
func answerKey(q *models.Question) (label, content *string) {
	if q.IsOpenEnded {
		return nil, nil
	}
	for _, c := range q.ChoiceList() {
		if c.IsCorrect {
			l, t := c.Label, c.Content
			return &l, &t
		}
	}
	return nil, nil
}

// pickedText resolves the content of the choice a student picked, honoring
// the permutation under which the label was assigned.
func pickedText(q *models.Question, pick string, perm models.ChoicePermutation) *string {
	pick = strings.TrimSpace(pick)
	if pick == "" || q.IsOpenEnded {
		return nil
	}
	choices := q.ChoiceList()

	if len(perm) > 0 {
		idx := int(strings.ToUpper(pick)[0]) - 'A'
		if idx < 0 || idx >= len(perm) {
			return nil
		}
		rawIdx := perm[idx]
		if rawIdx < 0 || rawIdx >= len(choices) {
			return nil
		}
		return &choices[rawIdx].Content
	}

	for _, c := range choices {
		if c.Label == pick {
			return &c.Content
		}
	}
	return nil
}

// presentedLabel maps a choice's original index to the label the student saw.
func presentedLabel(originalIdx int, perm models.ChoicePermutation) *string {
	if len(perm) == 0 {
		return nil
	}
	for pos, rawIdx := range perm {
		if rawIdx == originalIdx {
			label := string(rune('A' + pos))
			return &label
		}
	}
	return nil
}
