package utils

import (
	"fmt"

	"github.com/prep-portal/assessment-service/internal/models"
)

// QuestionValidator checks bank questions and per-assessment overrides for
// structural integrity before they reach an attempt.
type QuestionValidator struct{}

func NewQuestionValidator() *QuestionValidator {
	return &QuestionValidator{}
}

// ValidateQuestion validates a complete question record.
func (v *QuestionValidator) ValidateQuestion(question *models.Question) error {
	if question.Stem == "" {
		return fmt.Errorf("question stem is required")
	}
	if question.Topic == "" {
		return fmt.Errorf("question topic is required")
	}

	if question.IsOpenEnded {
		if question.CorrectAnswer == nil || *question.CorrectAnswer == "" {
			return fmt.Errorf("open-ended questions require a correct answer")
		}
		return nil
	}
	return v.ValidateChoices(question.ChoiceList())
}

// ValidateChoices enforces the multiple-choice shape: at least two choices,
// exactly one flagged correct, no duplicate labels.
func (v *QuestionValidator) ValidateChoices(choices []models.Choice) error {
	if len(choices) < 2 {
		return fmt.Errorf("multiple-choice questions require at least 2 choices, got %d", len(choices))
	}

	correctCount := 0
	seen := make(map[string]struct{}, len(choices))
	for i, c := range choices {
		if c.Content == "" {
			return fmt.Errorf("choice %d has empty content", i+1)
		}
		if c.Label != "" {
			if _, dup := seen[c.Label]; dup {
				return fmt.Errorf("duplicate choice label %q", c.Label)
			}
			seen[c.Label] = struct{}{}
		}
		if c.IsCorrect {
			correctCount++
		}
	}
	if correctCount != 1 {
		return fmt.Errorf("multiple-choice questions require exactly 1 correct choice, got %d", correctCount)
	}
	return nil
}

// ValidateOverride rejects overrides that would leave a question unscorable.
func (v *QuestionValidator) ValidateOverride(override *models.QuestionOverride) error {
	if override == nil {
		return nil
	}
	if override.Choices != nil {
		if err := v.ValidateChoices(*override.Choices); err != nil {
			return fmt.Errorf("override choices invalid: %w", err)
		}
	}
	if override.IsOpenEnded != nil && *override.IsOpenEnded {
		if override.CorrectAnswer == nil || *override.CorrectAnswer == "" {
			return fmt.Errorf("override switching to open-ended must supply a correct answer")
		}
	}
	return nil
}
