package services

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
)

type selectionService struct {
	repo   repositories.Repository
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// SelectionEngine is the full surface of the selection service: rule parsing
// and generation plus the shuffling side the attempt state machine uses.
type SelectionEngine interface {
	SelectionService
	Shuffler
}

// NewSelectionService builds the rule-driven selection engine. rng is the
// sampling source; tests pass a seeded generator for reproducible draws.
func NewSelectionService(repo repositories.Repository, logger *slog.Logger, rng *rand.Rand) SelectionEngine {
	return &selectionService{
		repo:   repo,
		logger: logger,
		rng:    rng,
	}
}

var (
	segmentSplitRe = regexp.MustCompile(`(?i)\s+and\s+`)
	countRe        = regexp.MustCompile(`(\d+)`)
	verbalRe       = regexp.MustCompile(`(?i)\bverbal\b`)
	mathRe         = regexp.MustCompile(`(?i)\bmath\b`)
	fromRe         = regexp.MustCompile(`(?i)from\s+(.*)`)
	parensRe       = regexp.MustCompile(`\(.*?\)`)
	topicSplitRe   = regexp.MustCompile(`,|&|/| and `)
)

var difficultyRes = []struct {
	name string
	re   *regexp.Regexp
}{
	{"easy", regexp.MustCompile(`(?i)\beasy\b`)},
	{"medium", regexp.MustCompile(`(?i)\bmedium\b`)},
	{"hard", regexp.MustCompile(`(?i)\bhard\b`)},
	{"mixed", regexp.MustCompile(`(?i)\bmixed\b`)},
}

// ParseCommand parses requests like "10 easy math from Algebra and 5 hard
// verbal". Segments are split on " and "; each needs a count, and may name a
// subject, a difficulty ("mixed" means no filter) and a "from ..." topic
// list. Segments with no count are dropped.
func (s *selectionService) ParseCommand(command string) []SelectionRule {
	if strings.TrimSpace(command) == "" {
		return nil
	}

	var rules []SelectionRule
	for _, segment := range segmentSplitRe.Split(command, -1) {
		text := strings.TrimSpace(segment)
		if text == "" {
			continue
		}

		countMatch := countRe.FindString(text)
		if countMatch == "" {
			continue
		}
		count, err := strconv.Atoi(countMatch)
		if err != nil {
			continue
		}

		var subject string
		switch {
		case verbalRe.MatchString(text):
			subject = string(models.SubjectVerbal)
		case mathRe.MatchString(text):
			subject = string(models.SubjectMath)
		}

		var difficulty string
		for _, d := range difficultyRes {
			if d.re.MatchString(text) {
				if d.name != "mixed" {
					difficulty = d.name
				}
				break
			}
		}

		var topics []string
		if m := fromRe.FindStringSubmatch(text); m != nil {
			topicPart := parensRe.ReplaceAllString(m[1], "")
			topicPart = strings.ReplaceAll(topicPart, "questions", "")
			topicPart = strings.ReplaceAll(topicPart, "question", "")
			for _, piece := range topicSplitRe.Split(topicPart, -1) {
				if t := strings.TrimSpace(piece); t != "" {
					topics = append(topics, t)
				}
			}
		}

		rules = append(rules, SelectionRule{
			Subject:    subject,
			Topics:     topics,
			Difficulty: difficulty,
			Count:      count,
		})
	}
	return rules
}

// Generate processes rules in order, drawing each rule's count uniformly
// without replacement from the published questions matching its filters,
// never re-picking an excluded or already-selected id. All-or-nothing: any
// per-rule deficiency fails the whole call with one message per failing rule.
func (s *selectionService) Generate(ctx context.Context, rules []SelectionRule, excludeIDs []string) ([]string, error) {
	if len(rules) == 0 {
		return nil, NewValidationError("rules", "at least one selection rule is required", nil)
	}

	var selected []string
	var deficiencies []string

	exclude := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = struct{}{}
	}

	for i, rule := range rules {
		ruleNum := i + 1

		subject := models.Subject(strings.ToLower(strings.TrimSpace(rule.Subject)))
		if subject != models.SubjectVerbal && subject != models.SubjectMath {
			deficiencies = append(deficiencies, fmt.Sprintf("Rule %d: subject must be verbal or math", ruleNum))
			continue
		}
		if rule.Count <= 0 {
			deficiencies = append(deficiencies, fmt.Sprintf("Rule %d: count must be greater than 0", ruleNum))
			continue
		}

		filters := repositories.SelectionFilters{
			Subject:   subject,
			Topics:    rule.Topics,
			Subtopics: rule.Subtopics,
		}
		if d := strings.ToLower(strings.TrimSpace(rule.Difficulty)); d != "" {
			level := models.DifficultyLevel(d)
			filters.Difficulty = &level
		}
		for id := range exclude {
			filters.ExcludeIDs = append(filters.ExcludeIDs, id)
		}

		candidates, err := s.repo.Question().CandidateIDs(ctx, filters)
		if err != nil {
			return nil, fmt.Errorf("failed to load candidates for rule %d: %w", ruleNum, err)
		}

		if len(candidates) < rule.Count {
			deficiencies = append(deficiencies, fmt.Sprintf(
				"Rule %d: only %d matching questions (need %d)", ruleNum, len(candidates), rule.Count))
			continue
		}

		picked := s.sample(candidates, rule.Count)
		for _, id := range picked {
			selected = append(selected, id)
			exclude[id] = struct{}{}
		}
	}

	if len(deficiencies) > 0 {
		return nil, &InsufficientPoolError{Messages: deficiencies}
	}

	s.logger.Info("Question pool generated",
		"rules", len(rules),
		"selected", len(selected))
	return selected, nil
}

// sample draws count distinct ids uniformly from candidates.
func (s *selectionService) sample(candidates []string, count int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	picked := make([]string, 0, count)
	for _, idx := range s.rng.Perm(len(candidates))[:count] {
		picked = append(picked, candidates[idx])
	}
	return picked
}

// shuffle permutes ids in place; attempt creation shares the selection
// engine's random source so seeded tests replay whole sessions.
func (s *selectionService) shuffle(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
}

// permutation returns a random permutation of [0, n).
func (s *selectionService) permutation(n int) models.ChoicePermutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ChoicePermutation(s.rng.Perm(n))
}

// Shuffler is the slice of the selection engine the attempt state machine
// needs: frozen question order and per-question choice permutations.
type Shuffler interface {
	ShuffleIDs(ids []string)
	ChoicePermutation(n int) models.ChoicePermutation
}

func (s *selectionService) ShuffleIDs(ids []string) { s.shuffle(ids) }

func (s *selectionService) ChoicePermutation(n int) models.ChoicePermutation {
	return s.permutation(n)
}
