package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MinTimePerQuestion is the shortest per-question countdown, in seconds.
	MinTimePerQuestion = 5
	// DefaultTimePerQuestion applies when a quiz does not set one.
	DefaultTimePerQuestion = 30
)

// Normalize fills defaults and canonicalises answer keys in place: the time
// limit is raised to the minimum, question types follow their set, mcq labels
// and tf values are upper-cased and enum keywords lower-cased.
func (q *Quiz) Normalize() {
	if q.TimePerQuestion == 0 {
		q.TimePerQuestion = DefaultTimePerQuestion
	}
	if q.TimePerQuestion < MinTimePerQuestion {
		q.TimePerQuestion = MinTimePerQuestion
	}
	for si := range q.Sets {
		set := &q.Sets[si]
		for qi := range set.Questions {
			question := &set.Questions[qi]
			if question.Type == "" {
				question.Type = set.Type
			}
			switch question.Type {
			case TypeMCQ:
				question.Correct = strings.ToUpper(strings.TrimSpace(question.Correct))
			case TypeTF:
				question.Correct = NormalizeTF(question.Correct)
			case TypeEnum:
				keywords := make([]string, 0, len(question.Keywords))
				for _, kw := range question.Keywords {
					if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
						keywords = append(keywords, kw)
					}
				}
				question.Keywords = keywords
			}
		}
	}
}

// Check enforces the structural rules a struct validator cannot express:
// question ids unique within the quiz, question type equal to its set's,
// and variant-specific answer keys present.
func (q Quiz) Check() error {
	seen := make(map[string]struct{})
	for si, set := range q.Sets {
		for qi, question := range set.Questions {
			where := fmt.Sprintf("set %d question %d", si+1, qi+1)
			if _, dup := seen[question.ID]; dup {
				return fmt.Errorf("%w: %s: duplicate question id %q", ErrValidation, where, question.ID)
			}
			seen[question.ID] = struct{}{}
			if question.Type != set.Type {
				return fmt.Errorf("%w: %s: type %s does not match set type %s", ErrValidation, where, question.Type, set.Type)
			}
			if err := question.checkKey(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrValidation, where, err)
			}
		}
	}
	return nil
}

func (q Question) checkKey() error {
	switch q.Type {
	case TypeMCQ:
		for _, label := range MCQLabels {
			if strings.TrimSpace(q.Options[label]) == "" {
				return fmt.Errorf("option %s missing", label)
			}
		}
		if _, ok := q.Options[q.Correct]; !ok {
			return fmt.Errorf("correct label %q is not an option", q.Correct)
		}
	case TypeTF:
		if q.Correct != LabelTrue && q.Correct != LabelFalse {
			return fmt.Errorf("correct value must be T or F")
		}
	case TypeMatch:
		if len(q.Pairs) == 0 {
			return fmt.Errorf("matching question needs pairs")
		}
	case TypeEnum:
		if len(q.Keywords) == 0 {
			return fmt.Errorf("enumeration question needs keywords")
		}
	}
	return nil
}

// NormalizeTF maps the accepted spellings of a true/false value to LabelTrue or LabelFalse.
// Anything else is returned upper-cased and trimmed.
func NormalizeTF(v string) string {
	switch s := strings.ToUpper(strings.TrimSpace(v)); s {
	case "T", "TRUE":
		return LabelTrue
	case "F", "FALSE":
		return LabelFalse
	default:
		return s
	}
}

// TotalQuestions counts questions across all sets.
func (q Quiz) TotalQuestions() int {
	total := 0
	for _, set := range q.Sets {
		total += len(set.Questions)
	}
	return total
}

// FindQuestion returns the question with the given id.
func (q Quiz) FindQuestion(id string) (Question, bool) {
	for _, set := range q.Sets {
		for _, question := range set.Questions {
			if question.ID == id {
				return question, true
			}
		}
	}
	return Question{}, false
}

// Clone returns a deep copy, so a room's snapshot is unaffected by later
// edits to the authored quiz.
func (q Quiz) Clone() Quiz {
	data, err := json.Marshal(q)
	if err != nil {
		return q
	}
	var out Quiz
	if err := json.Unmarshal(data, &out); err != nil {
		return q
	}
	return out
}
