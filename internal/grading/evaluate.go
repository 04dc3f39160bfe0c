// Package grading scores submissions against questions.
package grading

import (
	"encoding/json"
	"strings"

	"quizroom-service/internal/domain"
)

// MaxEnumTokens caps how many enumeration inputs are considered.
const MaxEnumTokens = 5

var nullValue = json.RawMessage("null")

// Evaluate grades a submission. It never fails: malformed or empty input is
// simply incorrect, and essays always come back pending.
func Evaluate(q domain.Question, sub domain.Submission) domain.AnswerRecord {
	rec := domain.AnswerRecord{Type: q.Type, QuestionText: q.Text, Value: nullValue}

	switch q.Type {
	case domain.TypeMCQ:
		choice := strings.ToUpper(strings.TrimSpace(sub.Choice))
		rec.Value = stringValue(choice)
		rec.Correct = verdict(choice != "" && choice == q.Correct)
	case domain.TypeTF:
		choice := ""
		if strings.TrimSpace(sub.Choice) != "" {
			choice = domain.NormalizeTF(sub.Choice)
		}
		rec.Value = stringValue(choice)
		rec.Correct = verdict(choice != "" && choice == q.Correct)
	case domain.TypeMatch:
		details, ok := gradeMatch(q.Pairs, sub.Matches)
		rec.Value = encode(details)
		rec.Correct = verdict(ok)
	case domain.TypeEnum:
		tokens := enumTokens(sub.Tokens)
		rec.Value = encode(tokens)
		rec.Correct = verdict(anyOverlap(tokens, q.Keywords))
	case domain.TypeEssay:
		rec.Value = encode(strings.TrimSpace(sub.Text))
		rec.Pending = true
	default:
		rec.Correct = verdict(false)
	}
	return rec
}

// Apply stores rec under questionID and updates the running totals. Only a
// definite correct result scores; an essay latches PendingEssay for good.
func Apply(p *domain.Participant, questionID string, rec domain.AnswerRecord) {
	if p.Answers == nil {
		p.Answers = make(map[string]domain.AnswerRecord)
	}
	p.Answers[questionID] = rec
	if rec.IsCorrect() {
		p.Score++
		p.CorrectCount++
	}
	if rec.Type == domain.TypeEssay {
		p.PendingEssay = true
	}
}

func gradeMatch(pairs []domain.MatchPair, chosen []string) ([]domain.MatchChoice, bool) {
	details := make([]domain.MatchChoice, 0, len(pairs))
	ok := len(pairs) > 0
	for i, pair := range pairs {
		choice := ""
		if i < len(chosen) {
			choice = strings.TrimSpace(chosen[i])
		}
		if choice == "" || choice != pair.Right {
			ok = false
		}
		details = append(details, domain.MatchChoice{Left: pair.Left, Chosen: choice, Expected: pair.Right})
	}
	return details, ok
}

func enumTokens(raw []string) []string {
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(tokens) == MaxEnumTokens {
			break
		}
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// anyOverlap reports whether some token and some keyword contain one another.
func anyOverlap(tokens, keywords []string) bool {
	for _, token := range tokens {
		for _, kw := range keywords {
			kw = strings.ToLower(kw)
			if kw == "" {
				continue
			}
			if strings.Contains(token, kw) || strings.Contains(kw, token) {
				return true
			}
		}
	}
	return false
}

func verdict(ok bool) *bool {
	return &ok
}

func stringValue(s string) json.RawMessage {
	if s == "" {
		return nullValue
	}
	return encode(s)
}

func encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nullValue
	}
	return data
}
