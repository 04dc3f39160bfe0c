package cli

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quizroom-service/internal/domain"
)

const tfQuizYAML = `
title: Earth Science
sets:
  - title: True or false
    type: tf
    questions:
      - id: q1
        text: The Earth orbits the Sun.
        correct: "true"
`

const mcqQuizJSON = `{
  "id": "quiz-mcq",
  "title": "Networks",
  "timePer": 20,
  "sets": [{
    "title": "Multiple choice",
    "type": "mcq",
    "questions": [{
      "id": "q1",
      "text": "Which device forwards packets between networks?",
      "options": {"A": "Hub", "B": "Router", "C": "Switch", "D": "Repeater"},
      "correct": "b"
    }]
  }]
}`

func TestReadQuizFile(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
		check   func(t *testing.T, quiz domain.Quiz)
	}{
		{
			name:    "yaml is normalised",
			file:    "earth.yaml",
			content: tfQuizYAML,
			check: func(t *testing.T, quiz domain.Quiz) {
				if !strings.HasPrefix(quiz.ID, "quiz_") {
					t.Fatalf("expected a generated id, got %q", quiz.ID)
				}
				if quiz.TimePerQuestion != domain.DefaultTimePerQuestion {
					t.Fatalf("expected default time, got %d", quiz.TimePerQuestion)
				}
				q := quiz.Sets[0].Questions[0]
				if q.Type != domain.TypeTF || q.Correct != domain.LabelTrue {
					t.Fatalf("expected tf question keyed T, got %+v", q)
				}
			},
		},
		{
			name:    "json keeps its id",
			file:    "networks.json",
			content: mcqQuizJSON,
			check: func(t *testing.T, quiz domain.Quiz) {
				if quiz.ID != "quiz-mcq" || quiz.TimePerQuestion != 20 {
					t.Fatalf("unexpected quiz %+v", quiz)
				}
				if got := quiz.Sets[0].Questions[0].Correct; got != "B" {
					t.Fatalf("expected upper-cased label, got %q", got)
				}
			},
		},
		{
			name:    "extension is case insensitive",
			file:    "NETWORKS.JSON",
			content: mcqQuizJSON,
			check: func(t *testing.T, quiz domain.Quiz) {
				if quiz.Title != "Networks" {
					t.Fatalf("unexpected title %q", quiz.Title)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quiz, err := readQuizFile(writeQuizFile(t, tc.file, tc.content))
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			tc.check(t, quiz)
		})
	}
}

func TestReadQuizFileRejectsBadQuizzes(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
	}{
		{name: "malformed yaml", file: "bad.yaml", content: "title: [unclosed"},
		{name: "malformed json", file: "bad.json", content: `{"title": `},
		{name: "missing title", file: "untitled.yaml", content: strings.Replace(tfQuizYAML, "title: Earth Science", "", 1)},
		{name: "no sets", file: "empty.yaml", content: "title: Empty\n"},
		{name: "answer key not an option", file: "key.json", content: strings.Replace(mcqQuizJSON, `"correct": "b"`, `"correct": "E"`, 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := readQuizFile(writeQuizFile(t, tc.file, tc.content))
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestReadQuizFileMissing(t *testing.T) {
	_, err := readQuizFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}

func writeQuizFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
