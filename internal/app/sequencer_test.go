package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
)

func threeSetQuiz() domain.Quiz {
	quiz := domain.Quiz{
		Title:           "Order",
		TimePerQuestion: 30,
		Sets: []domain.Set{
			{Title: "One", Directions: "Read carefully.", Type: domain.TypeTF, Questions: []domain.Question{
				{ID: "a1", Type: domain.TypeTF, Text: "a1", Correct: "T"},
				{ID: "a2", Type: domain.TypeTF, Text: "a2", Correct: "F"},
			}},
			{Title: "Two", Type: domain.TypeTF, Questions: []domain.Question{
				{ID: "b1", Type: domain.TypeTF, Text: "b1", Correct: "T"},
			}},
			{Directions: "Last set.", Type: domain.TypeTF, Questions: []domain.Question{
				{ID: "c1", Type: domain.TypeTF, Text: "c1", Correct: "F"},
			}},
		},
	}
	return quiz
}

func TestBuildOrder(t *testing.T) {
	quiz := threeSetQuiz()
	order := app.BuildOrder(quiz)
	if len(order) != quiz.TotalQuestions() {
		t.Fatalf("expected %d positions, got %d", quiz.TotalQuestions(), len(order))
	}
	want := []app.Position{
		{SetIndex: 0, QuestionIndex: 0},
		{SetIndex: 0, QuestionIndex: 1},
		{SetIndex: 1, QuestionIndex: 0},
		{SetIndex: 2, QuestionIndex: 0},
	}
	for i, pos := range want {
		if order[i] != pos {
			t.Fatalf("position %d: expected %+v, got %+v", i, pos, order[i])
		}
	}
}

func TestSequencerWalk(t *testing.T) {
	seq := app.NewSequencer(threeSetQuiz(), nil)
	defer seq.Stop()

	step := seq.Advance()
	if step.Kind != app.StepDirections || step.SetTitle != "One" || step.Direction != "Read carefully." {
		t.Fatalf("expected directions of set One, got %+v", step)
	}
	if _, _, ok := seq.Current(); ok {
		t.Fatalf("no question should be active behind directions")
	}
	// Advancing again keeps showing the same directions.
	if again := seq.Advance(); again.Kind != app.StepDirections {
		t.Fatalf("expected directions to persist, got %+v", again)
	}

	step, err := seq.Acknowledge()
	if err != nil || step.Kind != app.StepQuestion || step.Question.ID != "a1" || step.Remaining != 30 {
		t.Fatalf("expected a1 after acknowledge, got %+v err=%v", step, err)
	}
	if _, err := seq.Acknowledge(); !errors.Is(err, app.ErrNoDirections) {
		t.Fatalf("expected ErrNoDirections, got %v", err)
	}

	var ids []string
	for {
		idx, q, ok := seq.Current()
		if !ok {
			t.Fatalf("expected an active question")
		}
		ids = append(ids, q.ID)
		if !seq.Complete(idx) {
			t.Fatalf("complete %d refused", idx)
		}
		if seq.Complete(idx) {
			t.Fatalf("completing %d twice must be refused", idx)
		}
		step = seq.Advance()
		if step.Kind == app.StepDirections {
			if step.SetTitle != "Set 3" {
				t.Fatalf("expected fallback title Set 3, got %q", step.SetTitle)
			}
			if _, err := seq.Acknowledge(); err != nil {
				t.Fatalf("acknowledge: %v", err)
			}
			continue
		}
		if step.Kind == app.StepFinished {
			break
		}
	}

	if got := len(ids); got != 4 || ids[2] != "b1" || ids[3] != "c1" {
		t.Fatalf("unexpected question order %v", ids)
	}
	if seq.Index() != seq.Len() {
		t.Fatalf("expected cursor at end, got %d", seq.Index())
	}
}

func TestSequencerLoadQuestion(t *testing.T) {
	seq := app.NewSequencer(threeSetQuiz(), nil)
	defer seq.Stop()

	step, err := seq.LoadQuestion(2)
	if err != nil || step.Question.ID != "b1" {
		t.Fatalf("expected b1, got %+v err=%v", step, err)
	}
	if _, err := seq.LoadQuestion(9); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}
}

func TestSequencerTimerExpires(t *testing.T) {
	quiz := threeSetQuiz()
	quiz.Sets[0].Directions = ""
	quiz.TimePerQuestion = 5

	expired := make(chan int, 1)
	ticks := make(chan int, 16)
	seq := app.NewSequencer(quiz, func(i int) { expired <- i },
		app.WithTick(2*time.Millisecond),
		app.WithTickHook(func(_, remaining int) { ticks <- remaining }))
	defer seq.Stop()

	if step := seq.Advance(); step.Kind != app.StepQuestion {
		t.Fatalf("expected a question, got %+v", step)
	}

	select {
	case i := <-expired:
		if i != 0 {
			t.Fatalf("expected question 0 to expire, got %d", i)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never expired")
	}
	if len(ticks) != 5 {
		t.Fatalf("expected 5 ticks, got %d", len(ticks))
	}
	if seq.Remaining() != 0 {
		t.Fatalf("expected remaining 0, got %d", seq.Remaining())
	}
}

func TestSequencerCompleteCancelsTimer(t *testing.T) {
	quiz := threeSetQuiz()
	quiz.Sets[0].Directions = ""
	quiz.TimePerQuestion = 5

	expired := make(chan int, 4)
	seq := app.NewSequencer(quiz, func(i int) { expired <- i }, app.WithTick(2*time.Millisecond))
	defer seq.Stop()

	seq.Advance()
	if !seq.Complete(0) {
		t.Fatalf("complete refused")
	}

	time.Sleep(50 * time.Millisecond)
	if len(expired) != 0 {
		t.Fatalf("cancelled timer still fired for %d", <-expired)
	}
}

func TestStudentSessionTimerExpiry(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()
	quiz := mixedQuiz()
	quiz.Sets[0].Directions = ""
	quiz.TimePerQuestion = 5
	code, _ := service.CreateRoom(ctx, quiz, "", "")

	outcomes := make(chan app.Outcome, 4)
	steps := make(chan app.Step, 8)
	sess, err := service.Join(ctx, code, "Alice", app.StudentHooks{
		OnAnswer: func(o app.Outcome) { outcomes <- o },
		OnStep:   func(s app.Step) { steps <- s },
	}, app.WithTick(2*time.Millisecond))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sess.Close()

	sess.SetDraft(domain.Submission{})
	sess.Start()

	var outcome app.Outcome
	select {
	case outcome = <-outcomes:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never submitted")
	}
	if !outcome.Auto || outcome.Index != 0 || outcome.Record.IsCorrect() || string(outcome.Record.Value) != "null" {
		t.Fatalf("expected an unanswered auto submission, got %+v value=%s", outcome, outcome.Record.Value)
	}
	if outcome.Record.Correct == nil {
		t.Fatalf("expected a definite incorrect verdict")
	}

	// The cursor moved on to the essay.
	waitStep(t, steps, func(s app.Step) bool { return s.Kind == app.StepQuestion && s.Index == 1 })
	sess.Close()

	stored, err := service.Participant(ctx, code, sess.ParticipantID())
	if err != nil {
		t.Fatalf("load participant: %v", err)
	}
	rec, ok := stored.Answers["q1"]
	if !ok || rec.IsCorrect() || string(rec.Value) != "null" {
		t.Fatalf("expected stored unanswered record, got %+v", stored.Answers)
	}
}

func TestStudentSessionManualSubmit(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()
	code, _ := service.CreateRoom(ctx, mixedQuiz(), "", "")

	sess, err := service.Join(ctx, code, "Alice", app.StudentHooks{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sess.Close()

	if step := sess.Start(); step.Kind != app.StepDirections {
		t.Fatalf("expected directions first, got %+v", step)
	}
	if _, err := sess.Submit(ctx); !errors.Is(err, app.ErrNoActiveQuestion) {
		t.Fatalf("submit behind directions: expected ErrNoActiveQuestion, got %v", err)
	}
	if _, err := sess.Acknowledge(); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	sess.SetDraft(domain.Submission{Choice: "B"})
	outcome, err := sess.Submit(ctx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !outcome.Record.IsCorrect() || outcome.Score != 1 || outcome.Auto {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	sess.SetDraft(domain.Submission{Text: "Light to sugar."})
	outcome, err = sess.Submit(ctx)
	if err != nil {
		t.Fatalf("submit essay: %v", err)
	}
	if !outcome.Record.Pending {
		t.Fatalf("expected pending essay")
	}
	local := sess.Participant()
	if local.Score != 1 || !local.PendingEssay || len(local.Answers) != 2 {
		t.Fatalf("unexpected local participant %+v", local)
	}
	if _, err := sess.Submit(ctx); !errors.Is(err, app.ErrNoActiveQuestion) {
		t.Fatalf("submit after finish: expected ErrNoActiveQuestion, got %v", err)
	}

	snap := sess.View().Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Score != 1 || !snap.Entries[0].PendingEssay {
		t.Fatalf("expected the optimistic edit in the view, got %+v", snap.Entries)
	}
}

func TestStudentSessionStopsWhenRoomEnds(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()
	quiz := mixedQuiz()
	quiz.Sets[0].Directions = ""
	code, _ := service.CreateRoom(ctx, quiz, "", "")

	sess, err := service.Join(ctx, code, "Alice", app.StudentHooks{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sess.Close()
	sess.Start()

	if _, err := service.EndRoom(ctx, code); err != nil {
		t.Fatalf("end: %v", err)
	}
	sess.SetDraft(domain.Submission{Choice: "B"})
	if _, err := sess.Submit(ctx); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("expected room closed, got %v", err)
	}
	if _, err := sess.Submit(ctx); !errors.Is(err, app.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
}

func waitStep(t *testing.T, steps <-chan app.Step, match func(app.Step) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-steps:
			if match(s) {
				return
			}
		case <-deadline:
			t.Fatalf("expected step never arrived")
		}
	}
}
