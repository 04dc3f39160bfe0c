package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"quizroom-service/internal/domain"
)

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	var saved map[string]string
	if status := doJSON(t, http.MethodPost, server.URL+"/quizzes", twoSetQuiz(), &saved); status != http.StatusCreated {
		t.Fatalf("save quiz: status %d", status)
	}

	var created map[string]string
	status := doJSON(t, http.MethodPost, server.URL+"/rooms", map[string]any{"quizId": saved["id"], "classSection": "8-B"}, &created)
	if status != http.StatusCreated || len(created["code"]) != 4 {
		t.Fatalf("create room: status %d body %v", status, created)
	}
	code := created["code"]

	var rooms []roomSummary
	doJSON(t, http.MethodGet, server.URL+"/rooms", nil, &rooms)
	if len(rooms) != 1 || rooms[0].Code != code || rooms[0].ClassSection != "8-B" || rooms[0].CreatedBy != "guest" {
		t.Fatalf("unexpected open rooms %+v", rooms)
	}

	var ended map[string]string
	if status := doJSON(t, http.MethodPost, server.URL+"/rooms/"+code+"/end", nil, &ended); status != http.StatusOK {
		t.Fatalf("end room: status %d", status)
	}

	rooms = nil
	doJSON(t, http.MethodGet, server.URL+"/rooms", nil, &rooms)
	if len(rooms) != 0 {
		t.Fatalf("expected no open rooms after end, got %+v", rooms)
	}

	var record domain.Record
	if status := doJSON(t, http.MethodGet, server.URL+"/records/"+ended["recordId"], nil, &record); status != http.StatusOK {
		t.Fatalf("get record: status %d", status)
	}
	if record.Code != code || record.Quiz.Title != "Networking" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestCreateRoomRejectsInvalidQuiz(t *testing.T) {
	server, _ := newTestServer(t)
	quiz := twoSetQuiz()
	quiz.Sets[0].Questions[0].Correct = "E"

	var body errorPayload
	status := doJSON(t, http.MethodPost, server.URL+"/rooms", map[string]any{"quiz": quiz}, &body)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", status, body.Message)
	}
}

func TestUnknownRoomAndRecord(t *testing.T) {
	server, _ := newTestServer(t)
	if status := doJSON(t, http.MethodPost, server.URL+"/rooms/9999/end", nil, nil); status != http.StatusNotFound {
		t.Fatalf("end unknown room: expected 404, got %d", status)
	}
	if status := doJSON(t, http.MethodGet, server.URL+"/records/rec_nope", nil, nil); status != http.StatusNotFound {
		t.Fatalf("unknown record: expected 404, got %d", status)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: name", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: 1234", domain.ErrRoomNotFound), http.StatusNotFound},
		{domain.ErrRoomClosed, http.StatusConflict},
		{domain.ErrAlreadyAnswered, http.StatusConflict},
		{domain.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{&domain.EndRoomError{Code: "1234", Stage: domain.EndStageClose, Err: domain.ErrPersistence}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
