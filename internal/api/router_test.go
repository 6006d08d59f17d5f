package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calorisense/calorisense/internal/dispatch"
	"github.com/calorisense/calorisense/internal/intent"
	"github.com/calorisense/calorisense/internal/session"
	"github.com/calorisense/calorisense/internal/storage"
	"github.com/calorisense/calorisense/internal/workingset"
)

type memStorage struct {
	profiles map[string]storage.ProfileRecord
}

func (m *memStorage) GetProfile(userID string) (storage.ProfileRecord, error) {
	if p, ok := m.profiles[userID]; ok {
		return p, nil
	}
	return storage.ProfileRecord{}, storage.ErrNotFound
}

func (m *memStorage) GetGoal(userID string) (storage.GoalRecord, error) {
	return storage.GoalRecord{}, storage.ErrNotFound
}

func (m *memStorage) GetDailyIntake(userID, date string) (storage.DailyIntakeRecord, error) {
	return storage.DailyIntakeRecord{}, storage.ErrNotFound
}

func (m *memStorage) GetSession(userID string) (storage.SessionRecord, error) {
	return storage.SessionRecord{}, storage.ErrNotFound
}

type stubDispatcher struct {
	result dispatch.Result
	err    error
}

func (s *stubDispatcher) Handle(ctx context.Context, userID, message string, sink dispatch.StreamSink) (dispatch.Result, error) {
	return s.result, s.err
}

func newTestRouter(d Dispatcher, store *memStorage, token string) http.Handler {
	if store == nil {
		store = &memStorage{}
	}
	return NewRouter(Deps{
		Dispatcher: d,
		WorkingSet: workingset.New(store, session.NewStore(0)),
		AuthToken:  token,
	})
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubDispatcher{}, nil, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestChatAnswer(t *testing.T) {
	d := &stubDispatcher{result: dispatch.Result{
		Reply:       "Done! Updated.",
		Intent:      intent.Weight,
		InfoUpdated: true,
	}}
	router := newTestRouter(d, nil, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/answer?user_id=alice&message=hi", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if out["reply"] != "Done! Updated." || out["intent"] != "weight" || out["info_updated"] != true {
		t.Errorf("body = %v", out)
	}
}

func TestChatAnswer_MissingParams(t *testing.T) {
	router := newTestRouter(&stubDispatcher{}, nil, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/answer?user_id=alice", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatAnswer_DispatchError(t *testing.T) {
	router := newTestRouter(&stubDispatcher{err: errors.New("upstream down")}, nil, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/answer?user_id=alice&message=hi", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestProfile(t *testing.T) {
	store := &memStorage{profiles: map[string]storage.ProfileRecord{
		"alice": {UserID: "alice", Weight: 80, Height: 172},
	}}
	router := newTestRouter(&stubDispatcher{}, store, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profile/alice", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Profile storage.ProfileRecord     `json:"profile"`
		Intake  storage.DailyIntakeRecord `json:"daily_intake"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if out.Profile.Weight != 80 || out.Profile.Height != 172 {
		t.Errorf("profile = %+v", out.Profile)
	}
	if out.Intake.Date == "" {
		t.Error("daily intake date missing")
	}
}

func TestBearerAuth(t *testing.T) {
	router := newTestRouter(&stubDispatcher{result: dispatch.Result{Reply: "ok"}}, nil, "secret")

	// No token: rejected.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/answer?user_id=a&message=b", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	// Wrong token: rejected.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/chat/answer?user_id=a&message=b", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", rec.Code)
	}

	// Correct token: accepted.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/chat/answer?user_id=a&message=b", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}

	// Health stays open.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}
