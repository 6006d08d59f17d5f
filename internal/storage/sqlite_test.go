package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)
	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 || versions[0] != 1 {
		t.Errorf("versions = %v, want [1 ...]", versions)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetProfile("alice@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProfile on empty store: err = %v, want ErrNotFound", err)
	}

	p := ProfileRecord{
		UserID:          "alice@example.com",
		Weight:          80,
		Height:          172,
		FoodAllergies:   "peanuts",
		DailyActivities: "office work",
		DailyExercises:  "jogging",
		MedicalRecord:   "none",
	}
	if err := s.UpsertProfile(p); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	got, err := s.GetProfile("alice@example.com")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got != p {
		t.Errorf("profile = %+v, want %+v", got, p)
	}

	// Upsert updates in place.
	p.Weight = 82
	if err := s.UpsertProfile(p); err != nil {
		t.Fatalf("UpsertProfile update: %v", err)
	}
	got, _ = s.GetProfile("alice@example.com")
	if got.Weight != 82 {
		t.Errorf("weight after upsert = %v, want 82", got.Weight)
	}
}

func TestDailyIntakeKeyedByUserAndDate(t *testing.T) {
	s := openTestStore(t)

	a := DailyIntakeRecord{UserID: "alice@example.com", Date: "2025-06-01", Foods: []string{"rice 1 cup"}, Carbohydrate: 45}
	b := DailyIntakeRecord{UserID: "alice@example.com", Date: "2025-06-02", Foods: []string{}, Protein: 31}
	for _, d := range []DailyIntakeRecord{a, b} {
		if err := s.UpsertDailyIntake(d); err != nil {
			t.Fatalf("UpsertDailyIntake: %v", err)
		}
	}

	got, err := s.GetDailyIntake("alice@example.com", "2025-06-01")
	if err != nil {
		t.Fatalf("GetDailyIntake: %v", err)
	}
	if got.Carbohydrate != 45 || len(got.Foods) != 1 {
		t.Errorf("intake = %+v", got)
	}

	if _, err := s.GetDailyIntake("alice@example.com", "2025-06-03"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing date: err = %v, want ErrNotFound", err)
	}

	all, err := s.ListDailyIntakes("alice@example.com")
	if err != nil {
		t.Fatalf("ListDailyIntakes: %v", err)
	}
	if len(all) != 2 || all[0].Date != "2025-06-01" {
		t.Errorf("ListDailyIntakes = %+v", all)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	created := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	rec := SessionRecord{
		UserID:       "alice@example.com",
		CreatedAt:    created,
		MessagesJSON: `[{"role":"system","content":"preamble"}]`,
	}
	if err := s.UpsertSession(rec); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession("alice@example.com")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.CreatedAt.Equal(created) || got.MessagesJSON != rec.MessagesJSON {
		t.Errorf("session = %+v", got)
	}
}

func TestSaveSnapshot(t *testing.T) {
	s := openTestStore(t)

	snap := []UserSnapshot{{
		Profile: ProfileRecord{UserID: "alice@example.com", Weight: 80},
		Goal:    GoalRecord{UserID: "alice@example.com", WeightGoal: 75, GeneralGoal: "lose weight", DailyIntakeTarget: 1800},
		Intake:  DailyIntakeRecord{UserID: "alice@example.com", Date: "2025-06-01", Fat: 15},
		Session: SessionRecord{UserID: "alice@example.com", CreatedAt: time.Now().UTC(), MessagesJSON: "[]"},
	}}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	goal, err := s.GetGoal("alice@example.com")
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if goal.DailyIntakeTarget != 1800 {
		t.Errorf("DailyIntakeTarget = %v, want 1800", goal.DailyIntakeTarget)
	}

	intake, err := s.GetDailyIntake("alice@example.com", "2025-06-01")
	if err != nil {
		t.Fatalf("GetDailyIntake: %v", err)
	}
	if intake.Fat != 15 {
		t.Errorf("Fat = %v, want 15", intake.Fat)
	}
}

func TestInteractionLog(t *testing.T) {
	s := openTestStore(t)

	i := Interaction{
		ID:          "int-1",
		UserID:      "alice@example.com",
		CreatedAt:   time.Now().UTC(),
		Message:     "I now weigh 82kg",
		Intent:      1,
		Reply:       "updated",
		InfoUpdated: true,
	}
	if err := s.SaveInteraction(i); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}

	list, err := s.ListInteractions("alice@example.com", 10)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(list) != 1 || !list[0].InfoUpdated || list[0].Intent != 1 {
		t.Errorf("interactions = %+v", list)
	}
}
