package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DateLayout is the calendar-date key format for daily intake records.
const DateLayout = "2006-01-02"

// ProfileRecord holds a user's mutable health attributes.
type ProfileRecord struct {
	UserID          string  `json:"user_id"`
	Weight          float64 `json:"weight"` // kilograms
	Height          float64 `json:"height"` // centimeters
	FoodAllergies   string  `json:"food_allergies"`
	DailyActivities string  `json:"daily_activities"`
	DailyExercises  string  `json:"daily_exercises"`
	MedicalRecord   string  `json:"medical_record"`
}

// GoalRecord holds a user's goals and the derived daily-intake target.
type GoalRecord struct {
	UserID            string  `json:"user_id"`
	WeightGoal        float64 `json:"weight_goal"` // kilograms
	GeneralGoal       string  `json:"general_goal"`
	DailyIntakeTarget float64 `json:"daily_intake_target"` // kilocalories, computed once at profile init
}

// DailyIntakeRecord accumulates macro totals and logged food items for
// one user on one calendar date.
type DailyIntakeRecord struct {
	UserID       string   `json:"user_id"`
	Date         string   `json:"date"` // DateLayout
	Foods        []string `json:"foods"`
	Carbohydrate float64  `json:"carbohydrate"` // grams
	Fat          float64  `json:"fat"`
	Protein      float64  `json:"protein"`
}

// SessionRecord is the persisted form of a conversation transcript.
// Messages are stored as a JSON array of {role, content} objects.
type SessionRecord struct {
	UserID       string
	CreatedAt    time.Time
	MessagesJSON string
}

// UserSnapshot is one user's full working-set state, flushed as a unit.
type UserSnapshot struct {
	Profile ProfileRecord
	Goal    GoalRecord
	Intake  DailyIntakeRecord
	Session SessionRecord
}

// Interaction is one handled chat message, logged for audit/history.
type Interaction struct {
	ID          string
	UserID      string
	CreatedAt   time.Time
	Message     string
	Intent      int
	Reply       string
	InfoUpdated bool
}
