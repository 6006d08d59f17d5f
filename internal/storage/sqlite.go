package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with keyed CRUD for profiles, goals,
// daily intakes, sessions, and the interaction log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "calorisense.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- Profiles ---

func (s *Store) GetProfile(userID string) (ProfileRecord, error) {
	var p ProfileRecord
	err := s.db.QueryRow(`
		SELECT user_id, weight, height, food_allergies, daily_activities, daily_exercises, medical_record
		FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Weight, &p.Height, &p.FoodAllergies, &p.DailyActivities, &p.DailyExercises, &p.MedicalRecord)
	if err == sql.ErrNoRows {
		return ProfileRecord{}, ErrNotFound
	}
	return p, err
}

func (s *Store) UpsertProfile(p ProfileRecord) error {
	return upsertProfile(s.db, p)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertProfile(db execer, p ProfileRecord) error {
	_, err := db.Exec(`
		INSERT INTO profiles (user_id, weight, height, food_allergies, daily_activities, daily_exercises, medical_record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			weight = excluded.weight,
			height = excluded.height,
			food_allergies = excluded.food_allergies,
			daily_activities = excluded.daily_activities,
			daily_exercises = excluded.daily_exercises,
			medical_record = excluded.medical_record,
			updated_at = excluded.updated_at`,
		p.UserID, p.Weight, p.Height, p.FoodAllergies, p.DailyActivities, p.DailyExercises, p.MedicalRecord, nowStamp(),
	)
	return err
}

func (s *Store) ListProfiles() ([]ProfileRecord, error) {
	rows, err := s.db.Query(`
		SELECT user_id, weight, height, food_allergies, daily_activities, daily_exercises, medical_record
		FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProfileRecord
	for rows.Next() {
		var p ProfileRecord
		if err := rows.Scan(&p.UserID, &p.Weight, &p.Height, &p.FoodAllergies, &p.DailyActivities, &p.DailyExercises, &p.MedicalRecord); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Goals ---

func (s *Store) GetGoal(userID string) (GoalRecord, error) {
	var g GoalRecord
	err := s.db.QueryRow(`
		SELECT user_id, weight_goal, general_goal, daily_intake_target
		FROM goals WHERE user_id = ?`, userID,
	).Scan(&g.UserID, &g.WeightGoal, &g.GeneralGoal, &g.DailyIntakeTarget)
	if err == sql.ErrNoRows {
		return GoalRecord{}, ErrNotFound
	}
	return g, err
}

func (s *Store) UpsertGoal(g GoalRecord) error {
	return upsertGoal(s.db, g)
}

func upsertGoal(db execer, g GoalRecord) error {
	_, err := db.Exec(`
		INSERT INTO goals (user_id, weight_goal, general_goal, daily_intake_target, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			weight_goal = excluded.weight_goal,
			general_goal = excluded.general_goal,
			daily_intake_target = excluded.daily_intake_target,
			updated_at = excluded.updated_at`,
		g.UserID, g.WeightGoal, g.GeneralGoal, g.DailyIntakeTarget, nowStamp(),
	)
	return err
}

// --- Daily intakes ---

func (s *Store) GetDailyIntake(userID, date string) (DailyIntakeRecord, error) {
	var d DailyIntakeRecord
	var foods string
	err := s.db.QueryRow(`
		SELECT user_id, date, foods, carbohydrate, fat, protein
		FROM daily_intakes WHERE user_id = ? AND date = ?`, userID, date,
	).Scan(&d.UserID, &d.Date, &foods, &d.Carbohydrate, &d.Fat, &d.Protein)
	if err == sql.ErrNoRows {
		return DailyIntakeRecord{}, ErrNotFound
	}
	if err != nil {
		return DailyIntakeRecord{}, err
	}
	if err := json.Unmarshal([]byte(foods), &d.Foods); err != nil {
		return DailyIntakeRecord{}, fmt.Errorf("parsing foods for %s/%s: %w", userID, date, err)
	}
	return d, nil
}

func (s *Store) UpsertDailyIntake(d DailyIntakeRecord) error {
	return upsertDailyIntake(s.db, d)
}

func upsertDailyIntake(db execer, d DailyIntakeRecord) error {
	foods := d.Foods
	if foods == nil {
		foods = []string{}
	}
	foodsJSON, err := json.Marshal(foods)
	if err != nil {
		return fmt.Errorf("marshaling foods: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO daily_intakes (user_id, date, foods, carbohydrate, fat, protein, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET
			foods = excluded.foods,
			carbohydrate = excluded.carbohydrate,
			fat = excluded.fat,
			protein = excluded.protein,
			updated_at = excluded.updated_at`,
		d.UserID, d.Date, string(foodsJSON), d.Carbohydrate, d.Fat, d.Protein, nowStamp(),
	)
	return err
}

// ListDailyIntakes returns all intake records for one user, oldest first.
func (s *Store) ListDailyIntakes(userID string) ([]DailyIntakeRecord, error) {
	rows, err := s.db.Query(`
		SELECT user_id, date, foods, carbohydrate, fat, protein
		FROM daily_intakes WHERE user_id = ? ORDER BY date ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DailyIntakeRecord
	for rows.Next() {
		var d DailyIntakeRecord
		var foods string
		if err := rows.Scan(&d.UserID, &d.Date, &foods, &d.Carbohydrate, &d.Fat, &d.Protein); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(foods), &d.Foods); err != nil {
			return nil, fmt.Errorf("parsing foods for %s/%s: %w", d.UserID, d.Date, err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Sessions ---

func (s *Store) GetSession(userID string) (SessionRecord, error) {
	var rec SessionRecord
	var createdAt string
	err := s.db.QueryRow(`
		SELECT user_id, created_at, messages FROM sessions WHERE user_id = ?`, userID,
	).Scan(&rec.UserID, &createdAt, &rec.MessagesJSON)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = t
	return rec, nil
}

func (s *Store) UpsertSession(rec SessionRecord) error {
	return upsertSession(s.db, rec)
}

func upsertSession(db execer, rec SessionRecord) error {
	_, err := db.Exec(`
		INSERT INTO sessions (user_id, created_at, messages, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			messages = excluded.messages,
			updated_at = excluded.updated_at`,
		rec.UserID, rec.CreatedAt.UTC().Format(time.RFC3339), rec.MessagesJSON, nowStamp(),
	)
	return err
}

// --- Snapshot flush ---

// SaveSnapshot upserts the full working-set state of every user in one
// transaction. This is what the persistence coordinator flushes.
func (s *Store) SaveSnapshot(users []UserSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range users {
		if err := upsertProfile(tx, u.Profile); err != nil {
			return fmt.Errorf("saving profile %s: %w", u.Profile.UserID, err)
		}
		if err := upsertGoal(tx, u.Goal); err != nil {
			return fmt.Errorf("saving goal %s: %w", u.Goal.UserID, err)
		}
		if err := upsertDailyIntake(tx, u.Intake); err != nil {
			return fmt.Errorf("saving intake %s: %w", u.Intake.UserID, err)
		}
		if err := upsertSession(tx, u.Session); err != nil {
			return fmt.Errorf("saving session %s: %w", u.Session.UserID, err)
		}
	}

	return tx.Commit()
}

// --- Interactions ---

func (s *Store) SaveInteraction(i Interaction) error {
	updated := 0
	if i.InfoUpdated {
		updated = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (id, user_id, created_at, message, intent, reply, info_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, i.CreatedAt.UTC().Format(time.RFC3339), i.Message, i.Intent, i.Reply, updated,
	)
	return err
}

func (s *Store) ListInteractions(userID string, limit int) ([]Interaction, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, created_at, message, intent, reply, info_updated
		FROM interactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var i Interaction
		var createdAt string
		var updated int
		if err := rows.Scan(&i.ID, &i.UserID, &createdAt, &i.Message, &i.Intent, &i.Reply, &updated); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		i.CreatedAt = t
		i.InfoUpdated = updated == 1
		results = append(results, i)
	}
	return results, rows.Err()
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
