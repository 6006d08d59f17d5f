package workingset

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/calorisense/calorisense/internal/completion"
	"github.com/calorisense/calorisense/internal/session"
	"github.com/calorisense/calorisense/internal/storage"
)

// Storage defines the read operations needed to hydrate an entry.
// Implemented by storage.Store.
type Storage interface {
	GetProfile(userID string) (storage.ProfileRecord, error)
	GetGoal(userID string) (storage.GoalRecord, error)
	GetDailyIntake(userID, date string) (storage.DailyIntakeRecord, error)
	GetSession(userID string) (storage.SessionRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is one user's working-set state: profile, goal, daily intake, and
// conversation session, shared by reference across all of that user's
// connections. Handlers mutate the records in place via Mutate.
type Entry struct {
	UserID  string
	Profile *storage.ProfileRecord
	Goal    *storage.GoalRecord
	Session *session.Session

	// dispatchMu serializes message handling per user; held across
	// upstream completion calls.
	dispatchMu sync.Mutex

	// stateMu guards record mutation and the intake pointer swap, so a
	// snapshot never observes a half-written record. Never held across
	// network calls.
	stateMu sync.Mutex
	intake  *storage.DailyIntakeRecord
	clock   Clock
}

// Lock serializes dispatch for this user. Held for the duration of one
// message's handling.
func (e *Entry) Lock() { e.dispatchMu.Lock() }

// Unlock releases the dispatch lock.
func (e *Entry) Unlock() { e.dispatchMu.Unlock() }

// Mutate runs f under the state lock. All record mutations go through
// here so concurrent snapshots see consistent records.
func (e *Entry) Mutate(f func()) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	f()
}

// Intake returns the daily intake record for the current calendar date,
// replacing a stale record from a previous day with a fresh zero-valued
// one. Callers holding a reference across a date rollover must re-fetch.
func (e *Entry) Intake() *storage.DailyIntakeRecord {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.intakeLocked()
}

// intakeLocked applies the daily-rollover rule; stateMu must be held.
func (e *Entry) intakeLocked() *storage.DailyIntakeRecord {
	today := e.clock.Now().Format(storage.DateLayout)
	if e.intake == nil || e.intake.Date != today {
		e.intake = &storage.DailyIntakeRecord{
			UserID: e.UserID,
			Date:   today,
			Foods:  []string{},
		}
	}
	return e.intake
}

// snapshot copies the entry's records for a persistence flush.
func (e *Entry) snapshot() storage.UserSnapshot {
	messagesJSON, err := json.Marshal(e.Session.Messages())
	if err != nil {
		messagesJSON = []byte("[]")
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	intake := *e.intakeLocked()
	foods := make([]string, len(intake.Foods))
	copy(foods, intake.Foods)
	intake.Foods = foods

	return storage.UserSnapshot{
		Profile: *e.Profile,
		Goal:    *e.Goal,
		Intake:  intake,
		Session: storage.SessionRecord{
			UserID:       e.UserID,
			CreatedAt:    e.Session.CreatedAt,
			MessagesJSON: string(messagesJSON),
		},
	}
}

// WorkingSet is the in-memory, shared-by-reference cache of every active
// user's profile state, hydrated lazily from the backing store.
type WorkingSet struct {
	store    Storage
	sessions *session.Store
	clock    Clock

	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group
}

// New creates a WorkingSet over the given backing store and session store.
func New(store Storage, sessions *session.Store) *WorkingSet {
	return &WorkingSet{
		store:    store,
		sessions: sessions,
		clock:    realClock{},
		entries:  make(map[string]*Entry),
	}
}

// NewWithClock creates a WorkingSet with a custom clock (for testing).
func NewWithClock(store Storage, sessions *session.Store, clock Clock) *WorkingSet {
	ws := New(store, sessions)
	ws.clock = clock
	return ws
}

// Get returns the user's working-set entry, hydrating it from the backing
// store on first access. Concurrent first accesses for the same user are
// deduplicated into a single hydration.
func (ws *WorkingSet) Get(userID string) (*Entry, error) {
	ws.mu.RLock()
	entry, ok := ws.entries[userID]
	ws.mu.RUnlock()
	if ok {
		return entry, nil
	}

	v, err, _ := ws.group.Do(userID, func() (any, error) {
		ws.mu.RLock()
		entry, ok := ws.entries[userID]
		ws.mu.RUnlock()
		if ok {
			return entry, nil
		}

		entry, err := ws.hydrate(userID)
		if err != nil {
			return nil, err
		}

		ws.mu.Lock()
		ws.entries[userID] = entry
		ws.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (ws *WorkingSet) hydrate(userID string) (*Entry, error) {
	profile, err := ws.store.GetProfile(userID)
	if errors.Is(err, storage.ErrNotFound) {
		profile = storage.ProfileRecord{UserID: userID}
	} else if err != nil {
		return nil, fmt.Errorf("hydrating profile for %s: %w", userID, err)
	}

	goal, err := ws.store.GetGoal(userID)
	if errors.Is(err, storage.ErrNotFound) {
		goal = storage.GoalRecord{UserID: userID}
	} else if err != nil {
		return nil, fmt.Errorf("hydrating goal for %s: %w", userID, err)
	}

	today := ws.clock.Now().Format(storage.DateLayout)
	intake, err := ws.store.GetDailyIntake(userID, today)
	if errors.Is(err, storage.ErrNotFound) {
		intake = storage.DailyIntakeRecord{UserID: userID, Date: today, Foods: []string{}}
	} else if err != nil {
		return nil, fmt.Errorf("hydrating daily intake for %s: %w", userID, err)
	}

	sess, err := ws.restoreSession(userID)
	if err != nil {
		return nil, err
	}

	return &Entry{
		UserID:  userID,
		Profile: &profile,
		Goal:    &goal,
		Session: sess,
		intake:  &intake,
		clock:   ws.clock,
	}, nil
}

func (ws *WorkingSet) restoreSession(userID string) (*session.Session, error) {
	rec, err := ws.store.GetSession(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return ws.sessions.GetOrCreate(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("hydrating session for %s: %w", userID, err)
	}

	var messages []completion.Message
	if err := json.Unmarshal([]byte(rec.MessagesJSON), &messages); err != nil {
		return nil, fmt.Errorf("parsing stored session for %s: %w", userID, err)
	}
	return ws.sessions.Restore(userID, rec.CreatedAt, messages), nil
}

// Snapshot copies the full working set for a persistence flush.
func (ws *WorkingSet) Snapshot() []storage.UserSnapshot {
	ws.mu.RLock()
	entries := make([]*Entry, 0, len(ws.entries))
	for _, e := range ws.entries {
		entries = append(entries, e)
	}
	ws.mu.RUnlock()

	snap := make([]storage.UserSnapshot, 0, len(entries))
	for _, e := range entries {
		snap = append(snap, e.snapshot())
	}
	return snap
}
