package session

import (
	"testing"
	"time"

	"github.com/calorisense/calorisense/internal/completion"
)

func TestGetOrCreate_Idempotent(t *testing.T) {
	store := NewStore(0)

	a := store.GetOrCreate("alice@example.com")
	b := store.GetOrCreate("alice@example.com")
	if a != b {
		t.Fatal("GetOrCreate returned distinct session objects for the same user")
	}

	if store.GetOrCreate("bob@example.com") == a {
		t.Fatal("distinct users share a session")
	}
}

func TestGetOrCreate_InjectsPreambleOnce(t *testing.T) {
	store := NewStore(0)

	sess := store.GetOrCreate("alice@example.com")
	store.GetOrCreate("alice@example.com")

	msgs := sess.Messages()
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1 (preamble only)", len(msgs))
	}
	if msgs[0].Role != completion.RoleSystem || msgs[0].Content != Preamble {
		t.Errorf("first message = %+v, want system preamble", msgs[0])
	}
}

func TestAppend_GrowsByExactlyAppendedMessages(t *testing.T) {
	store := NewStore(0)
	sess := store.GetOrCreate("alice@example.com")

	before := sess.Len()
	sess.AppendUser("I weigh 80kg")
	sess.AppendAssistant("Noted!")

	if got := sess.Len(); got != before+2 {
		t.Errorf("message count = %d, want %d", got, before+2)
	}

	msgs := sess.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != completion.RoleAssistant || last.Content != "Noted!" {
		t.Errorf("last message = %+v", last)
	}
}

func TestMessages_ReturnsCopy(t *testing.T) {
	store := NewStore(0)
	sess := store.GetOrCreate("alice@example.com")
	sess.AppendUser("hello")

	msgs := sess.Messages()
	msgs[0].Content = "mutated"

	if sess.Messages()[0].Content != Preamble {
		t.Error("mutating the returned slice changed the session transcript")
	}
}

func TestBound_KeepsPreambleAndRecent(t *testing.T) {
	store := NewStore(5)
	sess := store.GetOrCreate("alice@example.com")

	for i := range 10 {
		sess.AppendUser(string(rune('a' + i)))
	}

	msgs := sess.Messages()
	if len(msgs) != 5 {
		t.Fatalf("message count = %d, want 5", len(msgs))
	}
	if msgs[0].Content != Preamble {
		t.Error("preamble was trimmed")
	}
	if msgs[len(msgs)-1].Content != "j" {
		t.Errorf("last message = %q, want most recent", msgs[len(msgs)-1].Content)
	}
}

func TestRestore(t *testing.T) {
	store := NewStore(0)
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	stored := []completion.Message{
		completion.System(Preamble),
		completion.User("old message"),
	}

	sess := store.Restore("alice@example.com", created, stored)
	if sess.Len() != 2 {
		t.Fatalf("restored message count = %d, want 2", sess.Len())
	}
	if !sess.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", sess.CreatedAt, created)
	}

	// An in-memory session wins over a second restore.
	again := store.Restore("alice@example.com", time.Now(), nil)
	if again != sess {
		t.Error("Restore replaced an existing in-memory session")
	}

	// Empty stored transcript falls back to a fresh preamble session.
	fresh := store.Restore("bob@example.com", time.Time{}, nil)
	if fresh.Len() != 1 {
		t.Errorf("fresh session message count = %d, want 1", fresh.Len())
	}
}
