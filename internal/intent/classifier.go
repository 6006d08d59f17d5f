package intent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/calorisense/calorisense/internal/completion"
)

// Sender is the non-streaming completion call the classifier needs.
// Implemented by completion.Client.
type Sender interface {
	Send(ctx context.Context, messages []completion.Message, temperature float64) (string, error)
}

var possibleIntentions = []string{
	"asking only (e.g. asking about food nutrition, what food to eat, etc)",
	"change weight",
	"change height",
	"update allergies",
	"update activities",
	"update medical records",
	"update weight goal",
	"update general goal",
	"telling you what food they eat with the intention to log their food. Be aware this occurs rarely and only answer this if you are confident.",
	"asking health records",
	"asking personal information (e.g. name, date of birth, email, etc)",
}

// systemPrompt enumerates the legal intents and pins the output contract
// to a single digit.
func systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("Predict the user's intent. If unsure, answer 0.\nChoose from:\n")
	for i, intention := range possibleIntentions {
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString(". ")
		sb.WriteString(intention)
		sb.WriteByte('\n')
	}
	sb.WriteString("Respond with a single digit only.")
	return sb.String()
}

// Classifier maps a raw user message to an Intent via one cached
// completion call. Classification failures never propagate: any upstream
// or parse error degrades to General.
type Classifier struct {
	completer Sender
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]Intent
}

// NewClassifier creates a Classifier using the given completion client.
func NewClassifier(completer Sender) *Classifier {
	return &Classifier{
		completer: completer,
		logger:    slog.Default(),
		cache:     make(map[string]Intent),
	}
}

// Predict classifies message into an Intent. Results are cached by the
// exact message text, so identical free text is classified at most once
// per process lifetime.
func (c *Classifier) Predict(ctx context.Context, message string) Intent {
	c.mu.Lock()
	cached, ok := c.cache[message]
	c.mu.Unlock()
	if ok {
		return cached
	}

	messages := []completion.Message{
		completion.System(systemPrompt()),
		completion.User(message),
	}

	raw, err := c.completer.Send(ctx, messages, 0)
	if err != nil {
		c.logger.Warn("intent classification failed", "error", err)
		return General
	}

	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.logger.Warn("intent response was not a digit", "response", raw)
		return General
	}

	result := Intent(code)
	c.mu.Lock()
	c.cache[message] = result
	c.mu.Unlock()
	return result
}
