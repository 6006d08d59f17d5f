package intent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/calorisense/calorisense/internal/completion"
)

type fakeSender struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
	lastMsgs []completion.Message
}

func (f *fakeSender) Send(ctx context.Context, messages []completion.Message, temperature float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMsgs = messages
	return f.response, f.err
}

func TestPredict_ParsesDigit(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     Intent
	}{
		{"weight", "1", Weight},
		{"food log", "8", FoodLog},
		{"with whitespace", " 9\n", HealthReport},
		{"general", "0", General},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(&fakeSender{response: tt.response})
			if got := c.Predict(context.Background(), "some message"); got != tt.want {
				t.Errorf("Predict = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredict_CachesByExactText(t *testing.T) {
	sender := &fakeSender{response: "2"}
	c := NewClassifier(sender)

	for range 3 {
		if got := c.Predict(context.Background(), "I am 180cm tall"); got != Height {
			t.Fatalf("Predict = %v, want Height", got)
		}
	}
	if sender.calls != 1 {
		t.Errorf("completion calls = %d, want 1", sender.calls)
	}

	// Different text (even by whitespace) is classified separately.
	c.Predict(context.Background(), "I am 180cm tall ")
	if sender.calls != 2 {
		t.Errorf("completion calls = %d, want 2", sender.calls)
	}
}

func TestPredict_UpstreamErrorDegradesToGeneral(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	c := NewClassifier(sender)

	if got := c.Predict(context.Background(), "hello"); got != General {
		t.Errorf("Predict = %v, want General", got)
	}

	// Failures are not cached; the next call tries again.
	c.Predict(context.Background(), "hello")
	if sender.calls != 2 {
		t.Errorf("completion calls = %d, want 2", sender.calls)
	}
}

func TestPredict_NonDigitDegradesToGeneral(t *testing.T) {
	c := NewClassifier(&fakeSender{response: "the user wants to change weight"})
	if got := c.Predict(context.Background(), "I weigh 80kg"); got != General {
		t.Errorf("Predict = %v, want General", got)
	}
}

func TestPredict_SendsClassificationPromptAtTemperatureZero(t *testing.T) {
	sender := &fakeSender{response: "0"}
	c := NewClassifier(sender)
	c.Predict(context.Background(), "what should I eat")

	if len(sender.lastMsgs) != 2 {
		t.Fatalf("messages sent = %d, want 2", len(sender.lastMsgs))
	}
	if sender.lastMsgs[0].Role != completion.RoleSystem {
		t.Errorf("first message role = %q, want system", sender.lastMsgs[0].Role)
	}
	if sender.lastMsgs[1].Content != "what should I eat" {
		t.Errorf("user message = %q", sender.lastMsgs[1].Content)
	}
}

func TestIntent_Known(t *testing.T) {
	if !FoodLog.Known() {
		t.Error("FoodLog should be a known intent")
	}
	if Intent(11).Known() {
		t.Error("intent 11 should be out of range")
	}
	if Intent(-1).Known() {
		t.Error("negative intent should be out of range")
	}
}
