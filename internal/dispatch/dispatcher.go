package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calorisense/calorisense/internal/completion"
	"github.com/calorisense/calorisense/internal/intent"
	"github.com/calorisense/calorisense/internal/storage"
	"github.com/calorisense/calorisense/internal/workingset"
)

// chatTemperature is used for open conversation; field updates run at 0
// so the reply format stays parseable.
const chatTemperature = 0.7

const unknownIntentReply = "Sorry, I couldn't work out what you'd like to do. " +
	"You can chat with me, update your health profile, log food, or ask for a health report."

// Completer is the slice of the completion client the dispatcher needs.
type Completer interface {
	Send(ctx context.Context, messages []completion.Message, temperature float64) (string, error)
	SendStream(ctx context.Context, messages []completion.Message, temperature float64) (*completion.Stream, error)
}

// Predictor classifies a message into an intent. Implemented by
// intent.Classifier.
type Predictor interface {
	Predict(ctx context.Context, message string) intent.Intent
}

// Saver schedules a working-set flush. Implemented by persist.Coordinator.
type Saver interface {
	RequestSave()
}

// InteractionLog records handled messages for offline analysis. Optional.
type InteractionLog interface {
	SaveInteraction(rec storage.Interaction) error
}

// StreamSink receives reply tokens as they arrive from the upstream
// completion. A nil sink means the caller wants the buffered reply only.
type StreamSink interface {
	Start() error
	Token(token string) error
	End() error
}

// Result is the outcome of handling one user message.
type Result struct {
	Reply       string
	Intent      intent.Intent
	InfoUpdated bool
	Streamed    bool
}

// Dispatcher routes each user message through intent classification to
// the matching handler, serializing handling per user.
type Dispatcher struct {
	completer    Completer
	classifier   Predictor
	working      *workingset.WorkingSet
	saver        Saver
	interactions InteractionLog
	logger       *slog.Logger

	handlers map[intent.Intent]handlerFunc
}

type handlerFunc func(ctx context.Context, entry *workingset.Entry, message string, sink StreamSink) (Result, error)

// Deps carries the dispatcher's collaborators. Interactions may be nil.
type Deps struct {
	Completer    Completer
	Classifier   Predictor
	WorkingSet   *workingset.WorkingSet
	Saver        Saver
	Interactions InteractionLog
	Logger       *slog.Logger
}

func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		completer:    deps.Completer,
		classifier:   deps.Classifier,
		working:      deps.WorkingSet,
		saver:        deps.Saver,
		interactions: deps.Interactions,
		logger:       logger,
	}
	d.handlers = map[intent.Intent]handlerFunc{
		intent.General:      d.handleGeneral,
		intent.Weight:       d.handleWeight,
		intent.Height:       d.handleHeight,
		intent.Allergies:    d.handleAllergies,
		intent.Activities:   d.handleActivities,
		intent.Medical:      d.handleMedical,
		intent.WeightGoal:   d.handleWeightGoal,
		intent.GeneralGoal:  d.handleGeneralGoal,
		intent.FoodLog:      d.handleFoodLog,
		intent.HealthReport: d.handleHealthReport,
		intent.Identity:     d.handleIdentity,
	}
	return d
}

// Handle classifies and dispatches one message. Messages for the same
// user are handled strictly one at a time; messages for different users
// proceed concurrently.
func (d *Dispatcher) Handle(ctx context.Context, userID, message string, sink StreamSink) (Result, error) {
	in := d.classifier.Predict(ctx, message)

	entry, err := d.working.Get(userID)
	if err != nil {
		return Result{}, err
	}

	entry.Lock()
	defer entry.Unlock()

	handler, ok := d.handlers[in]
	if !ok {
		handler = d.handleUnknown
	}

	res, err := handler(ctx, entry, message, sink)
	if err != nil {
		return Result{}, err
	}
	res.Intent = in
	d.logInteraction(userID, message, res)
	return res, nil
}

func (d *Dispatcher) logInteraction(userID, message string, res Result) {
	if d.interactions == nil {
		return
	}
	rec := storage.Interaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
		Message:     message,
		Intent:      int(res.Intent),
		Reply:       res.Reply,
		InfoUpdated: res.InfoUpdated,
	}
	if err := d.interactions.SaveInteraction(rec); err != nil {
		d.logger.Warn("interaction log write failed", "user", userID, "error", err)
	}
}

// chat appends a user turn to the session, sends the full history
// upstream, and appends the reply. The prompt stays in the session even
// when the call fails, matching how the conversation is replayed.
func (d *Dispatcher) chat(ctx context.Context, entry *workingset.Entry, prompt string, temperature float64) (string, error) {
	entry.Session.AppendUser(prompt)
	reply, err := d.completer.Send(ctx, entry.Session.Messages(), temperature)
	if err != nil {
		return "", err
	}
	entry.Session.AppendAssistant(reply)
	return reply, nil
}

// instructed builds the field-update turn: pinned instruction prefix, a
// blank line, then the user's own words.
func instructed(prefix, message string) string {
	return prefix + "\n\n" + message
}

// handleGeneral is the open-conversation path. With a sink, tokens are
// relayed as they arrive; a sink write failure stops relaying but the
// upstream stream is still drained so the reply lands in the session and
// the response cache.
func (d *Dispatcher) handleGeneral(ctx context.Context, entry *workingset.Entry, message string, sink StreamSink) (Result, error) {
	if sink == nil {
		reply, err := d.chat(ctx, entry, message, chatTemperature)
		if err != nil {
			return Result{}, err
		}
		d.saver.RequestSave()
		return Result{Reply: reply}, nil
	}

	entry.Session.AppendUser(message)
	stream, err := d.completer.SendStream(ctx, entry.Session.Messages(), chatTemperature)
	if err != nil {
		return Result{}, err
	}

	relaying := true
	if err := sink.Start(); err != nil {
		d.logger.Warn("stream sink rejected start, draining upstream", "user", entry.UserID, "error", err)
		relaying = false
	}
	for fragment := range stream.Fragments() {
		if !relaying {
			continue
		}
		if err := sink.Token(fragment); err != nil {
			d.logger.Warn("stream sink write failed, draining upstream", "user", entry.UserID, "error", err)
			relaying = false
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, err
	}
	if relaying {
		if err := sink.End(); err != nil {
			d.logger.Warn("stream sink end failed", "user", entry.UserID, "error", err)
		}
	}

	entry.Session.AppendAssistant(stream.Text())
	d.saver.RequestSave()
	return Result{Reply: stream.Text(), Streamed: relaying}, nil
}

func (d *Dispatcher) handleWeight(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	old := entry.Profile.Weight
	raw, err := d.chat(ctx, entry, instructed(weightPrompt(old), message), 0)
	if err != nil {
		return Result{}, err
	}
	val, err := parseFloat("weight", raw)
	if err != nil {
		return Result{}, err
	}
	entry.Mutate(func() { entry.Profile.Weight = val })
	d.saver.RequestSave()
	return Result{
		Reply:       withFollowup(fmt.Sprintf("Your weight has been updated from %g kg to %g kg.", old, val)),
		InfoUpdated: true,
	}, nil
}

func (d *Dispatcher) handleHeight(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	old := entry.Profile.Height
	raw, err := d.chat(ctx, entry, instructed(heightPrompt(old), message), 0)
	if err != nil {
		return Result{}, err
	}
	val, err := parseFloat("height", raw)
	if err != nil {
		return Result{}, err
	}
	entry.Mutate(func() { entry.Profile.Height = val })
	d.saver.RequestSave()
	return Result{
		Reply:       withFollowup(fmt.Sprintf("Your height has been updated from %g cm to %g cm.", old, val)),
		InfoUpdated: true,
	}, nil
}

func (d *Dispatcher) handleAllergies(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	old := entry.Profile.FoodAllergies
	reply, err := d.chat(ctx, entry, instructed(allergiesPrompt(old), message), 0)
	if err != nil {
		return Result{}, err
	}
	val := strings.TrimSpace(reply)
	entry.Mutate(func() { entry.Profile.FoodAllergies = val })
	d.saver.RequestSave()
	return Result{
		Reply:       withFollowup(fmt.Sprintf("Your food allergies have been updated from %q to %q.", orNone(old), val)),
		InfoUpdated: true,
	}, nil
}

func (d *Dispatcher) handleActivities(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	old := entry.Profile.DailyActivities
	reply, err := d.chat(ctx, entry, instructed(activitiesPrompt(old), message), 0)
	if err != nil {
		return Result{}, err
	}
	val := strings.TrimSpace(reply)
	entry.Mutate(func() { entry.Profile.DailyActivities = val })
	d.saver.RequestSave()
	return Result{
		Reply:       withFollowup(fmt.Sprintf("Your daily activities have been updated from %q to %q.", orNone(old), val)),
		InfoUpdated: true,
	}, nil
}

func (d *Dispatcher) handleMedical(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	old := entry.Profile.MedicalRecord
	reply, err := d.chat(ctx, entry, instructed(medicalPrompt(old), message), 0)
	if err != nil {
		return Result{}, err
	}
	val := strings.TrimSpace(reply)
	entry.Mutate(func() { entry.Profile.MedicalRecord = val })
	d.saver.RequestSave()
	return Result{
		Reply:       withFollowup(fmt.Sprintf("Your medical records have been updated from %q to %q.", orNone(old), val)),
		InfoUpdated: true,
	}, nil
}

func (d *Dispatcher) handleWeightGoal(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	old := entry.Goal.WeightGoal
	raw, err := d.chat(ctx, entry, instructed(weightGoalPrompt(old), message), 0)
	if err != nil {
		return Result{}, err
	}
	val, err := parseFloat("weight goal", raw)
	if err != nil {
		return Result{}, err
	}
	entry.Mutate(func() { entry.Goal.WeightGoal = val })
	d.saver.RequestSave()
	return Result{
		Reply:       withFollowup(fmt.Sprintf("Your weight goal has been updated from %g kg to %g kg.", old, val)),
		InfoUpdated: true,
	}, nil
}

func (d *Dispatcher) handleGeneralGoal(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	old := entry.Goal.GeneralGoal
	reply, err := d.chat(ctx, entry, instructed(generalGoalPrompt(old), message), 0)
	if err != nil {
		return Result{}, err
	}
	val := strings.TrimSpace(reply)
	entry.Mutate(func() { entry.Goal.GeneralGoal = val })
	d.saver.RequestSave()
	return Result{
		Reply:       withFollowup(fmt.Sprintf("Your general goal has been updated from %q to %q.", orNone(old), val)),
		InfoUpdated: true,
	}, nil
}

func (d *Dispatcher) handleFoodLog(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	intake := entry.Intake()
	raw, err := d.chat(ctx, entry, instructed(foodLogPrompt(intake), message), 0)
	if err != nil {
		return Result{}, err
	}
	logged, err := parseFoodLog(raw)
	if err != nil {
		return Result{}, err
	}

	entry.Mutate(func() {
		intake.Foods = append(intake.Foods, logged.Foods...)
		intake.Carbohydrate += logged.Carbohydrate
		intake.Fat += logged.Fat
		intake.Protein += logged.Protein
	})
	d.ensureIntakeTarget(ctx, entry)
	d.saver.RequestSave()

	text := fmt.Sprintf("Logged %s: %gg carbohydrate, %gg fat, %gg protein. "+
		"Today's totals are %gg carbohydrate, %gg fat, and %gg protein.",
		strings.Join(logged.Foods, ", "),
		logged.Carbohydrate, logged.Fat, logged.Protein,
		intake.Carbohydrate, intake.Fat, intake.Protein)
	if target := entry.Goal.DailyIntakeTarget; target > 0 {
		text += fmt.Sprintf(" Your daily intake target is %g kcal.", target)
	}
	return Result{Reply: withFollowup(text), InfoUpdated: true}, nil
}

// handleHealthReport renders the working set directly; no completion
// round trip is needed since every record is already in memory.
func (d *Dispatcher) handleHealthReport(ctx context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	d.ensureIntakeTarget(ctx, entry)
	reply := healthReportText(entry.Profile, entry.Goal, entry.Intake())
	entry.Session.AppendUser(message)
	entry.Session.AppendAssistant(reply)
	d.saver.RequestSave()
	return Result{Reply: reply}, nil
}

func (d *Dispatcher) handleIdentity(_ context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	reply := fmt.Sprintf("You are chatting as %s.", entry.UserID)
	entry.Session.AppendUser(message)
	entry.Session.AppendAssistant(reply)
	return Result{Reply: reply}, nil
}

func (d *Dispatcher) handleUnknown(_ context.Context, entry *workingset.Entry, message string, _ StreamSink) (Result, error) {
	entry.Session.AppendUser(message)
	entry.Session.AppendAssistant(unknownIntentReply)
	d.saver.RequestSave()
	return Result{Reply: unknownIntentReply}, nil
}

// ensureIntakeTarget computes the daily kilocalorie target once the
// profile has enough vitals to support it. Failures only log: the
// target is advisory and the triggering handler must still succeed.
func (d *Dispatcher) ensureIntakeTarget(ctx context.Context, entry *workingset.Entry) {
	if entry.Goal.DailyIntakeTarget > 0 {
		return
	}
	if entry.Profile.Weight <= 0 || entry.Profile.Height <= 0 {
		return
	}

	messages := []completion.Message{
		completion.System(intakeTargetSystemPrompt),
		completion.User(intakeTargetPrompt(entry.Profile, entry.Goal)),
	}
	raw, err := d.completer.Send(ctx, messages, 0)
	if err != nil {
		d.logger.Warn("intake target calculation failed", "user", entry.UserID, "error", err)
		return
	}
	val, err := parseFloat("intake target", raw)
	if err != nil {
		d.logger.Warn("intake target reply unparseable", "user", entry.UserID, "reply", raw)
		return
	}
	entry.Mutate(func() { entry.Goal.DailyIntakeTarget = val })
}
