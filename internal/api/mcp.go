package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calorisense/calorisense/internal/storage"
	"github.com/calorisense/calorisense/internal/workingset"
)

// MCPSaver schedules a working-set flush after a tool mutation.
type MCPSaver interface {
	RequestSave()
}

// MCPInteractions lists recently handled chat messages.
type MCPInteractions interface {
	ListInteractions(userID string, limit int) ([]storage.Interaction, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	WorkingSet   *workingset.WorkingSet
	Saver        MCPSaver
	Interactions MCPInteractions // optional; recent_interactions errors if nil
}

// NewMCPServer creates an MCP server exposing the health-profile tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"calorisense",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("calorisense — conversational health profile: vitals, goals, and daily food intake."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_health_report",
			mcp.WithDescription("Return a user's full health profile, goals, and today's food intake as JSON."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
		),
		mcpGetHealthReport(deps),
	)

	s.AddTool(
		mcp.NewTool("set_profile_field",
			mcp.WithDescription("Set one health-profile field. Numeric fields: weight, height, weight_goal, daily_intake_target. Text fields: food_allergies, daily_activities, daily_exercises, medical_record, general_goal."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
			mcp.WithString("field", mcp.Description("Field name"), mcp.Required()),
			mcp.WithString("value", mcp.Description("New value"), mcp.Required()),
		),
		mcpSetProfileField(deps),
	)

	s.AddTool(
		mcp.NewTool("log_food",
			mcp.WithDescription("Append a food item with its macros to today's intake."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
			mcp.WithString("food", mcp.Description("Food item, e.g. 'nasi goreng 1 plate'"), mcp.Required()),
			mcp.WithNumber("carbohydrate", mcp.Description("Carbohydrate in grams")),
			mcp.WithNumber("fat", mcp.Description("Fat in grams")),
			mcp.WithNumber("protein", mcp.Description("Protein in grams")),
		),
		mcpLogFood(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_interactions",
			mcp.WithDescription("List a user's most recent handled chat messages."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpRecentInteractions(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"user://{id}/profile",
			"User Health Profile",
			mcp.WithTemplateDescription("Health profile, goals, and today's food intake for one user as JSON"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func healthReportJSON(deps MCPDeps, userID string) ([]byte, error) {
	entry, err := deps.WorkingSet.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	var profile storage.ProfileRecord
	var goal storage.GoalRecord
	var intake storage.DailyIntakeRecord
	today := entry.Intake()
	entry.Mutate(func() {
		profile = *entry.Profile
		goal = *entry.Goal
		intake = *today
	})

	return json.Marshal(map[string]any{
		"profile":      profile,
		"goal":         goal,
		"daily_intake": intake,
	})
}

func mcpGetHealthReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		b, err := healthReportJSON(deps, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		userID, ok := profileResourceUser(req.Params.URI)
		if !ok {
			return nil, fmt.Errorf("unrecognized resource URI %q", req.Params.URI)
		}

		b, err := healthReportJSON(deps, userID)
		if err != nil {
			return nil, err
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// profileResourceUser extracts the user ID from a user://{id}/profile URI.
func profileResourceUser(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "user://")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/profile")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func mcpSetProfileField(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		field, err := req.RequireString("field")
		if err != nil {
			return mcpError("field is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}

		entry, err := deps.WorkingSet.Get(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading profile: %v", err)), nil
		}

		set, numeric := fieldSetter(entry, field)
		if set == nil {
			return mcpError(fmt.Sprintf("unknown field %q", field)), nil
		}
		if numeric {
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return mcpError(fmt.Sprintf("field %q needs a numeric value, got %q", field, value)), nil
			}
		}

		entry.Mutate(func() { set(value) })
		deps.Saver.RequestSave()
		return mcpText(fmt.Sprintf("Set %s = %s for %s", field, value, userID)), nil
	}
}

// fieldSetter maps a field name to an in-place setter on the entry's
// records. The caller validates numeric input before invoking it.
func fieldSetter(entry *workingset.Entry, field string) (set func(string), numeric bool) {
	setFloat := func(dst *float64) func(string) {
		return func(v string) {
			f, _ := strconv.ParseFloat(v, 64)
			*dst = f
		}
	}
	setString := func(dst *string) func(string) {
		return func(v string) { *dst = v }
	}

	switch field {
	case "weight":
		return setFloat(&entry.Profile.Weight), true
	case "height":
		return setFloat(&entry.Profile.Height), true
	case "weight_goal":
		return setFloat(&entry.Goal.WeightGoal), true
	case "daily_intake_target":
		return setFloat(&entry.Goal.DailyIntakeTarget), true
	case "food_allergies":
		return setString(&entry.Profile.FoodAllergies), false
	case "daily_activities":
		return setString(&entry.Profile.DailyActivities), false
	case "daily_exercises":
		return setString(&entry.Profile.DailyExercises), false
	case "medical_record":
		return setString(&entry.Profile.MedicalRecord), false
	case "general_goal":
		return setString(&entry.Goal.GeneralGoal), false
	default:
		return nil, false
	}
}

func mcpLogFood(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		food, err := req.RequireString("food")
		if err != nil {
			return mcpError("food is required"), nil
		}
		carb := req.GetFloat("carbohydrate", 0)
		fat := req.GetFloat("fat", 0)
		protein := req.GetFloat("protein", 0)

		entry, err := deps.WorkingSet.Get(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading profile: %v", err)), nil
		}

		intake := entry.Intake()
		entry.Mutate(func() {
			intake.Foods = append(intake.Foods, food)
			intake.Carbohydrate += carb
			intake.Fat += fat
			intake.Protein += protein
		})
		deps.Saver.RequestSave()

		return mcpText(fmt.Sprintf("Logged %s (%gg carbohydrate, %gg fat, %gg protein) for %s", food, carb, fat, protein, userID)), nil
	}
}

func mcpRecentInteractions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Interactions == nil {
			return mcpError("interaction history not available"), nil
		}

		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		interactions, err := deps.Interactions.ListInteractions(userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing interactions: %v", err)), nil
		}

		type interactionSummary struct {
			ID          string `json:"id"`
			CreatedAt   string `json:"created_at"`
			Message     string `json:"message"`
			Intent      int    `json:"intent"`
			InfoUpdated bool   `json:"info_updated"`
		}
		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			summaries[i] = interactionSummary{
				ID:          ix.ID,
				CreatedAt:   ix.CreatedAt.Format(time.RFC3339),
				Message:     ix.Message,
				Intent:      ix.Intent,
				InfoUpdated: ix.InfoUpdated,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal interactions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
