package intent

// Intent classifies a user message into one of a fixed, closed set of
// actions. The zero value is the general/uncertain intent, which relays
// the message to the completion service without touching profile state.
type Intent int

const (
	General      Intent = 0
	Weight       Intent = 1
	Height       Intent = 2
	Allergies    Intent = 3
	Activities   Intent = 4
	Medical      Intent = 5
	WeightGoal   Intent = 6
	GeneralGoal  Intent = 7
	FoodLog      Intent = 8
	HealthReport Intent = 9
	Identity     Intent = 10
)

// maxIntent is the highest legal intent code; anything outside [0, maxIntent]
// is treated as undetermined by the dispatcher.
const maxIntent = Identity

// Known reports whether i is inside the legal intent range.
func (i Intent) Known() bool { return i >= General && i <= maxIntent }

func (i Intent) String() string {
	switch i {
	case General:
		return "general"
	case Weight:
		return "weight"
	case Height:
		return "height"
	case Allergies:
		return "food_allergies"
	case Activities:
		return "daily_activities"
	case Medical:
		return "medical_record"
	case WeightGoal:
		return "weight_goal"
	case GeneralGoal:
		return "general_goal"
	case FoodLog:
		return "food_intake"
	case HealthReport:
		return "health_report"
	case Identity:
		return "identity"
	default:
		return "unknown"
	}
}
