package dispatch

import (
	"fmt"
	"strings"

	"github.com/calorisense/calorisense/internal/storage"
)

// followupSuffix is appended to every successful field-update confirmation.
const followupSuffix = "Would you like to do anything else?"

func withFollowup(text string) string {
	return fmt.Sprintf("Done! %s\n\n%s", text, followupSuffix)
}

// Instruction prefixes for field-update intents. Each embeds the current
// value of the target field and pins the completion output format so the
// reply can be parsed deterministically at temperature 0.

func weightPrompt(current float64) string {
	return fmt.Sprintf(
		"For the following message, I want to change my weight. "+
			"My previous weight is %g kg. "+
			"Please answer with the new weight only, as a float in kg.", current)
}

func heightPrompt(current float64) string {
	return fmt.Sprintf(
		"For the following message, I want to change my height. "+
			"My previous height is %g cm. "+
			"Please answer with the new height only, as a float in cm.", current)
}

func allergiesPrompt(current string) string {
	return fmt.Sprintf(
		"For the following message, I want to update my food allergies information. "+
			"My previous data was: %s. "+
			"Please answer with the updated allergies only as a string.", orNone(current))
}

func activitiesPrompt(current string) string {
	return fmt.Sprintf(
		"For the following message, I want to update my daily activities. "+
			"My current daily activities are: %s. "+
			"Please answer with the updated daily activities only as a string.", orNone(current))
}

func medicalPrompt(current string) string {
	return fmt.Sprintf(
		"For the following message, I want to update my medical records. "+
			"My previous medical records are: %s. "+
			"Please answer with the updated medical records only as a string.", orNone(current))
}

func weightGoalPrompt(current float64) string {
	return fmt.Sprintf(
		"For the following message, I want to change my weight goal. "+
			"My current weight goal is %g kg. "+
			"Please answer with the new weight goal only as a float in kg.", current)
}

func generalGoalPrompt(current string) string {
	return fmt.Sprintf(
		"For the following message, I want to change my general goal. "+
			"My current goal is: %s. "+
			"Please answer with the new goal only as a string.", orNone(current))
}

func foodLogPrompt(intake *storage.DailyIntakeRecord) string {
	return fmt.Sprintf(
		"You are a food intake assistant. The user wants to update their daily food intake. "+
			"Today's foods they've already entered are: [%s]. "+
			"Their current intake is: carbohydrate %gg, protein %gg, and fat %gg. "+
			"The user will now provide a message containing new foods they have eaten today. "+
			"Your task is to:\n"+
			"1. Extract each food item and its quantity (if mentioned).\n"+
			"2. Estimate its nutrition based on realistic values. Use these examples:\n"+
			"   - Nasi goreng (1 plate): 45g carbs, 8g protein, 15g fat\n"+
			"   - White rice (1 cup): 45g carbs, 4g protein, 0.5g fat\n"+
			"   - Chicken breast (100g): 0g carbs, 31g protein, 3.6g fat\n"+
			"   - Egg (1 large): 0.6g carbs, 6g protein, 5g fat\n"+
			"If food is unknown, estimate values realistically.\n"+
			"Then, calculate total nutrition for the new foods only.\n"+
			"Output in this exact JSON format, no extra text:\n"+
			`{"foods":["food1 quantity","food2 quantity"],"protein":X,"fat":Y,"carbohydrate":Z}`+"\n"+
			"Make sure X, Y, Z are correct sums of the foods listed.",
		strings.Join(intake.Foods, ", "), intake.Carbohydrate, intake.Protein, intake.Fat)
}

// Daily-intake target (recommended daily intake) calculation, done once
// when a profile with known vitals first needs it.

const intakeTargetSystemPrompt = "Please calculate the RDI based on the following condition. " +
	"Answers only in numbers. Do not show me the calculation, answer only in one word."

func intakeTargetPrompt(p *storage.ProfileRecord, g *storage.GoalRecord) string {
	return fmt.Sprintf(
		"The user weighs %g kilograms and is %g centimeters tall. "+
			"Their daily activity level is '%s', their exercise habits are '%s', "+
			"and their goal is to '%s'. Please calculate the RDI (Recommended Daily Intake) "+
			"in kilocalories for this person based on this information.",
		p.Weight, p.Height, orNone(p.DailyActivities), orNone(p.DailyExercises), orNone(g.GeneralGoal))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}

func healthReportText(p *storage.ProfileRecord, g *storage.GoalRecord, intake *storage.DailyIntakeRecord) string {
	var sb strings.Builder
	sb.WriteString("Here are your current health records:\n")
	fmt.Fprintf(&sb, "- Weight: %g kg\n", p.Weight)
	fmt.Fprintf(&sb, "- Height: %g cm\n", p.Height)
	fmt.Fprintf(&sb, "- Food allergies: %s\n", orNone(p.FoodAllergies))
	fmt.Fprintf(&sb, "- Daily activities: %s\n", orNone(p.DailyActivities))
	fmt.Fprintf(&sb, "- Daily exercises: %s\n", orNone(p.DailyExercises))
	fmt.Fprintf(&sb, "- Medical records: %s\n", orNone(p.MedicalRecord))
	fmt.Fprintf(&sb, "- Weight goal: %g kg\n", g.WeightGoal)
	fmt.Fprintf(&sb, "- General goal: %s\n", orNone(g.GeneralGoal))
	if g.DailyIntakeTarget > 0 {
		fmt.Fprintf(&sb, "- Daily intake target: %g kcal\n", g.DailyIntakeTarget)
	}
	fmt.Fprintf(&sb, "Today you have logged %d food item(s): carbohydrate %gg, fat %gg, protein %gg.",
		len(intake.Foods), intake.Carbohydrate, intake.Fat, intake.Protein)
	return sb.String()
}
