package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/recoverly/recoverly/internal/models"
)

const briefingDateFormat = "2006-01-02"

// relapseLabel turns the relapse type enum into the human wording used in
// the briefing.
func relapseLabel(relapseType string) string {
	switch relapseType {
	case models.RelapseFull:
		return "Full relapse"
	case models.RelapseRuleViolation:
		return "Rule violation"
	default:
		return relapseType
	}
}

// RenderBriefing formats the structured context into the plain-text summary
// injected into the model's system context. Section order is fixed: status
// header, check-ins (newest first), relapses (newest first), then the
// emergency warning when flagged. Empty sections are omitted entirely.
func RenderBriefing(uc *models.UserContext) string {
	var sb strings.Builder

	sb.WriteString("Current status:\n")
	fmt.Fprintf(&sb, "- Main streak: %d days (longest: %d days)\n",
		uc.Main.CurrentDays, uc.Main.LongestDays)
	fmt.Fprintf(&sb, "- Discipline streak: %d days (longest: %d days)\n",
		uc.Discipline.CurrentDays, uc.Discipline.LongestDays)

	if len(uc.CheckIns) > 0 {
		sb.WriteString("\nRecent check-ins:\n")
		for i, ci := range uc.CheckIns {
			fmt.Fprintf(&sb, "%d. %s - mood: %s, urge intensity: %d/10",
				i+1, ci.Date.Format(briefingDateFormat), ci.Mood, ci.UrgeIntensity)
			if len(ci.Triggers) > 0 {
				fmt.Fprintf(&sb, ", triggers: %s", strings.Join(ci.Triggers, ", "))
			}
			sb.WriteString("\n")
		}
	}

	if len(uc.Relapses) > 0 {
		sb.WriteString("\nRecent relapses:\n")
		for i, r := range uc.Relapses {
			fmt.Fprintf(&sb, "%d. %s - %s (lost a %d-day streak)\n",
				i+1, r.Date.Format(briefingDateFormat), relapseLabel(r.Type), r.PreviousStreakDays)
		}
	}

	if uc.IsEmergency {
		sb.WriteString("\n*** The user is in an emergency situation and needs immediate support. ***\n")
	}

	return sb.String()
}
