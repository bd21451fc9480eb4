package agent

import (
	"fmt"
	"strings"

	"github.com/cadencehq/cadence/internal/actions"
	"github.com/cadencehq/cadence/internal/knowledge"
	"github.com/cadencehq/cadence/internal/resolver"
	"github.com/cadencehq/cadence/internal/trial"
)

// formatResult renders one action result for the CRC. Payload types
// without a renderer fall back to the action's own summary line.
func formatResult(r executed) string {
	if !r.result.Success {
		return "⚠️ " + firstNonEmpty(r.result.Error, "action failed")
	}
	switch data := r.result.Data.(type) {
	case []*trial.Patient:
		if len(data) == 0 {
			return "No patients matched."
		}
		return formatPatientList(data)
	case []actions.RiskScore:
		if len(data) == 0 {
			return "No risk scores available."
		}
		return formatRiskScores(data)
	case *resolver.Result:
		return formatResolution(data)
	case *actions.KnowledgeHits:
		return formatKnowledge(data)
	case []trial.Task:
		if len(data) == 0 {
			return "No tasks found."
		}
		return formatTasks(data)
	case *actions.TodaySummary:
		return formatTodaySummary(data)
	}
	return firstNonEmpty(r.result.Description, "Action completed.")
}

func riskBadge(score float64) string {
	switch {
	case score >= 0.7:
		return "🔴"
	case score >= 0.4:
		return "🟡"
	default:
		return "🟢"
	}
}

func formatPatientList(patients []*trial.Patient) string {
	var lines []string
	for _, p := range patients {
		if len(lines) >= patientListCap {
			break
		}
		line := fmt.Sprintf("%s **%s** (%s) — %.0f%% risk",
			riskBadge(p.DropoutRiskScore), p.Name, p.ID, p.DropoutRiskScore*100)
		if len(p.RiskFactors) > 0 {
			line += "\n   Top factor: " + p.RiskFactors[0]
		}
		if len(p.RecommendedActions) > 0 {
			line += "\n   → " + p.RecommendedActions[0]
		}
		lines = append(lines, line)
	}
	if extra := len(patients) - patientListCap; extra > 0 {
		lines = append(lines, fmt.Sprintf("... and %d more patients", extra))
	}
	return strings.Join(lines, "\n\n")
}

func formatRiskScores(scores []actions.RiskScore) string {
	var lines []string
	for _, s := range scores {
		if len(lines) >= patientListCap {
			break
		}
		line := fmt.Sprintf("%s **%s** (%s) — %.0f%% risk",
			riskBadge(s.Score), s.Name, s.PatientID, s.Score*100)
		if len(s.RiskFactors) > 0 {
			line += "\n   Top factor: " + s.RiskFactors[0]
		}
		if len(s.RecommendedActions) > 0 {
			line += "\n   → " + s.RecommendedActions[0]
		}
		lines = append(lines, line)
	}
	if extra := len(scores) - patientListCap; extra > 0 {
		lines = append(lines, fmt.Sprintf("... and %d more patients", extra))
	}
	return strings.Join(lines, "\n\n")
}

func formatResolution(r *resolver.Result) string {
	switch r.Match {
	case resolver.MatchExact, resolver.MatchSingle:
		p := r.Patients[0]
		return fmt.Sprintf("Resolved to **%s** (%s), %s at %s.", p.Name, p.ID, p.Status, p.SiteName)
	case resolver.MatchMultiple:
		var lines []string
		lines = append(lines, fmt.Sprintf("Found %d possible matches — which one did you mean?", len(r.Patients)))
		for _, p := range r.Patients {
			lines = append(lines, fmt.Sprintf("- **%s** (%s), %s", p.Name, p.ID, p.TrialName))
		}
		return strings.Join(lines, "\n")
	default:
		return "No matching patient found. Try a name, patient ID, or more specific description."
	}
}

func formatKnowledge(hits *actions.KnowledgeHits) string {
	if len(hits.Entries) == 0 && len(hits.Protocols) == 0 {
		return "Nothing relevant in the knowledge base yet."
	}
	var lines []string
	for _, e := range hits.Entries {
		lines = append(lines, fmt.Sprintf("📋 **%s**: %s", displayCategory(e), e.Content))
	}
	for _, c := range hits.Protocols {
		lines = append(lines, fmt.Sprintf("📄 **%s — %s**: %s", c.ProtocolName, c.Header, truncate(c.Content, 200)))
	}
	return strings.Join(lines, "\n\n")
}

func displayCategory(e *knowledge.Entry) string {
	if e.Category == "" {
		return "tip"
	}
	return e.Category
}

func formatTasks(tasks []trial.Task) string {
	var lines []string
	for _, t := range tasks {
		line := fmt.Sprintf("• [%s] %s", t.Priority, t.Title)
		if t.DueDate != "" {
			line += " (due " + t.DueDate + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatTodaySummary(s *actions.TodaySummary) string {
	header := fmt.Sprintf("Today: %d task(s), %d overdue.", s.Today, s.Overdue)
	if len(s.Tasks) == 0 {
		return header + " You're all caught up."
	}
	return header + "\n" + formatTasks(s.Tasks)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
