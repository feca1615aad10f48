// Package report renders execution traces for operators and for voice playback.
package report

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

// Report is the rendered form of one trace.
type Report struct {
	FullReport   string `json:"full_report" yaml:"full_report"`
	VoiceSummary string `json:"voice_summary" yaml:"voice_summary"`
}

// Render is pure: the same trace always renders the same report.
func Render(tr *executor.Trace) Report {
	if tr == nil {
		return Report{FullReport: "No execution trace.", VoiceSummary: "Nothing was run."}
	}
	return Report{FullReport: fullReport(tr), VoiceSummary: voiceSummary(tr)}
}

func fullReport(tr *executor.Trace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", tr.Goal)
	if tr.Rule != "" {
		fmt.Fprintf(&b, "Rule: %s\n", tr.Rule)
	}
	fmt.Fprintf(&b, "Run: %s\n", tr.RunID)
	fmt.Fprintf(&b, "Outcome: %s\n", tr.Outcome)
	if !tr.FinishedAt.IsZero() && !tr.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %dms\n", tr.FinishedAt.Sub(tr.StartedAt).Milliseconds())
	}
	if len(tr.Steps) > 0 {
		b.WriteString("Steps:\n")
		for _, s := range tr.Steps {
			fmt.Fprintf(&b, "  [%s] %d %s: %s", s.SubPlan, s.StepIndex, s.ActionID, s.Status)
			if s.Attempts != 1 {
				fmt.Fprintf(&b, " (%d attempts)", s.Attempts)
			}
			if s.Memoized {
				b.WriteString(" (recalled)")
			}
			if s.OutputSummary != "" {
				fmt.Fprintf(&b, " - %s", s.OutputSummary)
			}
			if s.Error != "" {
				fmt.Fprintf(&b, " - %s error: %s", s.ErrorKind, s.Error)
			}
			b.WriteString("\n")
		}
	}
	if subs := entitySubPlans(tr); len(subs) > 0 {
		b.WriteString("Sub-plans:\n")
		for _, sp := range subs {
			fmt.Fprintf(&b, "  %s: %s", sp.Entity, sp.Outcome)
			if sp.Error != "" {
				fmt.Fprintf(&b, " - %s", sp.Error)
			}
			b.WriteString("\n")
		}
	}
	if len(tr.Inconsistent) > 0 {
		fmt.Fprintf(&b, "Inconsistent entities: %s\n", joinRefs(tr.Inconsistent))
	}
	if kept := stillApplied(tr); len(kept) > 0 && (tr.Outcome == executor.OutcomeAborted || tr.Outcome == executor.OutcomeFailed) {
		fmt.Fprintf(&b, "Changes still applied: %s\n", strings.Join(kept, ", "))
	}
	if lasting := irreversible(tr); len(lasting) > 0 {
		fmt.Fprintf(&b, "External effects not undone (local record restored): %s\n", strings.Join(lasting, ", "))
	}
	if tr.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", tr.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

func voiceSummary(tr *executor.Trace) string {
	goal := quote(tr.Goal)
	var parts []string
	switch tr.Outcome {
	case executor.OutcomeCompleted:
		parts = append(parts, fmt.Sprintf("Done. %s completed with %s.", goal, plural(countStatus(tr, planner.StepSucceeded), "step")))
		if subs := entitySubPlans(tr); len(subs) > 0 {
			parts = append(parts, fmt.Sprintf("All %s succeeded.", plural(len(subs), "property")))
		} else if tr.Rule != "" && len(tr.SubPlans) == 1 && tr.SubPlans[0].Scope == executor.ScopeResolver {
			parts = append(parts, "No properties matched.")
		}
		if next := nextActions(tr); next != "" {
			parts = append(parts, next)
		}
	case executor.OutcomeFailed:
		parts = append(parts, fmt.Sprintf("I could not complete %s.", goal))
		if f, ok := firstFailure(tr); ok {
			parts = append(parts, fmt.Sprintf("%s failed: %s.", speakAction(f.ActionID), reason(f)))
		}
		if subs := entitySubPlans(tr); len(subs) > 0 {
			parts = append(parts, fmt.Sprintf("All %s failed.", plural(len(subs), "property")))
		}
		parts = append(parts, rolledBack(tr, "Every change was rolled back."))
	case executor.OutcomePartiallyCompleted:
		parts = append(parts, fmt.Sprintf("%s only partially completed.", capitalize(goal)))
		if subs := entitySubPlans(tr); len(subs) > 0 {
			var failed []string
			ok := 0
			for _, sp := range subs {
				if sp.Outcome == executor.OutcomeCompleted {
					ok++
				} else {
					failed = append(failed, sp.Entity.String())
				}
			}
			parts = append(parts, fmt.Sprintf("%d of %d succeeded; failed: %s.", ok, len(subs), strings.Join(failed, ", ")))
		} else if f, ok := firstFailure(tr); ok {
			parts = append(parts, fmt.Sprintf("%s failed: %s.", speakAction(f.ActionID), reason(f)))
		}
	case executor.OutcomeAborted:
		if tr.Invocations() == 0 {
			parts = append(parts, fmt.Sprintf("I did not run %s.", goal))
			if tr.Error != "" {
				parts = append(parts, capitalize(tr.Error)+".")
			}
			parts = append(parts, "Nothing was changed.")
		} else {
			parts = append(parts, fmt.Sprintf("I stopped %s before it finished.", goal))
			if len(tr.Inconsistent) == 0 {
				parts = append(parts, rolledBack(tr, "Changes made so far were rolled back."))
			}
		}
	default:
		parts = append(parts, fmt.Sprintf("%s ended with status %s.", capitalize(goal), tr.Outcome))
	}
	if len(tr.Inconsistent) > 0 {
		parts = append(parts, fmt.Sprintf("I could not undo every change; please check %s.", joinRefs(tr.Inconsistent)))
	}
	if lasting := irreversible(tr); len(lasting) > 0 {
		parts = append(parts, fmt.Sprintf("%s already happened and cannot be taken back.", speakAction(lasting[0])))
	}
	return strings.Join(parts, " ")
}

var destructiveActions, mutatingActions = func() (map[string]bool, map[string]bool) {
	destructive, mutating := map[string]bool{}, map[string]bool{}
	for _, def := range capability.Catalog() {
		if def.SideEffect == capability.SideEffectDestructive {
			destructive[def.ID] = true
		}
		if def.SideEffect.Mutates() {
			mutating[def.ID] = true
		}
	}
	return destructive, mutating
}()

// rolledBack returns clean unless a mutating step of this run is still applied.
func rolledBack(tr *executor.Trace, clean string) string {
	kept := stillApplied(tr)
	if len(kept) == 0 {
		return clean
	}
	return fmt.Sprintf("Not every change was rolled back; still applied: %s.", strings.Join(kept, ", "))
}

// stillApplied lists mutating steps that succeeded in this run and were not rolled back.
func stillApplied(tr *executor.Trace) []string {
	var out []string
	for _, s := range tr.Steps {
		if s.Status != planner.StepSucceeded || s.Memoized || !mutatingActions[s.ActionID] {
			continue
		}
		name := strings.ReplaceAll(s.ActionID, "_", " ")
		if s.SubPlan != "" && s.SubPlan != executor.ScopePlan {
			name += " on " + strings.Replace(s.SubPlan, ":", " ", 1)
		}
		out = append(out, name)
	}
	return out
}

// irreversible lists destructive steps that ran and were rolled back. Only their CRM record was
// restored; the call or contract itself went out.
func irreversible(tr *executor.Trace) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range tr.Steps {
		if s.Status != planner.StepRolledBack || !destructiveActions[s.ActionID] || seen[s.ActionID] {
			continue
		}
		seen[s.ActionID] = true
		out = append(out, s.ActionID)
	}
	return out
}

func entitySubPlans(tr *executor.Trace) []executor.SubPlanOutcome {
	var out []executor.SubPlanOutcome
	for _, sp := range tr.SubPlans {
		if !sp.Entity.IsZero() {
			out = append(out, sp)
		}
	}
	return out
}

func firstFailure(tr *executor.Trace) (executor.StepResult, bool) {
	for _, s := range tr.Steps {
		if s.Status == planner.StepFailed {
			return s, true
		}
	}
	return executor.StepResult{}, false
}

func countStatus(tr *executor.Trace, status planner.StepStatus) int {
	n := 0
	for _, s := range tr.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// nextActions speaks the summary produced by summarize_next_actions, if the plan ran it.
func nextActions(tr *executor.Trace) string {
	for i := len(tr.Steps) - 1; i >= 0; i-- {
		s := tr.Steps[i]
		if s.Status != planner.StepSucceeded {
			continue
		}
		if summary, ok := s.Output["summary"].(string); ok && summary != "" {
			return "Next: " + strings.TrimRight(summary, ".") + "."
		}
	}
	return ""
}

func reason(s executor.StepResult) string {
	switch {
	case s.Attempts > 1:
		return fmt.Sprintf("%s error after %d attempts", s.ErrorKind, s.Attempts)
	case s.ErrorKind != "":
		return fmt.Sprintf("%s error", s.ErrorKind)
	}
	return "unknown error"
}

func speakAction(id string) string {
	return capitalize(strings.ReplaceAll(id, "_", " "))
}

func joinRefs(refs []models.EntityRef) string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.String())
	}
	return strings.Join(names, ", ")
}

func quote(goal string) string {
	if goal == "" {
		return "the request"
	}
	return fmt.Sprintf("%q", goal)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if strings.HasSuffix(noun, "y") {
		return fmt.Sprintf("%d %sies", n, strings.TrimSuffix(noun, "y"))
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] == '"' && len(s) > 1 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
