package streams

// Stream and event names used for async goal intake.
const (
	StreamGoals   = "voiceplanner.goals"
	StreamResults = "voiceplanner.results"

	EventGoalSubmitted = "goal.submitted"
	EventPlanCompleted = "plan.completed"

	PayloadV1 = "v1"
)

// GoalSubmitted asks a worker to plan and run a goal.
type GoalSubmitted struct {
	RunID              string                 `json:"run_id,omitempty"`
	SessionID          string                 `json:"session_id"`
	Goal               string                 `json:"goal"`
	ConfirmDestructive bool                   `json:"confirm_destructive"`
	PropertyID         string                 `json:"property_id,omitempty"`
	Filter             map[string]interface{} `json:"filter,omitempty"`
}

// PlanCompleted reports the terminal result of a submitted goal.
type PlanCompleted struct {
	RunID        string `json:"run_id"`
	SessionID    string `json:"session_id"`
	Rule         string `json:"rule,omitempty"`
	Outcome      string `json:"outcome"`
	VoiceSummary string `json:"voice_summary"`
	Error        string `json:"error,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// OutcomeNoPlan marks a goal that matched no rule, so nothing was executed.
const OutcomeNoPlan = "NO_PLAN"
