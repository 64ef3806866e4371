package schema

// Severity grades domain events and exceptions.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ExceptionStatus represents the lifecycle of an exception record.
type ExceptionStatus string

const (
	ExceptionOpen       ExceptionStatus = "open"
	ExceptionInProgress ExceptionStatus = "in_progress"
	ExceptionResolved   ExceptionStatus = "resolved"
	ExceptionEscalated  ExceptionStatus = "escalated"
)

// ResolutionStrategy selects how the rule engine reacts to an exception.
type ResolutionStrategy string

const (
	StrategyAutoResolve       ResolutionStrategy = "auto_resolve"
	StrategyAIDecide          ResolutionStrategy = "ai_decide"
	StrategyRouteToHuman      ResolutionStrategy = "route_to_human"
	StrategyEscalate          ResolutionStrategy = "escalate"
	StrategyNotifyAndContinue ResolutionStrategy = "notify_and_continue"
	StrategyHaltWorkflow      ResolutionStrategy = "halt_workflow"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyAutoResolve, StrategyAIDecide, StrategyRouteToHuman,
		StrategyEscalate, StrategyNotifyAndContinue, StrategyHaltWorkflow:
		return true
	}
	return false
}

// Options offered to the oracle when an exception rule delegates to AI.
var ExceptionDecisionOptions = []string{
	"accept_variance",
	"reject_and_reorder",
	"escalate",
	"ignore",
	"retry",
}

// AutoResolveConfidence is the confidence an AI exception decision must exceed.
const AutoResolveConfidence = 70.0
