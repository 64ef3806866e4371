package schema

// ApprovalStatus represents the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalEscalated    ApprovalStatus = "escalated"
)

// IsOpen reports whether the request still awaits a decision.
func (s ApprovalStatus) IsOpen() bool {
	return s == ApprovalPending || s == ApprovalEscalated
}

// ApprovalTier is the monetary band an amount falls into.
type ApprovalTier string

const (
	TierAutoApprove ApprovalTier = "auto_approve"
	TierLevel1      ApprovalTier = "level1"
	TierLevel2      ApprovalTier = "level2"
	TierLevel3      ApprovalTier = "level3"
	TierExecutive   ApprovalTier = "executive"
)

// Level maps a tier onto its numeric approval level (0 auto, 4 executive).
func (t ApprovalTier) Level() int {
	switch t {
	case TierLevel1:
		return 1
	case TierLevel2:
		return 2
	case TierLevel3:
		return 3
	case TierExecutive:
		return 4
	}
	return 0
}

// RiskTier summarizes how much to trust the AI recommendation attached to an approval.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// RiskFromConfidence derives the risk tier from an oracle confidence (0-100).
// A nil confidence means no recommendation was made.
func RiskFromConfidence(confidence *float64) RiskTier {
	switch {
	case confidence == nil:
		return RiskMedium
	case *confidence >= 85:
		return RiskLow
	case *confidence >= 60:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Well-known roles used by the approval and exception engines.
const (
	RoleOps   = "ops"
	RoleAdmin = "admin"
	RoleExec  = "exec"
)

// MaxEscalationLevel caps approval escalation.
const MaxEscalationLevel = 3

// EscalationRoles returns the roles notified at an escalation level.
func EscalationRoles(level int) []string {
	switch {
	case level <= 1:
		return []string{RoleOps, RoleAdmin}
	case level == 2:
		return []string{RoleAdmin, RoleExec}
	default:
		return []string{RoleExec}
	}
}
