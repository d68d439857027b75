package types

type SuggestedAction string

const (
	ActionProceed      SuggestedAction = "proceed"
	ActionMonitor      SuggestedAction = "monitor"
	ActionManualReview SuggestedAction = "manual_review"
	ActionBlock        SuggestedAction = "block"
)

const FlagRequiresMonitoring = "requires_monitoring"

type RiskDecision struct {
	Approved        bool            `json:"approved" yaml:"approved"`
	Reason          string          `json:"reason" yaml:"reason"`
	RiskScore       int             `json:"risk_score" yaml:"risk_score"`
	Confidence      float64         `json:"confidence" yaml:"confidence"`
	Flags           []string        `json:"flags,omitempty" yaml:"flags,omitempty"`
	SuggestedAction SuggestedAction `json:"suggested_action" yaml:"suggested_action"`
}

// PolicyValidation is the compliance check result exported with a decision.
type PolicyValidation struct {
	Violations   []string `json:"violations,omitempty" yaml:"violations,omitempty"`
	Warnings     []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	CapRemaining string   `json:"cap_remaining" yaml:"cap_remaining"`
	EpochValid   bool     `json:"epoch_valid" yaml:"epoch_valid"`
}
