package events

import "encoding/json"

// StrategyCandidate is one strategy proposed for approval.
type StrategyCandidate struct {
	Name string `json:"name"`
	// Mandatory strategies are applied without waiting for an operator.
	Mandatory bool `json:"mandatory,omitempty"`
	// ControllerOnly strategies only affect the operator console.
	ControllerOnly bool              `json:"controllerOnly,omitempty"`
	Activities     []json.RawMessage `json:"activities,omitempty"`
}

// StrategyRequest is the payload of a strategy_requested event. Candidates
// are grouped by the rule that proposed them.
type StrategyRequest struct {
	Groups map[string][]StrategyCandidate `json:"groups"`
}

// StrategyApproval is the payload of a strategy_applied event.
type StrategyApproval struct {
	Strategies []StrategyCandidate `json:"strategies"`
	AppliedBy  string              `json:"appliedBy"`
	RequestSeq int64               `json:"requestSeq,omitempty"`
}

// EntityState is the payload of entity_state events. Only the entity id is
// interpreted by the relay.
type EntityState struct {
	EntityID string `json:"entityId"`
}

// ProcessedStrategy records a strategy the operator handled.
type ProcessedStrategy struct {
	Name          string `json:"name"`
	TimePerformed int64  `json:"timePerformed"`
	Approved      bool   `json:"approved"`
	Evaluator     string `json:"evaluator,omitempty"`
}

// ProcessedBookmark records a bookmark the operator placed on the timeline.
type ProcessedBookmark struct {
	Time    int64  `json:"time"`
	Comment string `json:"comment"`
	Author  string `json:"author,omitempty"`
}

// Initialization is the snapshot delivered to an observer when it starts
// watching a session that is already running.
type Initialization struct {
	StrategyDefinitions json.RawMessage     `json:"strategyDefinitions,omitempty"`
	LearnerState        json.RawMessage     `json:"learnerState,omitempty"`
	ProcessedStrategies []ProcessedStrategy `json:"processedStrategies,omitempty"`
	ProcessedBookmarks  []ProcessedBookmark `json:"processedBookmarks,omitempty"`
	LatestTime          int64               `json:"latestTime,omitempty"`
}

// ProducerLost is the payload of the synthetic producer_lost event.
type ProducerLost struct {
	Address string `json:"address"`
}
