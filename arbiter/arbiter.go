// Package arbiter decides which requested strategies the relay may approve
// on the operators' behalf.
package arbiter

import (
	"sort"

	"github.com/ggoodman/session-relay/events"
)

// AppliedBy marks approvals made by the relay rather than an operator.
const AppliedBy = "auto"

// AllAuto reports whether every flag is set. It is true for no flags.
func AllAuto(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}

// Decide returns the candidates to approve. When every watching observer is in
// auto mode all candidates are approved; otherwise only mandatory and
// controller-only candidates that carry at least one activity are.
// Groups are visited in name order, so the result is deterministic.
func Decide(req events.StrategyRequest, autoFlags []bool) []events.StrategyCandidate {
	all := AllAuto(autoFlags)

	groups := make([]string, 0, len(req.Groups))
	for g := range req.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var approved []events.StrategyCandidate
	for _, g := range groups {
		for _, c := range req.Groups[g] {
			if all {
				approved = append(approved, c)
				continue
			}
			if len(c.Activities) == 0 {
				continue
			}
			if c.Mandatory || c.ControllerOnly {
				approved = append(approved, c)
			}
		}
	}
	return approved
}

// Approval builds the strategy_applied event answering req.
func Approval(req events.Event, approved []events.StrategyCandidate, seq int64) (events.Event, error) {
	ev := events.Event{
		Kind:          events.KindStrategyApplied,
		Key:           req.Key,
		Seq:           seq,
		Time:          req.Time,
		CorrelationID: req.CorrelationID,
	}
	return ev.WithPayload(events.StrategyApproval{
		Strategies: approved,
		AppliedBy:  AppliedBy,
		RequestSeq: req.Seq,
	})
}
