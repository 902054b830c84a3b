package events

import "github.com/invopop/jsonschema"

// Kind is the type of an event.
type Kind string

const (
	KindLearnerState        Kind = "learner_state"
	KindStrategyDefinitions Kind = "strategy_definitions"
	KindSessionCreated      Kind = "session_created"
	KindLessonStarted       Kind = "lesson_started"
	KindLessonCompleted     Kind = "lesson_completed"
	KindSessionClosing      Kind = "session_closing"
	KindStrategyRequested   Kind = "strategy_requested"
	KindStrategyApplied     Kind = "strategy_applied"
	KindEntityState         Kind = "entity_state"
	KindGeolocation         Kind = "geolocation"
	KindDetonation          Kind = "detonation"
	KindWeaponFire          Kind = "weapon_fire"
	KindScoreSubmitted      Kind = "score_submitted"

	// Not routed to observers through the router.
	KindHeartbeat      Kind = "heartbeat"
	KindProducerLost   Kind = "producer_lost"
	KindInitialization Kind = "initialization"
)

var routable = map[Kind]struct{}{
	KindLearnerState:        {},
	KindStrategyDefinitions: {},
	KindSessionCreated:      {},
	KindLessonStarted:       {},
	KindLessonCompleted:     {},
	KindSessionClosing:      {},
	KindStrategyRequested:   {},
	KindStrategyApplied:     {},
	KindEntityState:         {},
	KindGeolocation:         {},
	KindDetonation:          {},
	KindWeaponFire:          {},
	KindScoreSubmitted:      {},
	KindProducerLost:        {},
}

// Routable reports whether events of kind k are fanned out to observers.
func Routable(k Kind) bool {
	_, ok := routable[k]
	return ok
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindLearnerState, KindStrategyDefinitions, KindSessionCreated,
		KindLessonStarted, KindLessonCompleted, KindSessionClosing,
		KindStrategyRequested, KindStrategyApplied, KindEntityState,
		KindGeolocation, KindDetonation, KindWeaponFire, KindScoreSubmitted,
		KindHeartbeat, KindProducerLost, KindInitialization,
	}
}

// JSONSchema implements jsonschema.JSONSchemer so the envelope schema lists
// the accepted kinds.
func (Kind) JSONSchema() *jsonschema.Schema {
	kinds := Kinds()
	enum := make([]any, 0, len(kinds))
	for _, k := range kinds {
		enum = append(enum, string(k))
	}
	return &jsonschema.Schema{Type: "string", Enum: enum}
}
