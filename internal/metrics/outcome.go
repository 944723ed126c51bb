package metrics

// Outcome classifies how a probe ended.
type Outcome string

const (
	OutcomeAuthenticated  Outcome = "authenticated"
	OutcomeDenied         Outcome = "denied"
	OutcomeConditionError Outcome = "condition_error"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeTimeout        Outcome = "timeout"
)

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{
	OutcomeAuthenticated,
	OutcomeDenied,
	OutcomeConditionError,
	OutcomeTransportError,
	OutcomeTimeout,
}

// Authenticated reports whether the outcome grants access.
func (o Outcome) Authenticated() bool {
	return o == OutcomeAuthenticated
}
