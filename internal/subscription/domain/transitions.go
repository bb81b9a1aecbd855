package domain

// TransitionReason labels why a state change happened. It becomes the
// billing event type suffix and a metrics label.
type TransitionReason string

const (
	ReasonTrialStarted          TransitionReason = "trial_started"
	ReasonTrialExpired          TransitionReason = "trial_expired"
	ReasonConverted             TransitionReason = "converted"
	ReasonLateConverted         TransitionReason = "late_converted"
	ReasonRenewed               TransitionReason = "renewed"
	ReasonPaymentFailed         TransitionReason = "payment_failed"
	ReasonPaymentRecovered      TransitionReason = "payment_recovered"
	ReasonGraceExhausted        TransitionReason = "grace_exhausted"
	ReasonCanceled              TransitionReason = "canceled"
	ReasonCancellationScheduled TransitionReason = "cancellation_scheduled"
	ReasonCancellationWithdrawn TransitionReason = "cancellation_withdrawn"
	ReasonCancellationEffective TransitionReason = "cancellation_effective"
)

var transitions = map[SubscriptionStatus]map[SubscriptionStatus]struct{}{
	StatusTrialing: {
		StatusActive:   {},
		StatusExpired:  {},
		StatusCanceled: {},
	},
	StatusActive: {
		StatusActive:   {},
		StatusPastDue:  {},
		StatusCanceled: {},
	},
	StatusPastDue: {
		StatusActive:   {},
		StatusCanceled: {},
	},
	StatusExpired: {
		StatusActive: {},
	},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to SubscriptionStatus) bool {
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}
