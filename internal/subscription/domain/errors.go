package domain

import "errors"

var (
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrInvalidFamily          = errors.New("invalid_family")
	ErrInvalidPlanTier        = errors.New("invalid_plan_tier")
	ErrInvalidCadence         = errors.New("invalid_cadence")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrAlreadySubscribed      = errors.New("already_subscribed")
	ErrNotCancelable          = errors.New("not_cancelable")
	ErrCoolingOffExpired      = errors.New("cooling_off_expired")
	ErrInvalidRequest         = errors.New("invalid_request")
)
