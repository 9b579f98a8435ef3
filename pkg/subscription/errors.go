package subscription

import "errors"

var (
	ErrPlanNotFound    = errors.New("subscription plan not found")
	ErrPlanUnavailable = errors.New("subscription plan is not available")
	ErrPlanInUse       = errors.New("subscription plan is referenced by a live subscription")
	ErrSlugTaken       = errors.New("subscription plan slug already exists")

	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrLiveSubscriptionExists = errors.New("account already has a live subscription")
	ErrConcurrentChange       = errors.New("subscription changed while the request was in flight")
	ErrNotRenewable           = errors.New("subscription plan does not renew")

	ErrFailedToSave       = errors.New("failed to save subscription")
	ErrFailedToLoad       = errors.New("failed to load subscription")
	ErrFailedToLoadPlans  = errors.New("failed to load subscription plans")
	ErrInvalidPlanFile    = errors.New("invalid subscription plans file")
	ErrFailedToCreatePlan = errors.New("failed to create subscription plan")
)
