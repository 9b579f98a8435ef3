package usage

import "errors"

var (
	ErrNoActivePeriod  = errors.New("account has no active billing period")
	ErrFailedToConsume = errors.New("failed to update usage counter")
	ErrFailedToRead    = errors.New("failed to read usage counter")
	ErrFailedToReset   = errors.New("failed to reset usage counter")
)
