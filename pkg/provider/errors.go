package provider

import "errors"

var (
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrMalformedEvent   = errors.New("malformed webhook payload")
	ErrCheckoutRejected = errors.New("provider rejected the checkout")
	ErrTestUnsupported  = errors.New("provider has no connectivity test")
)
