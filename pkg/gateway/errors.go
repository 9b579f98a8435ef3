package gateway

import "errors"

var (
	ErrSettingNotFound    = errors.New("gateway setting not found")
	ErrProviderDisabled   = errors.New("payment provider is disabled")
	ErrMissingCredential  = errors.New("payment provider credential is not configured")
	ErrFailedToSave       = errors.New("failed to save gateway setting")
	ErrFailedToLoad       = errors.New("failed to load gateway setting")
	ErrFailedToSeal       = errors.New("failed to seal gateway credential")
	ErrFailedToOpenSecret = errors.New("failed to open gateway credential")
)
