package ai

import "errors"

// Sentinels wrapped into apperr kinds by Service.Generate.
var (
	ErrProviderUnavailable = errors.New("generator: no provider configured")
	ErrInferenceTimeout    = errors.New("generator: inference timed out")
	ErrInvalidResponse     = errors.New("generator: unparseable hypothesis")
)
