package classify

import "errors"

// Sentinel kinds for classifier construction.
var (
	ErrInvalidRule = errors.New("invalid classification rule")
)
