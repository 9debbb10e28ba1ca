package assign

import "errors"

// Sentinel kinds for engine construction.
var (
	ErrInvalidWeights = errors.New("invalid scoring weights")
)
