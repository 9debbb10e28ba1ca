package applier

import "errors"

// ErrMissingToken is returned when the GitHub applier has no credentials.
var ErrMissingToken = errors.New("github token is required")
