package dispatch

import "errors"

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("dispatcher dependency missing")
