package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/buma/internal/domain/model"
)

// Sentinel kinds for repository errors.
var (
	ErrInvalidLimit  = errors.New("invalid query limit")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// storageErr wraps a backend failure. Context errors keep their identity so
// the dispatcher sees a timeout rather than a generic storage failure.
func storageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrStorage, err)
}
