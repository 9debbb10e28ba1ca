package worker

import (
	"github.com/okian/buma/pkg/logger"
)

// Option applies a configuration option to the QueueWorker.
type Option func(*QueueWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *QueueWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *QueueWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

func withActivity(a *activity) Option {
	return func(w *QueueWorker) {
		if a != nil {
			w.activity = a
		}
	}
}
