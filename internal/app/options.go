package service

import (
	"github.com/okian/buma/internal/adapters/applier"
	"github.com/okian/buma/internal/adapters/mq/queue"
	"github.com/okian/buma/internal/dispatch"
	"github.com/okian/buma/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithApplier replaces the applier built from configuration.
func WithApplier(a applier.Applier) Option {
	return func(s *Service) {
		if a != nil {
			s.applierOverride = a
		}
	}
}

// WithQueue replaces the queue built from configuration. The service
// closes it on Stop.
func WithQueue(q queue.Queue) Option {
	return func(s *Service) {
		if q != nil {
			s.queueOverride = q
		}
	}
}

// WithDispatchOptions appends options to the dispatcher built on Start.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(s *Service) {
		s.dispatchOpts = append(s.dispatchOpts, opts...)
	}
}
