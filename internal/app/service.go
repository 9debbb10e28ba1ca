// Package service wires configuration, stores, queue, dispatcher and worker
// pool together and exposes the operations the HTTP API needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/okian/buma/internal/adapters/applier"
	"github.com/okian/buma/internal/adapters/mq/queue"
	"github.com/okian/buma/internal/adapters/mq/worker"
	"github.com/okian/buma/internal/adapters/repository"
	"github.com/okian/buma/internal/config"
	"github.com/okian/buma/internal/dispatch"
	"github.com/okian/buma/internal/domain/assign"
	"github.com/okian/buma/internal/domain/dedupe"
	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/internal/domain/normalize"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

// Service owns the triage pipeline for the lifetime of the process.
type Service struct {
	mu  sync.RWMutex
	cfg *config.Config

	// Core components
	db          *gorm.DB
	redis       *redis.Client
	roster      repository.RosterStore
	decisions   repository.DecisionLog
	deadLetters repository.DeadLetterStore
	eventQueue  queue.Queue
	issueLease  *queue.RedisLease
	applier     applier.Applier
	dispatcher  *dispatch.Dispatcher
	workerPool  *worker.Pool

	// Test seams
	applierOverride applier.Applier
	queueOverride   queue.Queue
	dispatchOpts    []dispatch.Option

	started   bool
	startedAt time.Time

	logger logger.Logger
}

// New constructs a Service for cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds every component from configuration and starts the workers.
// Workers run until Stop or until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}
	cfg := s.cfg
	s.logger.Info(ctx, "starting triage service...",
		logger.String("store", cfg.StoreDriver),
		logger.String("queue", cfg.QueueDriver),
		logger.String("applier", cfg.Applier),
	)

	cls, err := cfg.Classifier()
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	if err := s.openStores(ctx); err != nil {
		s.closeResources()
		return err
	}
	if err := s.openQueue(ctx); err != nil {
		s.closeResources()
		return err
	}
	if err := s.openApplier(); err != nil {
		s.closeResources()
		return err
	}

	opts := []dispatch.Option{
		dispatch.WithRoster(s.roster),
		dispatch.WithDecisionLog(s.decisions),
		dispatch.WithDeadLetters(s.deadLetters),
		dispatch.WithApplier(s.applier),
		dispatch.WithDeduper(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))),
		dispatch.WithPolicy(cfg.RetryPolicy()),
		dispatch.WithTimeouts(cfg.Timeouts()),
		dispatch.WithMaxDeliveries(cfg.MaxDeliveries),
		dispatch.WithLabels(cfg.Labels()),
	}
	if s.issueLease != nil {
		opts = append(opts, dispatch.WithIssueLease(s.issueLease))
	}
	s.dispatcher, err = dispatch.New(engine, cls, append(opts, s.dispatchOpts...)...)
	if err != nil {
		s.closeResources()
		return err
	}

	s.workerPool = worker.NewPool(cfg.WorkerCount, s.eventQueue, s.dispatcher)
	s.workerPool.Start(ctx)

	s.started = true
	s.startedAt = time.Now()
	s.logger.Info(ctx, "triage service started",
		logger.Int("workers", s.workerPool.Stats().Workers),
		logger.Int("queueSize", cfg.EventQueueSize),
		logger.Int("rules", cls.Len()),
		logger.Int("developers", len(cfg.Roster)),
	)
	return nil
}

func newEngine(cfg *config.Config) (*assign.Engine, error) {
	w, err := cfg.Weights()
	if err != nil {
		return nil, err
	}
	engine, err := assign.NewEngine(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	return engine, nil
}

func (s *Service) openStores(ctx context.Context) error {
	cfg := s.cfg
	if cfg.StoreDriver == config.StoreMemory {
		s.roster = repository.NewMemoryRoster(cfg.Developers())
		s.decisions = repository.NewMemoryDecisionLog()
		s.deadLetters = repository.NewMemoryDeadLetters()
		return nil
	}

	db, err := repository.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.db = db
	roster := repository.NewGormRoster(db)
	if err := roster.Sync(ctx, cfg.Developers()); err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}
	s.roster = roster
	s.decisions = repository.NewGormDecisionLog(db)
	s.deadLetters = repository.NewGormDeadLetters(db)
	return nil
}

func (s *Service) openQueue(ctx context.Context) error {
	if s.queueOverride != nil {
		s.eventQueue = s.queueOverride
		return nil
	}
	cfg := s.cfg
	opts := []queue.Option{
		queue.WithCapacity(cfg.EventQueueSize),
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout),
	}
	if cfg.QueueDriver == config.QueueMemory {
		s.eventQueue = queue.NewInMemoryQueue(opts...)
		return nil
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	s.eventQueue = queue.NewRedisQueue(s.redis, append(opts, queue.WithKeyPrefix(cfg.RedisKeyPrefix))...)
	s.issueLease = queue.NewRedisLease(s.redis, cfg.RedisKeyPrefix, cfg.VisibilityTimeout)
	return nil
}

func (s *Service) openApplier() error {
	if s.applierOverride != nil {
		s.applier = s.applierOverride
		return nil
	}
	cfg := s.cfg
	if cfg.Applier == config.ApplierLog {
		s.applier = applier.NewLog(logger.Named("applier"))
		return nil
	}
	var opts []applier.Option
	if cfg.GitHubBaseURL != "" {
		opts = append(opts, applier.WithBaseURL(cfg.GitHubBaseURL))
	}
	gh, err := applier.NewGitHub(cfg.GitHubToken, opts...)
	if err != nil {
		return err
	}
	s.applier = gh
	return nil
}

// closeResources releases the queue and connections. Callers hold s.mu.
func (s *Service) closeResources() {
	ctx := context.Background()
	if s.eventQueue != nil {
		if err := s.eventQueue.Close(); err != nil {
			s.logger.Warn(ctx, "close queue", logger.Error(err))
		}
		s.eventQueue = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn(ctx, "close redis", logger.Error(err))
		}
		s.redis = nil
		s.issueLease = nil
	}
	if s.db != nil {
		if err := repository.Close(s.db); err != nil {
			s.logger.Warn(ctx, "close store", logger.Error(err))
		}
		s.db = nil
	}
}

// Stop drains the workers and closes the queue and stores. Messages still
// in flight when ctx expires are redelivered after their lease runs out.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping triage service...")

	var err error
	if s.workerPool != nil {
		err = s.workerPool.Shutdown(ctx)
	}
	s.closeResources()

	s.started = false
	s.logger.Info(ctx, "triage service stopped", logger.Any("dispatch", s.dispatcher.Stats()))
	return err
}

// Ingest puts one webhook delivery on the queue. The issue id and action
// are read best-effort; validation happens in the dispatcher.
func (s *Service) Ingest(ctx context.Context, deliveryID, eventName string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", ErrEmptyPayload
	}
	if eventName == "" {
		return "", ErrMissingEventName
	}
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	s.mu.RLock()
	q := s.eventQueue
	started := s.started
	s.mu.RUnlock()
	if !started {
		return "", ErrNotStarted
	}

	issueID, action := normalize.Peek(body)
	msg := model.Message{
		DeliveryID: deliveryID,
		IssueID:    issueID,
		ActionType: action,
		EventName:  eventName,
		RawPayload: body,
	}
	if err := q.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue delivery %s: %w", deliveryID, err)
	}
	metrics.RecordEventIngested()
	s.logger.Debug(ctx, "delivery queued",
		logger.String("delivery_id", deliveryID),
		logger.String("issue_id", issueID),
		logger.String("action", action),
	)
	return deliveryID, nil
}

// Release frees one slot of a developer, e.g. when an issue is closed or
// reassigned.
func (s *Service) Release(ctx context.Context, developerID string) error {
	roster, err := s.rosterStore()
	if err != nil {
		return err
	}
	return roster.Release(ctx, developerID)
}

// Roster returns every developer with current load.
func (s *Service) Roster(ctx context.Context) ([]model.Developer, error) {
	roster, err := s.rosterStore()
	if err != nil {
		return nil, err
	}
	return roster.List(ctx)
}

func (s *Service) rosterStore() (repository.RosterStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.roster, nil
}

// Decisions queries the decision log.
func (s *Service) Decisions(ctx context.Context, f repository.Filter) ([]model.LogEntry, error) {
	s.mu.RLock()
	log, started := s.decisions, s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	return log.Query(ctx, f)
}

// DeadLetters lists the most recent dead-lettered events.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	s.mu.RLock()
	store, started := s.deadLetters, s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	return store.List(ctx, limit)
}

// Reload swaps rules, categories, weights and roster from cfg. Transport
// and storage settings need a restart.
func (s *Service) Reload(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cls, err := cfg.Classifier()
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	if err := s.roster.Sync(ctx, cfg.Developers()); err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}
	s.dispatcher.SetClassifier(cls)
	s.dispatcher.SetEngine(engine)

	old := s.cfg
	if old.Addr != cfg.Addr || old.QueueDriver != cfg.QueueDriver ||
		old.StoreDriver != cfg.StoreDriver || old.WorkerCount != cfg.WorkerCount {
		s.logger.Warn(ctx, "transport and storage settings changed; restart to apply them")
	}
	next := *old
	next.Categories = cfg.Categories
	next.Rules = cfg.Rules
	next.Roster = cfg.Roster
	next.PriorityMultipliers = cfg.PriorityMultipliers
	next.LoadPenalty = cfg.LoadPenalty
	s.cfg = &next

	s.logger.Info(ctx, "configuration reloaded",
		logger.Int("rules", cls.Len()),
		logger.Int("developers", len(cfg.Roster)),
	)
	return nil
}

// Health checks the connections the pipeline depends on.
func (s *Service) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	var errs []error
	if s.db != nil {
		if err := repository.Ping(ctx, s.db); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"queueDriver": s.cfg.QueueDriver,
		"storeDriver": s.cfg.StoreDriver,
		"applier":     s.cfg.Applier,
	}
	if !s.started {
		return stats
	}

	ctx := context.Background()
	queueLen := s.eventQueue.Len(ctx)
	metrics.UpdateQueueSize(queueLen)

	stats["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
	stats["queueLength"] = queueLen
	stats["queueCapacity"] = s.cfg.EventQueueSize
	stats["workers"] = s.workerPool.Stats()
	stats["dispatch"] = s.dispatcher.Stats()
	stats["rules"] = len(s.cfg.Rules)
	stats["developers"] = len(s.cfg.Roster)
	return stats
}
