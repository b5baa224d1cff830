package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-voice-agent/internal/admission"
	"github.com/acme/outbound-voice-agent/internal/audiobridge"
	"github.com/acme/outbound-voice-agent/internal/bus"
	"github.com/acme/outbound-voice-agent/internal/callattempt"
	"github.com/acme/outbound-voice-agent/internal/config"
	"github.com/acme/outbound-voice-agent/internal/domain"
	"github.com/acme/outbound-voice-agent/internal/infra/db"
	"github.com/acme/outbound-voice-agent/internal/infra/redis"
	"github.com/acme/outbound-voice-agent/internal/pbx"
	"github.com/acme/outbound-voice-agent/internal/queue"
	"github.com/acme/outbound-voice-agent/internal/realtime"
	"github.com/acme/outbound-voice-agent/internal/repository"
	pgrepo "github.com/acme/outbound-voice-agent/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-voice-agent/internal/repository/scylla"
	"github.com/acme/outbound-voice-agent/internal/retry"
	"github.com/acme/outbound-voice-agent/internal/scheduler"
	callsvc "github.com/acme/outbound-voice-agent/internal/service/call"
	tasksvc "github.com/acme/outbound-voice-agent/internal/service/task"
	"github.com/acme/outbound-voice-agent/internal/telemetry"
	"github.com/acme/outbound-voice-agent/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *telemetry.Metrics

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		bus          *bus.RedisBus
	}

	runtime struct {
		once     sync.Once
		mu       sync.Mutex
		err      error
		calls    *calls
		retryRun *retry.Scheduler
	}
}

type repositories struct {
	Attempts    repository.CallAttemptRepository
	Tasks       repository.TaskRepository
	Events      repository.TaskEventRepository
	DND         repository.DNDRepository
	Transcripts repository.TranscriptStore
}

type services struct {
	Task *tasksvc.Service
	Call *callsvc.Service
}

type publishers struct {
	Outcomes   *queue.OutcomePublisher
	DeadLetter *queue.DeadLetterPublisher
}

// calls groups the components that place and carry calls.
type calls struct {
	PBX         *pbx.Client
	Admission   *admission.Controller
	Factory     *callattempt.Factory
	AudioBridge *audiobridge.Server
	Scheduler   *scheduler.Scheduler
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(ctx, cfg.Scylla)
	if err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = scylla.Close()
		_ = pg.Close()
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		_ = redisClient.Close()
		_ = scylla.Close()
		_ = pg.Close()
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Metrics:  telemetry.NewMetrics(cfg.Telemetry.MetricsNamespace),
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Attempts:    pgrepo.NewCallAttemptRepository(c.Postgres.DB()),
			Tasks:       pgrepo.NewTaskRepository(c.Postgres.DB()),
			Events:      pgrepo.NewTaskEventRepository(c.Postgres.DB()),
			DND:         pgrepo.NewDNDRepository(c.Postgres.DB()),
			Transcripts: scyllarepo.NewTranscriptStore(c.Scylla.Session(), c.Config.Scylla.TranscriptTTL),
		}

		pubs := &publishers{
			Outcomes:   queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.CallCompletedTopic),
			DeadLetter: queue.NewDeadLetterPublisher(c.Kafka, c.Config.Kafka.DeadLetterTopic),
		}

		commandBus := bus.NewRedisBus(c.Redis.Inner(), c.Logger)

		svcs := &services{
			Task: tasksvc.NewService(repos.Tasks, repos.Events, repos.DND, c.Config.Retry.MaxAttempts),
			Call: callsvc.NewService(repos.Attempts, repos.Tasks, repos.Events, repos.Transcripts, commandBus),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
		c.components.bus = commandBus
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes Kafka producers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Bus exposes the per-call command bus.
func (c *Container) Bus() *bus.RedisBus {
	c.initComponents()
	return c.components.bus
}

// RetryScheduler exposes the outcome handler used by the retry worker.
func (c *Container) RetryScheduler() *retry.Scheduler {
	repos := c.Repositories()
	c.runtime.once.Do(func() {
		c.runtime.retryRun = retry.NewScheduler(repos.Attempts, repos.Tasks, retry.PolicyFrom(c.Config.Retry), c.Metrics, c.Logger)
	})
	return c.runtime.retryRun
}

// Calls builds the call-handling components for the voice agent process.
// The PBX client is created but not connected.
func (c *Container) Calls() (*calls, error) {
	c.initComponents()
	c.runtime.mu.Lock()
	defer c.runtime.mu.Unlock()
	if c.runtime.calls != nil || c.runtime.err != nil {
		return c.runtime.calls, c.runtime.err
	}
	repos := c.components.repositories
	cfg := c.Config

	pbxClient := pbx.NewClient(pbx.Config{
		Address:           fmt.Sprintf("%s:%d", cfg.PBX.Host, cfg.PBX.Port),
		Username:          cfg.PBX.Username,
		Secret:            cfg.PBX.Secret,
		ConnectTimeout:    cfg.PBX.ConnectTimeout,
		ActionTimeout:     cfg.PBX.ActionTimeout,
		KeepaliveInterval: cfg.PBX.KeepaliveInterval,
		KeepaliveTimeout:  cfg.PBX.KeepaliveTimeout,
		ReconnectDelay:    cfg.PBX.ReconnectDelay,
		QueueSize:         cfg.PBX.QueueSize,
	}, c.Logger, nil)

	factory := callattempt.NewFactory(callattempt.ConfigFrom(cfg), callattempt.Deps{
		PBX:        pbxClient,
		Attempts:   repos.Attempts,
		Tasks:      repos.Tasks,
		Events:     repos.Events,
		Timeline:   repos.Transcripts,
		Publisher:  c.components.bus,
		Subscriber: c.components.bus,
		Outcomes:   c.components.publishers.Outcomes,
		Metrics:    c.Metrics,
		Logger:     c.Logger,
	})

	admissionDeps := admission.Deps{
		Attempts: repos.Attempts,
		Tasks:    repos.Tasks,
		Spawner:  factory,
		Outcomes: c.components.publishers.Outcomes,
		Metrics:  c.Metrics,
		Logger:   c.Logger,
	}
	if cfg.Admission.DistributedSlots {
		admissionDeps.Slots = admission.NewSlots(c.Redis.Inner(), cfg.Admission.SlotKey, cfg.Admission.SlotTTL)
	}
	controller := admission.New(admission.Config{
		MaxConcurrentCalls: cfg.Admission.MaxConcurrentCalls,
		ReconcileInterval:  cfg.Admission.ReconcileInterval,
		StaleAfter:         cfg.Admission.StaleAfter,
		MaxCallDuration:    cfg.CallAttempt.MaxCallDuration,
	}, admissionDeps)

	schedCfg, err := scheduler.ConfigFrom(cfg.Scheduler)
	if err != nil {
		c.runtime.err = err
		return nil, err
	}
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Tasks:     repos.Tasks,
		DND:       repos.DND,
		Events:    repos.Events,
		Admission: controller,
		Metrics:   c.Metrics,
		Logger:    c.Logger,
	})

	bridge := audiobridge.NewServer(audiobridge.ConfigFrom(cfg.AudioBridge), audiobridge.Deps{
		Attempts:    repos.Attempts,
		Transcripts: repos.Transcripts,
		Subscriber:  c.components.bus,
		Speech:      c.speechFactory(),
		Metrics:     c.Metrics,
		Logger:      c.Logger,
	})

	c.runtime.calls = &calls{
		PBX:         pbxClient,
		Admission:   controller,
		Factory:     factory,
		AudioBridge: bridge,
		Scheduler:   sched,
	}
	return c.runtime.calls, nil
}

func (c *Container) speechFactory() audiobridge.SpeechFactory {
	rtCfg := realtime.ConfigFrom(c.Config.Realtime)
	return func(attempt *domain.CallAttempt, onTranscript realtime.TranscriptSink) audiobridge.Speech {
		return realtime.New(rtCfg, realtime.Options{
			CallAttemptID: attempt.ID,
			Instructions:  attempt.Prompt,
			Publisher:     c.components.bus,
			OnTranscript:  onTranscript,
			Metrics:       c.Metrics,
			Logger:        c.Logger,
		})
	}
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if cs := c.runtime.calls; cs != nil {
		if err := cs.PBX.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pbx close: %w", err))
		}
	}
	if p := c.components.publishers; p != nil {
		if err := p.Outcomes.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
		}
		if err := p.DeadLetter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), c.Config.Kafka.Partitions, c.Config.Kafka.ReplicationFactor)
}
