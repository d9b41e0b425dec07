// Package engine assembles the runtime: value store, dependency graph,
// formula evaluator, computation scheduler, alarm engine, definition
// loader and live event fan-out. Everything is constructed explicitly;
// the package owns the bus subscriptions that tie the parts together.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	alarmapp "telemetry-core/internal/alarms/application"
	"telemetry-core/internal/config"
	"telemetry-core/internal/eventing"
	"telemetry-core/internal/fanout"
	"telemetry-core/internal/points/application"
	"telemetry-core/internal/points/application/events"
	"telemetry-core/internal/points/eval"
	"telemetry-core/internal/points/graph"
	"telemetry-core/internal/points/store"
	"telemetry-core/internal/registry"
)

// Clock provides time to both the scheduler and the alarm engine.
type Clock interface {
	Now() time.Time
}

// Deps are the externally owned collaborators.
type Deps struct {
	Points      registry.PointSource
	Rules       registry.RuleSource
	Occurrences alarmapp.OccurrenceStore

	// Writer is the optional computed-value audit sink.
	Writer application.ValueWriter
	// Redis enables cross-process fan-out; nil keeps delivery local.
	Redis  *redis.Client
	Clock  Clock
	Logger *log.Logger
}

// Engine is the assembled runtime.
type Engine struct {
	Store     *store.Store
	Graph     *graph.Graph
	Evaluator *eval.Evaluator
	Scheduler *application.Scheduler
	Alarms    *alarmapp.Engine
	Bus       eventing.EventBus
	Hub       *fanout.Hub
	Broker    *fanout.Broker
	Fanout    *fanout.Service
	Loader    *registry.Loader

	cfg    config.EngineConfig
	logger *log.Logger
}

// New wires an engine from its configuration and dependencies.
func New(cfg config.EngineConfig, deps Deps) (*Engine, error) {
	if deps.Points == nil || deps.Rules == nil {
		return nil, errors.New("engine: nil definition sources")
	}
	if deps.Occurrences == nil {
		return nil, errors.New("engine: nil occurrence store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	storeOpts := []store.Option{store.WithShards(cfg.StoreShards)}
	if deps.Clock != nil {
		storeOpts = append(storeOpts, store.WithClock(deps.Clock))
	}
	st := store.New(storeOpts...)
	g := graph.New()
	ev := eval.New()
	bus := eventing.NewInMemoryBus()

	schedOpts := []application.SchedulerOption{
		application.WithFaultThreshold(cfg.FaultThreshold),
		application.WithQueueDepth(cfg.QueueDepth),
	}
	if deps.Writer != nil {
		schedOpts = append(schedOpts, application.WithValueWriter(deps.Writer))
	}
	if deps.Clock != nil {
		schedOpts = append(schedOpts, application.WithClock(deps.Clock))
	}
	scheduler, err := application.NewScheduler(st, g, ev, bus, logger, schedOpts...)
	if err != nil {
		return nil, err
	}

	alarmOpts := []alarmapp.Option{alarmapp.WithScriptTimeout(cfg.ScriptTimeout)}
	if deps.Clock != nil {
		alarmOpts = append(alarmOpts, alarmapp.WithClock(deps.Clock))
	}
	alarmEngine, err := alarmapp.NewEngine(deps.Occurrences, ev, bus, logger, alarmOpts...)
	if err != nil {
		return nil, err
	}

	// Alarm rules see every committed value change; persistent
	// computation failures surface as synthetic fault alarms.
	bus.Subscribe(eventing.EventTypeOf[events.ValueChanged](), func(ctx context.Context, event any) error {
		return alarmEngine.HandleValueChanged(ctx, event.(events.ValueChanged))
	})
	bus.Subscribe(eventing.EventTypeOf[events.EngineFault](), func(ctx context.Context, event any) error {
		return alarmEngine.HandleEngineFault(ctx, event.(events.EngineFault))
	})

	hub := fanout.NewHub(logger)
	broker := fanout.NewBroker(deps.Redis, logger, fanout.WithRetryCapacity(cfg.BrokerRetryCap))
	fanoutSvc, err := fanout.NewService(bus, hub, broker, logger,
		fanout.WithMirror(fanout.NewMirror(deps.Redis, 0)))
	if err != nil {
		return nil, err
	}

	loader, err := registry.NewLoader(deps.Points, deps.Rules, scheduler, alarmEngine, logger,
		registry.WithRetryInterval(cfg.PendingRetry))
	if err != nil {
		return nil, err
	}

	return &Engine{
		Store:     st,
		Graph:     g,
		Evaluator: ev,
		Scheduler: scheduler,
		Alarms:    alarmEngine,
		Bus:       bus,
		Hub:       hub,
		Broker:    broker,
		Fanout:    fanoutSvc,
		Loader:    loader,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Ingest commits one raw collector tuple.
func (e *Engine) Ingest(ctx context.Context, upd application.RawUpdate) {
	e.Scheduler.HandleRawUpdate(ctx, upd)
}

// Run hydrates definitions and drives the engine until ctx is done:
// cascade workers, pending-definition retries and broker redelivery.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Loader.Load(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.Scheduler.Run(ctx, e.cfg.Workers)
	}()
	go func() {
		defer wg.Done()
		e.Loader.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.Broker.Run(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
	e.Alarms.Close()
	return nil
}
