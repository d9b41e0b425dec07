// Package registry hydrates runtime definitions from storage and keeps
// them current as definitions change.
package registry

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	alarms "telemetry-core/internal/alarms/domain"
	points "telemetry-core/internal/points/domain"
)

// Definition kinds accepted by HandleDefinitionChanged.
const (
	KindPoint        = "point"
	KindVirtualPoint = "virtual_point"
	KindAlarmRule    = "alarm_rule"
)

const defaultRetryInterval = 30 * time.Second

// PointSource lists and resolves point definitions.
type PointSource interface {
	ListPoints(ctx context.Context) ([]points.Point, error)
	ListVirtualPoints(ctx context.Context) ([]points.VirtualPoint, error)
	GetPoint(ctx context.Context, id string) (*points.Point, error)
	GetVirtualPoint(ctx context.Context, id string) (*points.VirtualPoint, error)
}

// RuleSource lists and resolves alarm rule definitions.
type RuleSource interface {
	ListRules(ctx context.Context) ([]alarms.Rule, error)
	GetRule(ctx context.Context, id string) (*alarms.Rule, error)
	ListOpenOccurrences(ctx context.Context) ([]alarms.Occurrence, error)
}

// Scheduler is the slice of the computation scheduler the loader
// drives.
type Scheduler interface {
	RegisterPoint(p points.Point) error
	RegisterVirtualPoint(ctx context.Context, vp points.VirtualPoint) error
	UnregisterVirtualPoint(id string) error
}

// AlarmEngine is the slice of the alarm engine the loader drives.
type AlarmEngine interface {
	RegisterRule(rule alarms.Rule) error
	UnregisterRule(ruleID string)
	RecoverOpen(occs []alarms.Occurrence)
}

// Loader loads definitions at boot and applies incremental changes. A
// virtual point whose inputs are not yet registered is parked and
// retried, so load order across definition kinds never matters.
type Loader struct {
	pointSrc  PointSource
	ruleSrc   RuleSource
	scheduler Scheduler
	engine    AlarmEngine
	logger    *log.Logger

	retryInterval time.Duration

	mu      sync.Mutex
	pending map[string]points.VirtualPoint
}

// Option customizes the loader.
type Option func(*Loader)

// WithRetryInterval changes the pending-definition retry cadence.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// NewLoader constructs a loader.
func NewLoader(pointSrc PointSource, ruleSrc RuleSource, scheduler Scheduler, engine AlarmEngine, logger *log.Logger, opts ...Option) (*Loader, error) {
	if pointSrc == nil || ruleSrc == nil {
		return nil, errors.New("registry: nil definition source")
	}
	if scheduler == nil || engine == nil {
		return nil, errors.New("registry: nil scheduler or alarm engine")
	}
	if logger == nil {
		logger = log.Default()
	}
	l := &Loader{
		pointSrc:      pointSrc,
		ruleSrc:       ruleSrc,
		scheduler:     scheduler,
		engine:        engine,
		logger:        logger,
		retryInterval: defaultRetryInterval,
		pending:       make(map[string]points.VirtualPoint),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load performs the startup hydration: raw points, virtual points in
// dependency-tolerant passes, alarm rules and finally open occurrence
// recovery.
func (l *Loader) Load(ctx context.Context) error {
	raw, err := l.pointSrc.ListPoints(ctx)
	if err != nil {
		return err
	}
	for _, p := range raw {
		if !p.Enabled {
			continue
		}
		if err := l.scheduler.RegisterPoint(p); err != nil {
			l.logger.Printf("registry: skip point %s: %v", p.ID, err)
		}
	}

	virtual, err := l.pointSrc.ListVirtualPoints(ctx)
	if err != nil {
		return err
	}
	l.registerVirtualSet(ctx, virtual)

	rules, err := l.ruleSrc.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := l.engine.RegisterRule(rule); err != nil {
			l.logger.Printf("registry: skip alarm rule %s: %v", rule.ID, err)
		}
	}

	open, err := l.ruleSrc.ListOpenOccurrences(ctx)
	if err != nil {
		return err
	}
	l.engine.RecoverOpen(open)
	l.logger.Printf("registry: loaded %d points, %d virtual points, %d rules, %d open occurrences",
		len(raw), len(virtual), len(rules), len(open))
	return nil
}

// registerVirtualSet registers in passes: a point rejected for an
// unknown input may depend on a later point in the same batch, so
// passes repeat while any registration succeeds. Leftovers are parked
// as pending.
func (l *Loader) registerVirtualSet(ctx context.Context, defs []points.VirtualPoint) {
	remaining := make([]points.VirtualPoint, 0, len(defs))
	for _, vp := range defs {
		if vp.Enabled {
			remaining = append(remaining, vp)
		}
	}
	lastErr := make(map[string]error)
	for len(remaining) > 0 {
		var deferred []points.VirtualPoint
		progress := false
		for _, vp := range remaining {
			err := l.scheduler.RegisterVirtualPoint(ctx, vp)
			switch {
			case err == nil:
				progress = true
			case isUnknownInput(err):
				deferred = append(deferred, vp)
				lastErr[vp.ID] = err
			default:
				l.logger.Printf("registry: reject virtual point %s: %v", vp.ID, err)
			}
		}
		remaining = deferred
		if !progress {
			break
		}
	}
	for _, vp := range remaining {
		l.park(vp, lastErr[vp.ID])
	}
}

// HandleDefinitionChanged applies one (kind, id) change notification.
// A definition that no longer exists or is disabled unregisters; an
// updated one re-registers in place.
func (l *Loader) HandleDefinitionChanged(ctx context.Context, kind, id string) error {
	switch kind {
	case KindPoint:
		p, err := l.pointSrc.GetPoint(ctx, id)
		if err != nil {
			return err
		}
		if p == nil || !p.Enabled {
			return nil
		}
		if err := l.scheduler.RegisterPoint(*p); err != nil {
			return err
		}
		// A new raw point may unblock parked virtual points.
		l.retryPending(ctx)
		return nil

	case KindVirtualPoint:
		vp, err := l.pointSrc.GetVirtualPoint(ctx, id)
		if err != nil {
			return err
		}
		if vp == nil || !vp.Enabled {
			l.unpark(id)
			if err := l.scheduler.UnregisterVirtualPoint(id); err != nil && !errors.Is(err, points.ErrUnknownPoint) {
				return err
			}
			return nil
		}
		err = l.scheduler.RegisterVirtualPoint(ctx, *vp)
		if isUnknownInput(err) {
			l.park(*vp, err)
			l.retryPending(ctx)
			return nil
		}
		if err == nil {
			l.retryPending(ctx)
		}
		return err

	case KindAlarmRule:
		rule, err := l.ruleSrc.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if rule == nil || !rule.Enabled {
			l.engine.UnregisterRule(id)
			return nil
		}
		return l.engine.RegisterRule(*rule)

	default:
		return errors.New("registry: unknown definition kind " + kind)
	}
}

// Run retries pending virtual points until the context ends.
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.retryPending(ctx)
		}
	}
}

// Pending lists ids of virtual points waiting on missing inputs.
func (l *Loader) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Loader) retryPending(ctx context.Context) {
	l.mu.Lock()
	batch := make([]points.VirtualPoint, 0, len(l.pending))
	for _, vp := range l.pending {
		batch = append(batch, vp)
	}
	l.pending = make(map[string]points.VirtualPoint)
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	l.registerVirtualSet(ctx, batch)
}

func (l *Loader) park(vp points.VirtualPoint, cause error) {
	l.logger.Printf("registry: virtual point %s parked: %v", vp.ID, cause)
	l.mu.Lock()
	l.pending[vp.ID] = vp
	l.mu.Unlock()
}

func (l *Loader) unpark(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func isUnknownInput(err error) bool {
	var unknown *points.UnknownInputError
	return errors.As(err, &unknown)
}
