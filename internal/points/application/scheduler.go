// Package application drives virtual point recomputation: timer
// buckets, onchange cascades and manual recalculation.
package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"telemetry-core/internal/eventing"
	"telemetry-core/internal/observability/metrics"
	"telemetry-core/internal/points/application/events"
	points "telemetry-core/internal/points/domain"
	"telemetry-core/internal/points/eval"
	"telemetry-core/internal/points/graph"
	"telemetry-core/internal/points/store"
)

// RawUpdate is one tuple from the collector's change stream.
type RawUpdate struct {
	PointID   string
	Value     points.Value
	Quality   points.Quality
	Timestamp time.Time
}

// ValueWriter persists computed values for audit/history.
type ValueWriter interface {
	WriteComputed(ctx context.Context, pointID string, value points.Value, quality points.Quality, ts time.Time, duration time.Duration) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Scheduler decides when each virtual point recomputes and applies the
// configured error policy on failure.
type Scheduler struct {
	store     *store.Store
	graph     *graph.Graph
	evaluator *eval.Evaluator
	bus       eventing.EventBus
	writer    ValueWriter
	logger    *log.Logger
	clock     Clock

	// faultThreshold is the consecutive-failure count after which a
	// propagate_error point raises an EngineFault event.
	faultThreshold int

	mu       sync.RWMutex
	defs     map[string]points.VirtualPoint
	rawMeta  map[string]points.Point
	failures map[string]int
	evalMu   map[string]*sync.Mutex

	tickMu  sync.Mutex
	buckets map[time.Duration]*timerBucket

	queue chan string
	wg    sync.WaitGroup
}

type timerBucket struct {
	interval time.Duration
	cancel   context.CancelFunc
	mu       sync.Mutex
	ids      map[string]struct{}
}

// SchedulerOption customizes the scheduler.
type SchedulerOption func(*Scheduler)

// WithValueWriter assigns the audit writer.
func WithValueWriter(w ValueWriter) SchedulerOption {
	return func(s *Scheduler) { s.writer = w }
}

// WithClock assigns a clock.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithFaultThreshold overrides the consecutive-failure alert bound.
func WithFaultThreshold(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.faultThreshold = n
		}
	}
}

// WithQueueDepth bounds the cascade queue.
func WithQueueDepth(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan string, n)
		}
	}
}

// NewScheduler constructs a scheduler.
func NewScheduler(st *store.Store, g *graph.Graph, ev *eval.Evaluator, bus eventing.EventBus, logger *log.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if st == nil || g == nil || ev == nil {
		return nil, errors.New("scheduler: nil store, graph or evaluator")
	}
	if bus == nil {
		return nil, errors.New("scheduler: nil bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		store:          st,
		graph:          g,
		evaluator:      ev,
		bus:            bus,
		logger:         logger,
		clock:          systemClock{},
		faultThreshold: 3,
		defs:           make(map[string]points.VirtualPoint),
		rawMeta:        make(map[string]points.Point),
		failures:       make(map[string]int),
		evalMu:         make(map[string]*sync.Mutex),
		buckets:        make(map[time.Duration]*timerBucket),
		queue:          make(chan string, 1024),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterPoint makes a raw point known to the scheduler and graph.
func (s *Scheduler) RegisterPoint(p points.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.graph.AddPoint(p.ID)
	s.mu.Lock()
	s.rawMeta[p.ID] = p
	s.mu.Unlock()
	return nil
}

// RegisterVirtualPoint validates and registers a derived point. Graph
// errors (UnknownInput, CyclicDependency) reject the registration
// wholesale.
func (s *Scheduler) RegisterVirtualPoint(ctx context.Context, vp points.VirtualPoint) error {
	if err := vp.Validate(); err != nil {
		return err
	}
	if err := s.graph.Register(vp.ID, vp.PointInputs()); err != nil {
		return err
	}
	s.mu.Lock()
	s.defs[vp.ID] = vp
	s.evalMu[vp.ID] = &sync.Mutex{}
	delete(s.failures, vp.ID)
	s.mu.Unlock()
	if vp.StaleThreshold > 0 {
		s.store.SetStaleThreshold(vp.ID, vp.StaleThreshold)
	}
	if vp.Enabled && vp.Trigger == points.TriggerTimer {
		s.addToBucket(ctx, vp.ID, vp.Interval)
	}
	return nil
}

// UnregisterVirtualPoint removes a derived point. Fails with
// DependentsExist while another virtual point still reads it.
func (s *Scheduler) UnregisterVirtualPoint(id string) error {
	if err := s.graph.Unregister(id); err != nil {
		return err
	}
	s.mu.Lock()
	vp, ok := s.defs[id]
	delete(s.defs, id)
	delete(s.failures, id)
	delete(s.evalMu, id)
	s.mu.Unlock()
	if ok && vp.Trigger == points.TriggerTimer {
		s.removeFromBucket(id, vp.Interval)
	}
	return nil
}

// Definition returns a registered virtual point definition.
func (s *Scheduler) Definition(id string) (points.VirtualPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vp, ok := s.defs[id]
	return vp, ok
}

// Known reports whether the id names a registered raw or virtual
// point.
func (s *Scheduler) Known(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.defs[id]; ok {
		return true
	}
	_, ok := s.rawMeta[id]
	return ok
}

// Definitions lists registered virtual point ids, sorted.
func (s *Scheduler) Definitions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run starts the cascade worker pool. It blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case pointID := <-s.queue:
					s.cascade(ctx, pointID)
				}
			}
		}()
	}
	<-ctx.Done()
	s.wg.Wait()
}

// HandleRawUpdate commits one collector tuple and, when it changed
// observable state, drives the onchange cascade.
func (s *Scheduler) HandleRawUpdate(ctx context.Context, update RawUpdate) {
	if update.PointID == "" {
		return
	}
	ts := update.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	// Same-point ordering is monotonic by timestamp; drop regressions.
	if prev := s.store.Get(update.PointID); !prev.Timestamp.IsZero() && ts.Before(prev.Timestamp) {
		return
	}
	seq, changed := s.store.Set(update.PointID, update.Value, update.Quality, ts)
	if !changed {
		return
	}
	s.publishValueChanged(ctx, update.PointID, false, update.Value, update.Quality, ts, seq)
	select {
	case s.queue <- update.PointID:
	default:
		s.logger.Printf("scheduler: cascade queue full, running inline for %s", update.PointID)
		s.cascade(ctx, update.PointID)
	}
}

// Recalculate evaluates a manual-trigger point on operator demand and
// cascades the result. It also serves timer ticks and is safe for any
// registered virtual point.
func (s *Scheduler) Recalculate(ctx context.Context, id string) error {
	s.mu.RLock()
	vp, ok := s.defs[id]
	s.mu.RUnlock()
	if !ok {
		return points.ErrUnknownPoint
	}
	changed := s.evaluate(ctx, vp)
	if changed {
		s.cascade(ctx, id)
	}
	return nil
}

// cascade recomputes the onchange points affected by a change, in
// dependency order, so downstream points always read freshly computed
// upstream values within the same pass.
func (s *Scheduler) cascade(ctx context.Context, changedPointID string) {
	start := time.Now()
	order := s.graph.TopologicalOrder(changedPointID)
	for _, id := range order {
		s.mu.RLock()
		vp, ok := s.defs[id]
		s.mu.RUnlock()
		if !ok || !vp.Enabled || vp.Trigger != points.TriggerOnChange {
			continue
		}
		s.evaluate(ctx, vp)
	}
	if len(order) > 0 {
		metrics.ObserveCascade(len(order), time.Since(start))
	}
}

// evaluate runs one virtual point evaluation end to end: snapshot,
// formula run with retries, policy application, store commit, audit
// write and event publish. Returns whether observable state changed.
func (s *Scheduler) evaluate(ctx context.Context, vp points.VirtualPoint) bool {
	mu := s.lockFor(vp.ID)
	if mu == nil {
		return false
	}
	mu.Lock()
	defer mu.Unlock()

	inputs := make(map[string]points.Value, len(vp.Inputs))
	for _, binding := range vp.Inputs {
		switch binding.Kind {
		case points.SourceConstant:
			inputs[binding.Variable] = binding.Constant
		case points.SourcePoint:
			inputs[binding.Variable] = s.store.Get(binding.PointID).Value
		}
	}

	var result eval.Result
	attempts := vp.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result = s.evaluator.Evaluate(ctx, vp.Formula, inputs, vp.DataType, vp.Timeout)
		if result.Failure == nil {
			break
		}
	}

	now := s.clock.Now()
	errMsg := ""
	if result.Failure != nil {
		errMsg = result.Failure.Error()
	} else if result.Coerced {
		errMsg = "TypeCoercion: result truncated to " + string(vp.DataType)
	}
	s.store.RecordEvaluation(vp.ID, result.Duration, errMsg)
	metrics.ObserveEvaluation(result.Failure == nil, result.Duration)

	if result.Failure != nil {
		s.logger.Printf("scheduler: point %s evaluation failed: %v", vp.ID, result.Failure)
		return s.applyFailure(ctx, vp, now)
	}

	s.resetFailures(vp.ID)
	seq, changed := s.store.Set(vp.ID, result.Value, points.QualityGood, now)
	if s.writer != nil {
		if err := s.writer.WriteComputed(ctx, vp.ID, result.Value, points.QualityGood, now, result.Duration); err != nil {
			s.logger.Printf("scheduler: audit write for %s failed: %v", vp.ID, err)
		}
	}
	if changed {
		s.publishValueChanged(ctx, vp.ID, true, result.Value, points.QualityGood, now, seq)
	}
	return changed
}

// applyFailure stores the policy-determined outcome of a failed run.
// Formula errors never propagate to the scheduler loop.
func (s *Scheduler) applyFailure(ctx context.Context, vp points.VirtualPoint, now time.Time) bool {
	var seq uint64
	var changed bool
	switch vp.ErrorPolicy {
	case points.PolicyReturnZero:
		seq, changed = s.store.Set(vp.ID, points.ZeroOf(vp.DataType), points.QualityUncertain, now)
	case points.PolicyReturnPrevious:
		seq, changed = s.store.SetQuality(vp.ID, points.QualityStale)
	case points.PolicyPropagateError:
		seq, changed = s.store.Set(vp.ID, points.Null(), points.QualityCalculationError, now)
		s.raiseFaultIfDue(ctx, vp, now)
	default: // return_null
		seq, changed = s.store.Set(vp.ID, points.Null(), points.QualityCalculationError, now)
	}
	if changed {
		cv := s.store.Get(vp.ID)
		s.publishValueChanged(ctx, vp.ID, true, cv.Value, cv.Quality, now, seq)
	}
	return changed
}

func (s *Scheduler) raiseFaultIfDue(ctx context.Context, vp points.VirtualPoint, now time.Time) {
	s.mu.Lock()
	s.failures[vp.ID]++
	count := s.failures[vp.ID]
	s.mu.Unlock()
	if count < s.faultThreshold {
		return
	}
	cv := s.store.Get(vp.ID)
	fault := events.EngineFault{
		PointID:     vp.ID,
		TenantID:    vp.TenantID,
		DeviceID:    vp.DeviceID,
		Consecutive: count,
		LastError:   cv.LastError,
		OccurredAt:  now,
	}
	if err := s.bus.Publish(ctx, fault); err != nil {
		s.logger.Printf("scheduler: engine fault publish for %s failed: %v", vp.ID, err)
	}
}

func (s *Scheduler) resetFailures(id string) {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
}

func (s *Scheduler) lockFor(id string) *sync.Mutex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evalMu[id]
}

// publishValueChanged emits one committed change. The seq is the one
// the store assigned to that exact commit; reading the global cursor
// here instead would stamp concurrent writers with the same position.
func (s *Scheduler) publishValueChanged(ctx context.Context, pointID string, virtual bool, value points.Value, quality points.Quality, ts time.Time, seq uint64) {
	tenantID, siteID, deviceID := s.scopeOf(pointID)
	evt := events.ValueChanged{
		PointID:   pointID,
		TenantID:  tenantID,
		SiteID:    siteID,
		DeviceID:  deviceID,
		Virtual:   virtual,
		Value:     value,
		Quality:   quality,
		Timestamp: ts,
		Seq:       seq,
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Printf("scheduler: value change publish for %s failed: %v", pointID, err)
	}
}

func (s *Scheduler) scopeOf(pointID string) (tenantID, siteID, deviceID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if vp, ok := s.defs[pointID]; ok {
		return vp.TenantID, vp.SiteID, vp.DeviceID
	}
	if p, ok := s.rawMeta[pointID]; ok {
		return p.TenantID, p.SiteID, p.DeviceID
	}
	return "", "", ""
}

// ---- timer buckets ----

// addToBucket places a timer point in the worker for its interval,
// starting the worker on first use. One goroutine drives each distinct
// interval.
func (s *Scheduler) addToBucket(ctx context.Context, id string, interval time.Duration) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	bucket, ok := s.buckets[interval]
	if !ok {
		bucketCtx, cancel := context.WithCancel(ctx)
		bucket = &timerBucket{interval: interval, cancel: cancel, ids: make(map[string]struct{})}
		s.buckets[interval] = bucket
		s.wg.Add(1)
		go s.runBucket(bucketCtx, bucket)
	}
	bucket.mu.Lock()
	bucket.ids[id] = struct{}{}
	bucket.mu.Unlock()
}

func (s *Scheduler) removeFromBucket(id string, interval time.Duration) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	bucket, ok := s.buckets[interval]
	if !ok {
		return
	}
	bucket.mu.Lock()
	delete(bucket.ids, id)
	empty := len(bucket.ids) == 0
	bucket.mu.Unlock()
	if empty {
		bucket.cancel()
		delete(s.buckets, interval)
	}
}

func (s *Scheduler) runBucket(ctx context.Context, bucket *timerBucket) {
	defer s.wg.Done()
	ticker := time.NewTicker(bucket.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bucket.mu.Lock()
			ids := make([]string, 0, len(bucket.ids))
			for id := range bucket.ids {
				ids = append(ids, id)
			}
			bucket.mu.Unlock()
			sort.Strings(ids)
			for _, id := range ids {
				if err := s.Recalculate(ctx, id); err != nil {
					s.logger.Printf("scheduler: timer recalculate %s: %v", id, err)
				}
			}
		}
	}
}
