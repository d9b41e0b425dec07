// Package application evaluates alarm rules against value changes and
// advances per-occurrence state machines.
package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	alarms "telemetry-core/internal/alarms/domain"
	"telemetry-core/internal/eventing"
	"telemetry-core/internal/points/application/events"
	points "telemetry-core/internal/points/domain"
	"telemetry-core/internal/points/eval"
)

// Event types published on the engine bus.
const (
	EventTriggered    = "triggered"
	EventAcknowledged = "acknowledged"
	EventCleared      = "cleared"
	EventEscalated    = "escalated"
)

// AlarmEvent is one lifecycle transition.
type AlarmEvent struct {
	Type       string            `json:"type"`
	Occurrence alarms.Occurrence `json:"occurrence"`
}

// OccurrenceStore persists the full occurrence record on every state
// transition.
type OccurrenceStore interface {
	Save(ctx context.Context, occ alarms.Occurrence) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ruleState is the engine-owned live state of one rule.
type ruleState struct {
	mu   sync.Mutex
	rule alarms.Rule
	open *alarms.Occurrence
	// prevBool tracks the previous boolean value for edge detection.
	prevBool  bool
	prevKnown bool
	// condActive mirrors the last evaluated condition so operator
	// clears can record whether they were forced.
	condActive bool
	// lastValue is the most recent evaluated point value, stamped as
	// the cleared value on operator clears.
	lastValue      float64
	lastValueKnown bool
	// rearm blocks re-triggering a latched rule until its condition
	// has gone false after a clear.
	rearm bool
	// escalationStop cancels the running escalation timer.
	escalationStop context.CancelFunc
	lastEvaluated  time.Time
}

// Engine subscribes to value changes, evaluates each active rule's
// condition and manages occurrence lifecycles.
type Engine struct {
	store     OccurrenceStore
	evaluator *eval.Evaluator
	bus       eventing.EventBus
	clock     Clock
	logger    *log.Logger

	scriptTimeout time.Duration

	mu           sync.RWMutex
	rules        map[string]*ruleState
	rulesByPoint map[string][]string
	occIndex     map[string]string // occurrence id -> rule id
}

// Option customizes the engine.
type Option func(*Engine)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithScriptTimeout bounds scripted rule evaluation.
func WithScriptTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.scriptTimeout = d
		}
	}
}

// NewEngine constructs an alarm engine.
func NewEngine(store OccurrenceStore, evaluator *eval.Evaluator, bus eventing.EventBus, logger *log.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("alarm engine: nil occurrence store")
	}
	if evaluator == nil {
		return nil, errors.New("alarm engine: nil evaluator")
	}
	if bus == nil {
		return nil, errors.New("alarm engine: nil bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		store:         store,
		evaluator:     evaluator,
		bus:           bus,
		clock:         systemClock{},
		logger:        logger,
		scriptTimeout: 2 * time.Second,
		rules:         make(map[string]*ruleState),
		rulesByPoint:  make(map[string][]string),
		occIndex:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterRule adds or replaces a rule. An existing open occurrence
// survives a definition update.
func (e *Engine) RegisterRule(rule alarms.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	existing, ok := e.rules[rule.ID]
	if !ok {
		e.rules[rule.ID] = &ruleState{rule: rule}
		e.rulesByPoint[rule.PointID] = append(e.rulesByPoint[rule.PointID], rule.ID)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// Rule locks are never taken under the engine lock; evaluation
	// paths acquire them the other way around.
	existing.mu.Lock()
	old := existing.rule.PointID
	existing.rule = rule
	existing.mu.Unlock()

	if old != rule.PointID {
		e.mu.Lock()
		e.unbindLocked(rule.ID, old)
		e.rulesByPoint[rule.PointID] = append(e.rulesByPoint[rule.PointID], rule.ID)
		e.mu.Unlock()
	}
	return nil
}

// UnregisterRule removes a rule and stops its escalation timer. The
// open occurrence, if any, stays persisted but is no longer managed.
func (e *Engine) UnregisterRule(ruleID string) {
	e.mu.RLock()
	state, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	e.stopEscalation(state)
	var openID string
	if state.open != nil {
		openID = state.open.ID
	}
	pointID := state.rule.PointID
	state.mu.Unlock()

	e.mu.Lock()
	if openID != "" {
		delete(e.occIndex, openID)
	}
	delete(e.rules, ruleID)
	e.unbindLocked(ruleID, pointID)
	e.mu.Unlock()
}

func (e *Engine) unbindLocked(ruleID, pointID string) {
	bound := e.rulesByPoint[pointID]
	out := bound[:0]
	for _, id := range bound {
		if id != ruleID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(e.rulesByPoint, pointID)
	} else {
		e.rulesByPoint[pointID] = out
	}
}

// RecoverOpen seeds open occurrences reloaded from the store at boot,
// so the at-most-one-open invariant holds across restarts.
func (e *Engine) RecoverOpen(occs []alarms.Occurrence) {
	for _, occ := range occs {
		if !occ.Open() {
			continue
		}
		e.mu.RLock()
		state, ok := e.rules[occ.RuleID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		copied := occ
		state.mu.Lock()
		state.open = &copied
		state.mu.Unlock()
		e.mu.Lock()
		e.occIndex[occ.ID] = occ.RuleID
		e.mu.Unlock()
	}
}

// LastEvaluated returns the rule's last evaluation time for the
// diagnostic surface.
func (e *Engine) LastEvaluated(ruleID string) (time.Time, bool) {
	e.mu.RLock()
	state, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.lastEvaluated, true
}

// RuleDiagnostic is one rule's evaluation health for the status
// surface.
type RuleDiagnostic struct {
	RuleID           string    `json:"rule_id"`
	PointID          string    `json:"point_id"`
	Enabled          bool      `json:"enabled"`
	LastEvaluated    time.Time `json:"last_evaluated"`
	ConditionActive  bool      `json:"condition_active"`
	OpenOccurrenceID string    `json:"open_occurrence_id,omitempty"`
}

// Diagnostics reports every registered rule's last evaluation time and
// live condition, ordered by rule id.
func (e *Engine) Diagnostics() []RuleDiagnostic {
	e.mu.RLock()
	states := make([]*ruleState, 0, len(e.rules))
	for _, state := range e.rules {
		states = append(states, state)
	}
	e.mu.RUnlock()

	out := make([]RuleDiagnostic, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		d := RuleDiagnostic{
			RuleID:          state.rule.ID,
			PointID:         state.rule.PointID,
			Enabled:         state.rule.Enabled,
			LastEvaluated:   state.lastEvaluated,
			ConditionActive: state.condActive,
		}
		if state.open != nil {
			d.OpenOccurrenceID = state.open.ID
		}
		state.mu.Unlock()
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// HandleValueChanged re-evaluates every rule bound to the changed
// point. Evaluation of a single rule is serialized relative to itself;
// independent rules evaluate in parallel on the caller's goroutines.
func (e *Engine) HandleValueChanged(ctx context.Context, evt events.ValueChanged) error {
	e.mu.RLock()
	bound := append([]string(nil), e.rulesByPoint[evt.PointID]...)
	e.mu.RUnlock()
	for _, ruleID := range bound {
		e.mu.RLock()
		state, ok := e.rules[ruleID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		e.evaluateRule(ctx, state, evt)
	}
	return nil
}

// HandleEngineFault treats persistent computation failure as a digital
// trigger on a synthetic per-point fault rule.
func (e *Engine) HandleEngineFault(ctx context.Context, evt events.EngineFault) error {
	ruleID := "fault:" + evt.PointID
	e.mu.Lock()
	state, ok := e.rules[ruleID]
	if !ok {
		state = &ruleState{rule: alarms.Rule{
			ID:        ruleID,
			TenantID:  evt.TenantID,
			Name:      "computation fault " + evt.PointID,
			PointID:   evt.PointID,
			DeviceID:  evt.DeviceID,
			Kind:      alarms.KindDigitalEdge,
			Edge:      alarms.EdgeOnTrue,
			Severity:  alarms.SeverityHigh,
			AutoClear: true,
			Enabled:   true,
		}}
		e.rules[ruleID] = state
	}
	e.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.open != nil {
		state.open.TriggerValue = float64(evt.Consecutive)
		state.open.UpdatedAt = e.clock.Now()
		e.persist(ctx, *state.open)
		return nil
	}
	e.openOccurrence(ctx, state, alarms.ConditionFault, float64(evt.Consecutive), state.rule.Severity)
	return nil
}

// evaluateRule runs one rule against one value change under the rule's
// own lock.
func (e *Engine) evaluateRule(ctx context.Context, state *ruleState, evt events.ValueChanged) {
	state.mu.Lock()
	defer state.mu.Unlock()

	rule := state.rule
	now := e.clock.Now()
	state.lastEvaluated = now
	if !rule.Enabled {
		return
	}
	// Threshold checks ignore inputs that are not good quality unless
	// the rule opted into uncertain data.
	if evt.Quality != points.QualityGood && !rule.EvaluateUncertain {
		return
	}
	if rule.SuppressedAt(now) {
		return
	}

	switch rule.Kind {
	case alarms.KindAnalogThreshold:
		e.evaluateAnalog(ctx, state, evt)
	case alarms.KindDigitalEdge:
		e.evaluateDigital(ctx, state, evt)
	case alarms.KindScripted:
		e.evaluateScripted(ctx, state, evt)
	}
}

// analogBreach returns the most extreme breached threshold label, or
// "" when the value sits in the normal band.
func analogBreach(t alarms.Thresholds, v float64) string {
	switch {
	case t.HighHigh != nil && v > *t.HighHigh:
		return alarms.ConditionHighHigh
	case t.High != nil && v > *t.High:
		return alarms.ConditionHigh
	case t.LowLow != nil && v < *t.LowLow:
		return alarms.ConditionLowLow
	case t.Low != nil && v < *t.Low:
		return alarms.ConditionLow
	default:
		return ""
	}
}

// analogCleared reports whether the value has re-entered the normal
// band past the deadband margin for the condition that triggered.
func analogCleared(t alarms.Thresholds, condition string, v float64) bool {
	d := t.Deadband
	if d < 0 {
		d = 0
	}
	switch condition {
	case alarms.ConditionHighHigh:
		return t.HighHigh != nil && v <= *t.HighHigh-d
	case alarms.ConditionHigh:
		return t.High != nil && v <= *t.High-d
	case alarms.ConditionLowLow:
		return t.LowLow != nil && v >= *t.LowLow+d
	case alarms.ConditionLow:
		return t.Low != nil && v >= *t.Low+d
	default:
		return false
	}
}

// severityFor raises the rule severity to critical for the extreme
// thresholds; the configured severity applies otherwise.
func severityFor(rule alarms.Rule, condition string) alarms.Severity {
	switch condition {
	case alarms.ConditionHighHigh, alarms.ConditionLowLow:
		if alarms.SeverityCritical.Rank() > rule.Severity.Rank() {
			return alarms.SeverityCritical
		}
	}
	return rule.Severity
}

func conditionRank(condition string) int {
	switch condition {
	case alarms.ConditionHighHigh, alarms.ConditionLowLow:
		return 2
	case alarms.ConditionHigh, alarms.ConditionLow:
		return 1
	default:
		return 0
	}
}

func (e *Engine) evaluateAnalog(ctx context.Context, state *ruleState, evt events.ValueChanged) {
	v, ok := evt.Value.AsFloat()
	if !ok {
		return
	}
	rule := state.rule
	condition := analogBreach(rule.Thresholds, v)
	state.condActive = condition != ""
	state.lastValue = v
	state.lastValueKnown = true

	if state.open != nil {
		if condition != "" {
			// Still breached: update the open occurrence rather than
			// creating a duplicate. The most extreme condition wins.
			occ := state.open
			occ.TriggerValue = v
			if conditionRank(condition) > conditionRank(occ.Condition) {
				occ.Condition = condition
				occ.Severity = severityFor(rule, condition)
			}
			occ.UpdatedAt = e.clock.Now()
			e.persist(ctx, *occ)
			return
		}
		if rule.AutoClear && analogCleared(rule.Thresholds, state.open.Condition, v) {
			e.clearOccurrence(ctx, state, alarms.SystemActor, "auto clear", v, false)
		}
		return
	}

	if condition == "" {
		state.rearm = false
		return
	}
	if state.rearm {
		return
	}
	e.openOccurrence(ctx, state, condition, v, severityFor(rule, condition))
}

func (e *Engine) evaluateDigital(ctx context.Context, state *ruleState, evt events.ValueChanged) {
	cur, ok := evt.Value.AsBool()
	if !ok {
		return
	}
	rule := state.rule
	prev, prevKnown := state.prevBool, state.prevKnown
	state.prevBool = cur
	state.prevKnown = true

	conditionActive := cur
	if rule.Edge == alarms.EdgeFalling || rule.Edge == alarms.EdgeOnFalse {
		conditionActive = !cur
	}
	state.condActive = conditionActive
	state.lastValue = 0
	if cur {
		state.lastValue = 1
	}
	state.lastValueKnown = true

	if state.open != nil {
		if rule.AutoClear && !conditionActive {
			value := 0.0
			if cur {
				value = 1
			}
			e.clearOccurrence(ctx, state, alarms.SystemActor, "auto clear", value, false)
		}
		return
	}

	if !conditionActive {
		state.rearm = false
		return
	}
	if state.rearm {
		return
	}

	var fire bool
	switch rule.Edge {
	case alarms.EdgeRising:
		fire = prevKnown && !prev && cur
	case alarms.EdgeFalling:
		fire = prevKnown && prev && !cur
	case alarms.EdgeOnTrue:
		// Level-holding conditions do not re-fire while already true;
		// the open-occurrence check above covers that.
		fire = cur
	case alarms.EdgeOnFalse:
		fire = !cur
	}
	if !fire {
		return
	}
	value := 0.0
	if cur {
		value = 1
	}
	e.openOccurrence(ctx, state, string(rule.Edge), value, rule.Severity)
}

func (e *Engine) evaluateScripted(ctx context.Context, state *ruleState, evt events.ValueChanged) {
	rule := state.rule
	inputs := map[string]points.Value{
		"value":   evt.Value,
		"quality": points.String(string(evt.Quality)),
	}
	result := e.evaluator.Evaluate(ctx, rule.Script, inputs, points.TypeBool, e.scriptTimeout)
	if result.Failure != nil {
		e.logger.Printf("alarm engine: rule %s script failed: %v", rule.ID, result.Failure)
		return
	}
	triggered, ok := result.Value.AsBool()
	if !ok {
		return
	}
	v, _ := evt.Value.AsFloat()
	state.condActive = triggered
	state.lastValue = v
	state.lastValueKnown = true

	if state.open != nil {
		if triggered {
			state.open.TriggerValue = v
			state.open.UpdatedAt = e.clock.Now()
			e.persist(ctx, *state.open)
		} else if rule.AutoClear {
			e.clearOccurrence(ctx, state, alarms.SystemActor, "auto clear", v, false)
		}
		return
	}
	if !triggered {
		state.rearm = false
		return
	}
	if state.rearm {
		return
	}
	e.openOccurrence(ctx, state, alarms.ConditionScript, v, rule.Severity)
}
