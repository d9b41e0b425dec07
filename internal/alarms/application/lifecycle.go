package application

import (
	"context"
	"time"

	"github.com/google/uuid"

	alarms "telemetry-core/internal/alarms/domain"
	"telemetry-core/internal/observability/metrics"
)

// openOccurrence creates a new active occurrence. Caller holds the
// rule lock.
func (e *Engine) openOccurrence(ctx context.Context, state *ruleState, condition string, value float64, severity alarms.Severity) {
	rule := state.rule
	now := e.clock.Now()
	occ := &alarms.Occurrence{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		TenantID:     rule.TenantID,
		PointID:      rule.PointID,
		DeviceID:     rule.DeviceID,
		State:        alarms.StateActive,
		Severity:     severity,
		Condition:    condition,
		TriggerValue: value,
		TriggeredAt:  now,
		UpdatedAt:    now,
	}
	state.open = occ

	e.mu.Lock()
	e.occIndex[occ.ID] = rule.ID
	e.mu.Unlock()

	e.persist(ctx, *occ)
	e.notify(ctx, EventTriggered, *occ)

	if rule.Escalation.MaxLevel > 0 {
		e.startEscalation(state)
	}
	if rule.AutoAcknowledge {
		if err := occ.Acknowledge(alarms.SystemActor, "auto acknowledge", now); err == nil {
			e.stopEscalation(state)
			e.persist(ctx, *occ)
			e.notify(ctx, EventAcknowledged, *occ)
		}
	}
}

// clearOccurrence closes the open occurrence. Caller holds the rule
// lock.
func (e *Engine) clearOccurrence(ctx context.Context, state *ruleState, actor, comment string, value float64, forced bool) {
	occ := state.open
	if occ == nil {
		return
	}
	if err := occ.Clear(actor, comment, value, e.clock.Now(), forced); err != nil {
		return
	}
	e.stopEscalation(state)
	state.open = nil
	state.rearm = state.rule.Latched && state.condActive

	e.mu.Lock()
	delete(e.occIndex, occ.ID)
	e.mu.Unlock()

	e.persist(ctx, *occ)
	e.notify(ctx, EventCleared, *occ)
}

// Acknowledge moves an occurrence from active to acknowledged,
// recording the actor and comment. Transitions are linearized per
// occurrence; conflicts reject with NotActive or AlreadyCleared.
func (e *Engine) Acknowledge(ctx context.Context, occurrenceID, actor, comment string) (*alarms.Occurrence, error) {
	state, err := e.stateForOccurrence(occurrenceID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	occ := state.open
	if occ == nil || occ.ID != occurrenceID {
		return nil, alarms.ErrNotActive
	}
	if err := occ.Acknowledge(actor, comment, e.clock.Now()); err != nil {
		return nil, err
	}
	e.stopEscalation(state)
	e.persist(ctx, *occ)
	e.notify(ctx, EventAcknowledged, *occ)
	copied := *occ
	return &copied, nil
}

// Clear closes an occurrence on operator demand. A clear while the
// condition is still breached is recorded as forced.
func (e *Engine) Clear(ctx context.Context, occurrenceID, actor, comment string) (*alarms.Occurrence, error) {
	state, err := e.stateForOccurrence(occurrenceID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	occ := state.open
	if occ == nil || occ.ID != occurrenceID {
		return nil, alarms.ErrAlreadyCleared
	}
	forced := state.condActive
	// Record the point's live value at clear time, not the breach that
	// opened the occurrence. The trigger value falls back only when the
	// rule has never evaluated since boot.
	value := occ.TriggerValue
	if state.lastValueKnown {
		value = state.lastValue
	}
	copied := *occ
	e.clearOccurrence(ctx, state, actor, comment, value, forced)
	copied.State = alarms.StateCleared
	copied.ClearedBy = actor
	copied.ClearComment = comment
	copied.ClearedValue = value
	copied.ForcedClear = forced
	copied.ClearedAt = e.clock.Now()
	copied.UpdatedAt = copied.ClearedAt
	return &copied, nil
}

// Occurrence returns a copy of an open occurrence by id.
func (e *Engine) Occurrence(occurrenceID string) (*alarms.Occurrence, error) {
	state, err := e.stateForOccurrence(occurrenceID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.open == nil || state.open.ID != occurrenceID {
		return nil, alarms.ErrNotFound
	}
	copied := *state.open
	return &copied, nil
}

// OpenOccurrences returns copies of every open occurrence, optionally
// filtered by tenant.
func (e *Engine) OpenOccurrences(tenantID string) []alarms.Occurrence {
	e.mu.RLock()
	states := make([]*ruleState, 0, len(e.rules))
	for _, state := range e.rules {
		states = append(states, state)
	}
	e.mu.RUnlock()

	var out []alarms.Occurrence
	for _, state := range states {
		state.mu.Lock()
		if state.open != nil && (tenantID == "" || state.open.TenantID == tenantID) {
			out = append(out, *state.open)
		}
		state.mu.Unlock()
	}
	return out
}

func (e *Engine) stateForOccurrence(occurrenceID string) (*ruleState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ruleID, ok := e.occIndex[occurrenceID]
	if !ok {
		return nil, alarms.ErrNotFound
	}
	state, ok := e.rules[ruleID]
	if !ok {
		return nil, alarms.ErrNotFound
	}
	return state, nil
}

// startEscalation runs the per-occurrence escalation timer. Each
// level delay that passes with the occurrence still active increments
// the level and emits an escalation event; acknowledgement freezes it,
// clearing ends it. Caller holds the rule lock.
func (e *Engine) startEscalation(state *ruleState) {
	if state.escalationStop != nil {
		state.escalationStop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	state.escalationStop = cancel
	delay := state.rule.Escalation.LevelDelay
	maxLevel := state.rule.Escalation.MaxLevel
	go func() {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !e.escalateOnce(ctx, state, maxLevel) {
					return
				}
			}
		}
	}()
}

// stopEscalation cancels the escalation timer. Caller holds the rule
// lock.
func (e *Engine) stopEscalation(state *ruleState) {
	if state.escalationStop != nil {
		state.escalationStop()
		state.escalationStop = nil
	}
}

func (e *Engine) escalateOnce(ctx context.Context, state *ruleState, maxLevel int) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	occ := state.open
	if occ == nil || occ.State != alarms.StateActive {
		return false
	}
	if occ.EscalationLevel >= maxLevel {
		return false
	}
	occ.EscalationLevel++
	occ.NotifyCount++
	occ.UpdatedAt = e.clock.Now()
	e.persist(ctx, *occ)
	e.notify(ctx, EventEscalated, *occ)
	return occ.EscalationLevel < maxLevel
}

// Close stops all escalation timers.
func (e *Engine) Close() {
	e.mu.RLock()
	states := make([]*ruleState, 0, len(e.rules))
	for _, state := range e.rules {
		states = append(states, state)
	}
	e.mu.RUnlock()
	for _, state := range states {
		state.mu.Lock()
		e.stopEscalation(state)
		state.mu.Unlock()
	}
}

func (e *Engine) persist(ctx context.Context, occ alarms.Occurrence) {
	if err := e.store.Save(ctx, occ); err != nil {
		e.logger.Printf("alarm engine: persist occurrence %s: %v", occ.ID, err)
	}
}

func (e *Engine) notify(ctx context.Context, eventType string, occ alarms.Occurrence) {
	metrics.IncAlarmEvent(eventType)
	if err := e.bus.Publish(ctx, AlarmEvent{Type: eventType, Occurrence: occ}); err != nil {
		e.logger.Printf("alarm engine: publish %s for %s: %v", eventType, occ.ID, err)
	}
}
