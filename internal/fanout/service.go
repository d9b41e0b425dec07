package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	alarmapp "telemetry-core/internal/alarms/application"
	alarms "telemetry-core/internal/alarms/domain"
	"telemetry-core/internal/eventing"
	"telemetry-core/internal/points/application/events"
)

// brokerChannelPrefix namespaces the external pub/sub channels by
// tenant.
const brokerChannelPrefix = "telemetry:events:"

// Service bridges engine events onto the hub and the external broker.
// Every outbound event is wrapped in an envelope carrying its tenant,
// and only ever reaches that tenant's rooms.
type Service struct {
	hub    *Hub
	broker *Broker
	mirror *Mirror
	logger *log.Logger
}

// ServiceOption customizes the fan-out service.
type ServiceOption func(*Service)

// WithMirror enables the Redis current-value mirror.
func WithMirror(m *Mirror) ServiceOption {
	return func(s *Service) { s.mirror = m }
}

// NewService constructs the fan-out service and subscribes it on the
// bus.
func NewService(bus eventing.EventBus, hub *Hub, broker *Broker, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if bus == nil {
		return nil, fmt.Errorf("fanout: nil bus")
	}
	if hub == nil {
		return nil, fmt.Errorf("fanout: nil hub")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{hub: hub, broker: broker, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	bus.Subscribe(eventing.EventTypeOf[events.ValueChanged](), func(ctx context.Context, event any) error {
		evt, ok := event.(events.ValueChanged)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		return s.handleValueChanged(ctx, evt)
	})
	bus.Subscribe(eventing.EventTypeOf[events.EngineFault](), func(ctx context.Context, event any) error {
		evt, ok := event.(events.EngineFault)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		return s.handleEngineFault(ctx, evt)
	})
	bus.Subscribe(eventing.EventTypeOf[alarmapp.AlarmEvent](), func(ctx context.Context, event any) error {
		evt, ok := event.(alarmapp.AlarmEvent)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		return s.handleAlarmEvent(ctx, evt)
	})
	return s, nil
}

func (s *Service) handleValueChanged(ctx context.Context, evt events.ValueChanged) error {
	env, err := eventing.NewEnvelope(eventing.KindValueChanged, evt.TenantID, evt.DeviceID, evt)
	if err != nil {
		s.logger.Printf("fanout: drop value change for %s: %v", evt.PointID, err)
		return nil
	}
	payload := s.dispatch(ctx, env, false)
	if payload != nil && s.mirror != nil {
		if err := s.mirror.Store(ctx, evt.TenantID, evt.PointID, payload); err != nil {
			s.logger.Printf("fanout: mirror write for %s: %v", evt.PointID, err)
		}
	}
	return nil
}

func (s *Service) handleEngineFault(ctx context.Context, evt events.EngineFault) error {
	env, err := eventing.NewEnvelope(eventing.KindEngineFault, evt.TenantID, evt.DeviceID, evt)
	if err != nil {
		s.logger.Printf("fanout: drop engine fault for %s: %v", evt.PointID, err)
		return nil
	}
	s.dispatch(ctx, env, false)
	return nil
}

func (s *Service) handleAlarmEvent(ctx context.Context, evt alarmapp.AlarmEvent) error {
	kind, ok := alarmKind(evt.Type)
	if !ok {
		return nil
	}
	occ := evt.Occurrence
	env, err := eventing.NewEnvelope(kind, occ.TenantID, occ.DeviceID, evt)
	if err != nil {
		s.logger.Printf("fanout: drop alarm event for %s: %v", occ.ID, err)
		return nil
	}
	env.Severity = string(occ.Severity)
	s.dispatch(ctx, env, occ.Severity == alarms.SeverityCritical)
	return nil
}

// dispatch serializes the envelope once and hands it to both the live
// hub and the broker, returning the serialized payload.
func (s *Service) dispatch(ctx context.Context, env eventing.Envelope, critical bool) []byte {
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Printf("fanout: marshal envelope %s: %v", env.EventID, err)
		return nil
	}
	s.hub.Publish(s.hub.RoomsFor(env.TenantID, env.DeviceID, critical), payload)
	if s.broker != nil {
		s.broker.Publish(ctx, brokerChannelPrefix+env.TenantID, payload)
	}
	return payload
}

func alarmKind(eventType string) (string, bool) {
	switch eventType {
	case alarmapp.EventTriggered:
		return eventing.KindAlarmTriggered, true
	case alarmapp.EventAcknowledged:
		return eventing.KindAlarmAcknowledged, true
	case alarmapp.EventCleared:
		return eventing.KindAlarmCleared, true
	case alarmapp.EventEscalated:
		return eventing.KindAlarmEscalated, true
	default:
		return "", false
	}
}
