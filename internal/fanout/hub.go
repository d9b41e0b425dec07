// Package fanout delivers runtime events to live subscribers, scoped
// by tenant, and mirrors them to the external broker.
package fanout

import (
	"log"
	"strings"
	"sync"

	"telemetry-core/internal/observability/metrics"
)

// Room names understood by the hub. Device and admin rooms are
// tenant-qualified internally so a subscriber can never join another
// tenant's room.
const (
	roomTenantPrefix = "tenant:"
	roomDevicePrefix = "device:"
	roomAdminsSuffix = "/admins"
)

const subscriberBuffer = 16

// Subscriber is one live consumer with a bounded delivery channel.
// A subscriber that cannot keep up has events dropped, never queued
// unboundedly.
type Subscriber struct {
	tenantID string
	admin    bool
	ch       chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}
}

// TenantID returns the tenant the subscriber authenticated as.
func (s *Subscriber) TenantID() string { return s.tenantID }

// Events returns the delivery channel. The hub closes it on
// unsubscribe.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

// Hub tracks room membership and fans payloads out to every member.
type Hub struct {
	logger *log.Logger

	mu    sync.Mutex
	rooms map[string]map[*Subscriber]struct{}
	subs  map[*Subscriber]struct{}
}

// NewHub constructs an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*Subscriber]struct{}),
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a consumer for the tenant. Every subscriber is
// implicitly a member of its own tenant room; admins additionally join
// their tenant's admin room.
func (h *Hub) Subscribe(tenantID string, admin bool) *Subscriber {
	if h == nil || tenantID == "" {
		return nil
	}
	sub := &Subscriber{
		tenantID: tenantID,
		admin:    admin,
		ch:       make(chan []byte, subscriberBuffer),
		rooms:    make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.joinLocked(sub, roomTenantPrefix+tenantID)
	if admin {
		h.joinLocked(sub, adminsRoom(tenantID))
	}
	h.mu.Unlock()
	metrics.AddLiveConnections(1)
	return sub
}

// Unsubscribe removes the subscriber from every room and closes its
// channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if h == nil || sub == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	sub.mu.Lock()
	for room := range sub.rooms {
		h.leaveLocked(sub, room)
	}
	sub.rooms = make(map[string]struct{})
	sub.mu.Unlock()
	h.mu.Unlock()
	close(sub.ch)
	metrics.AddLiveConnections(-1)
}

// JoinDevice adds the subscriber to a device room within its own
// tenant. Cross-tenant joins are impossible by construction: the room
// key embeds the subscriber's tenant.
func (h *Hub) JoinDevice(sub *Subscriber, deviceID string) {
	if h == nil || sub == nil || deviceID == "" {
		return
	}
	room := deviceRoom(sub.tenantID, deviceID)
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		h.joinLocked(sub, room)
	}
	h.mu.Unlock()
}

// LeaveDevice removes the subscriber from one of its device rooms.
func (h *Hub) LeaveDevice(sub *Subscriber, deviceID string) {
	if h == nil || sub == nil || deviceID == "" {
		return
	}
	room := deviceRoom(sub.tenantID, deviceID)
	h.mu.Lock()
	h.leaveLocked(sub, room)
	h.mu.Unlock()
	sub.mu.Lock()
	delete(sub.rooms, room)
	sub.mu.Unlock()
}

// Publish delivers one payload to every subscriber of the named rooms,
// at most once per subscriber. Slow subscribers are skipped, not
// blocked on.
func (h *Hub) Publish(rooms []string, payload []byte) {
	if h == nil || len(rooms) == 0 {
		return
	}
	h.mu.Lock()
	targets := make(map[*Subscriber]struct{})
	for _, room := range rooms {
		for sub := range h.rooms[room] {
			targets[sub] = struct{}{}
		}
	}
	h.mu.Unlock()

	for sub := range targets {
		select {
		case sub.ch <- payload:
			metrics.IncFanoutDelivered("live")
		default:
			metrics.IncFanoutDropped("slow_subscriber")
		}
	}
}

// RoomsFor maps an event's scope to hub room names. Critical alarm
// events additionally reach the owning tenant's admin room, never
// another tenant's.
func (h *Hub) RoomsFor(tenantID, deviceID string, critical bool) []string {
	rooms := []string{roomTenantPrefix + tenantID}
	if deviceID != "" {
		rooms = append(rooms, deviceRoom(tenantID, deviceID))
	}
	if critical {
		rooms = append(rooms, adminsRoom(tenantID))
	}
	return rooms
}

func (h *Hub) joinLocked(sub *Subscriber, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}
	sub.mu.Lock()
	sub.rooms[room] = struct{}{}
	sub.mu.Unlock()
}

func (h *Hub) leaveLocked(sub *Subscriber, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func deviceRoom(tenantID, deviceID string) string {
	return roomTenantPrefix + tenantID + "/" + roomDevicePrefix + deviceID
}

func adminsRoom(tenantID string) string {
	return roomTenantPrefix + tenantID + roomAdminsSuffix
}

// ParseDeviceRoom extracts the device id from a client-requested room
// name of the form "device:<id>". Other shapes return false.
func ParseDeviceRoom(name string) (string, bool) {
	if !strings.HasPrefix(name, roomDevicePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, roomDevicePrefix)
	if id == "" {
		return "", false
	}
	return id, true
}
