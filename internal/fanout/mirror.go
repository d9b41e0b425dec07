package fanout

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorKeyPrefix    = "telemetry:current:"
	defaultMirrorTTL   = 5 * time.Minute
	mirrorWriteTimeout = 2 * time.Second
)

// Mirror keeps the latest value-change envelope per point in Redis so
// other processes read current values without touching the engine.
// Best effort: a failed write is logged by the caller and the next
// change overwrites it anyway.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMirror constructs a mirror. A nil client returns a nil mirror,
// which every method tolerates.
func NewMirror(client *redis.Client, ttl time.Duration) *Mirror {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	return &Mirror{client: client, ttl: ttl}
}

// Store writes the latest payload for a point under its tenant-scoped
// key.
func (m *Mirror) Store(ctx context.Context, tenantID, pointID string, payload []byte) error {
	if m == nil || m.client == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()
	return m.client.Set(writeCtx, mirrorKeyPrefix+tenantID+":"+pointID, payload, m.ttl).Err()
}
