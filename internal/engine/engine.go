// Package engine implements the offline operation queue and synchronization
// loop for parking-site edge deployments. Kiosks, gate controllers and the
// ANPR pipeline keep enqueueing work while the central store is unreachable;
// the engine replays it in priority order, with bounded retries, once
// connectivity returns.
package engine

import (
	"context"
	"time"

	"parking-edge-sync/internal/models"
)

// Store is the backing store the engine eventually writes to. Each write
// either fully succeeds or returns an error, and must be idempotent under
// replay. Ping is the cheap liveness probe driving the online flag.
type Store interface {
	Ping(ctx context.Context) error
	CreateSessionToken(ctx context.Context, p models.SessionStart) error
	UpdateSessionToken(ctx context.Context, p models.SessionUpdate) error
	CompleteSessionToken(ctx context.Context, p models.SessionComplete) error
	RecordPayment(ctx context.Context, p models.Payment) error
	UpdateSlotState(ctx context.Context, p models.SlotState) error
	AppendDetectionEvent(ctx context.Context, p models.DetectionEvent) error
}

// Journal persists live records across restarts. Optional.
type Journal interface {
	Record(op models.QueuedOperation) error
	Remove(id string) error
	Load() ([]models.QueuedOperation, error)
}

// Archiver stores detection snapshots out of band. Optional.
type Archiver interface {
	Archive(ctx context.Context, event models.DetectionEvent) error
}

// DetectionLimiter throttles detection telemetry per camera. Optional.
type DetectionLimiter interface {
	AllowCamera(ctx context.Context, cameraID string) (bool, float64, error)
}

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	ProbeInterval  time.Duration // monitor cadence, default 5s
	ProbeTimeout   time.Duration // per-probe bound, default 3s
	ExecTimeout    time.Duration // per-attempt bound, default 10s
	MaxRetries     int           // default ceiling per operation, default 3
	CompletedGrace time.Duration // how long completed records stay visible, default 30s

	Journal  Journal
	Archiver Archiver
	Limiter  DetectionLimiter
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 3 * time.Second
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.CompletedGrace <= 0 {
		o.CompletedGrace = 30 * time.Second
	}
	return o
}
