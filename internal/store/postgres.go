package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"parking-edge-sync/internal/models"
)

// Postgres is the central backing store for full-size sites.
//
// Every write is idempotent: replaying an operation after a partial failure
// must not double-apply, because the engine cannot tell a first attempt from
// a retry once connectivity returns.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping is the connectivity probe: a trivial round trip, nothing more.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateSessionToken inserts a session row. Re-inserting the same token is a
// no-op success.
func (s *Postgres) CreateSessionToken(ctx context.Context, p models.SessionStart) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_tokens (id, parking_lot_id, zone_id, slot_id, plate_number, vehicle_type, entry_time, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', NOW())
		ON CONFLICT (id) DO NOTHING
	`, p.TokenID, p.ParkingLotID, emptyToNil(p.ZoneID), emptyToNil(p.SlotID), p.PlateNumber, emptyToNil(p.VehicleType), p.EntryTime)
	if err != nil {
		return fmt.Errorf("create session token: %w", err)
	}
	return nil
}

// UpdateSessionToken patches the mutable fields of an open session. Empty
// payload fields leave the stored value untouched.
func (s *Postgres) UpdateSessionToken(ctx context.Context, p models.SessionUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE session_tokens
		SET slot_id = COALESCE(NULLIF($2, ''), slot_id),
		    zone_id = COALESCE(NULLIF($3, ''), zone_id),
		    plate_number = COALESCE(NULLIF($4, ''), plate_number),
		    updated_at = NOW()
		WHERE id = $1
	`, p.TokenID, p.SlotID, p.ZoneID, p.PlateNumber)
	if err != nil {
		return fmt.Errorf("update session token: %w", err)
	}
	return nil
}

// CompleteSessionToken sets the exit time and closes the session. Completing
// an already-completed session matches zero rows and succeeds.
func (s *Postgres) CompleteSessionToken(ctx context.Context, p models.SessionComplete) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE session_tokens
		SET exit_time = $2, status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`, p.TokenID, p.ExitTime)
	if err != nil {
		return fmt.Errorf("complete session token: %w", err)
	}
	return nil
}

// RecordPayment persists a payment keyed by the caller-assigned payment ID.
func (s *Postgres) RecordPayment(ctx context.Context, p models.Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, token_id, amount_cents, currency, method, paid_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO NOTHING
	`, p.PaymentID, p.TokenID, p.Amount, p.Currency, p.Method, p.PaidAt)
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

// UpdateSlotState upserts a slot's occupancy. Observations older than the
// stored one are ignored so a replay cannot roll a slot backwards.
func (s *Postgres) UpdateSlotState(ctx context.Context, p models.SlotState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO slot_states (slot_id, parking_lot_id, occupied, plate_number, confidence, observed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (slot_id) DO UPDATE
		SET occupied = EXCLUDED.occupied,
		    plate_number = EXCLUDED.plate_number,
		    confidence = EXCLUDED.confidence,
		    observed_at = EXCLUDED.observed_at,
		    updated_at = NOW()
		WHERE slot_states.observed_at <= EXCLUDED.observed_at
	`, p.SlotID, p.ParkingLotID, p.Occupied, emptyToNil(p.PlateNumber), p.Confidence, p.ObservedAt)
	if err != nil {
		return fmt.Errorf("update slot state: %w", err)
	}
	return nil
}

// AppendDetectionEvent appends one ANPR telemetry event.
func (s *Postgres) AppendDetectionEvent(ctx context.Context, p models.DetectionEvent) error {
	detections, err := json.Marshal(p.Detections)
	if err != nil {
		return fmt.Errorf("marshal detections: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO detection_events (id, camera_id, parking_lot_id, zone_id, frame_number, captured_at, detections, snapshot_url, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO NOTHING
	`, p.EventID, p.CameraID, p.ParkingLotID, emptyToNil(p.ZoneID), p.FrameNumber, p.CapturedAt, detections, emptyToNil(p.SnapshotURL))
	if err != nil {
		return fmt.Errorf("append detection event: %w", err)
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
