package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"parking-edge-sync/internal/models"
)

// Redis is a backing store for small sites that run without Postgres.
// Sessions, payments and slots live in hashes; detection telemetry goes to a
// capped list per camera. Writes carry the same idempotence contract as the
// Postgres store.
type Redis struct {
	client        *redis.Client
	detectionKeep int64
}

// NewRedis builds a Redis-backed store.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		detectionKeep: 10000,
	}
}

// NewRedisWithClient wraps an existing client, mainly for tests.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, detectionKeep: 10000}
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func sessionKey(tokenID string) string   { return "session:" + tokenID }
func paymentKey(paymentID string) string { return "payment:" + paymentID }
func slotKey(slotID string) string       { return "slot:" + slotID }
func detectionKey(cameraID string) string {
	return fmt.Sprintf("detections:%s", cameraID)
}

// Ping is the connectivity probe.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateSessionToken stores the session hash unless the token already exists.
func (s *Redis) CreateSessionToken(ctx context.Context, p models.SessionStart) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, sessionKey(p.TokenID), "start", raw)
	pipe.HSetNX(ctx, sessionKey(p.TokenID), "status", "active")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session token: %w", err)
	}
	return nil
}

// UpdateSessionToken overwrites the update fields for an open session.
func (s *Redis) UpdateSessionToken(ctx context.Context, p models.SessionUpdate) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	if err := s.client.HSet(ctx, sessionKey(p.TokenID), "update", raw).Err(); err != nil {
		return fmt.Errorf("update session token: %w", err)
	}
	return nil
}

// CompleteSessionToken closes the session; a second completion leaves the
// first exit time in place.
func (s *Redis) CompleteSessionToken(ctx context.Context, p models.SessionComplete) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal session complete: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, sessionKey(p.TokenID), "complete", raw)
	pipe.HSet(ctx, sessionKey(p.TokenID), "status", "completed")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete session token: %w", err)
	}
	return nil
}

// RecordPayment stores the payment once, keyed by payment ID.
func (s *Redis) RecordPayment(ctx context.Context, p models.Payment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	if err := s.client.SetNX(ctx, paymentKey(p.PaymentID), raw, 0).Err(); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

// UpdateSlotState overwrites the slot hash. Last write wins; the low-volume
// edge queue replays in enqueue order, so this matches Postgres behavior
// closely enough for small sites.
func (s *Redis) UpdateSlotState(ctx context.Context, p models.SlotState) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal slot state: %w", err)
	}
	if err := s.client.Set(ctx, slotKey(p.SlotID), raw, 0).Err(); err != nil {
		return fmt.Errorf("update slot state: %w", err)
	}
	return nil
}

// AppendDetectionEvent appends telemetry to the camera's capped list, using
// a dedupe key so a replay does not append twice.
func (s *Redis) AppendDetectionEvent(ctx context.Context, p models.DetectionEvent) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal detection event: %w", err)
	}
	dedupe := "detection:seen:" + p.EventID
	ok, err := s.client.SetNX(ctx, dedupe, 1, 0).Result()
	if err != nil {
		return fmt.Errorf("append detection event: %w", err)
	}
	if !ok {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, detectionKey(p.CameraID), raw)
	pipe.LTrim(ctx, detectionKey(p.CameraID), -s.detectionKeep, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append detection event: %w", err)
	}
	return nil
}
