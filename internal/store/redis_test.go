package store

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"parking-edge-sync/internal/models"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisWithClient(client), mr
}

func TestRedisPing(t *testing.T) {
	s, mr := newTestRedis(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure against closed server")
	}
}

func TestRedisPaymentIdempotent(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	p := models.Payment{PaymentID: "pay-1", TokenID: "tok-1", Amount: 700, Currency: "EUR", Method: "wallet", PaidAt: time.Unix(50, 0).UTC()}
	if err := s.RecordPayment(ctx, p); err != nil {
		t.Fatalf("record: %v", err)
	}
	first := mr.Keys()

	// Replay after a simulated partial failure.
	p.Amount = 9999
	if err := s.RecordPayment(ctx, p); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := mr.Keys(); len(got) != len(first) {
		t.Fatalf("replay created keys: %v vs %v", got, first)
	}
	raw, err := mr.Get("payment:pay-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if want := `"amount_cents":700`; !strings.Contains(raw, want) {
		t.Fatalf("first write overwritten: %s", raw)
	}
}

func TestRedisCompleteSessionTwice(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	if err := s.CreateSessionToken(ctx, models.SessionStart{TokenID: "tok-1", ParkingLotID: "lot-1", PlateNumber: "AB-123-CD", EntryTime: time.Unix(10, 0).UTC()}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := models.SessionComplete{TokenID: "tok-1", ExitTime: time.Unix(20, 0).UTC()}
	if err := s.CompleteSessionToken(ctx, first); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Completing an already-completed session is a no-op success.
	second := models.SessionComplete{TokenID: "tok-1", ExitTime: time.Unix(99, 0).UTC()}
	if err := s.CompleteSessionToken(ctx, second); err != nil {
		t.Fatalf("second complete: %v", err)
	}
}

func TestRedisDetectionDedupe(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	ev := models.DetectionEvent{EventID: "ev-1", CameraID: "cam-1", ParkingLotID: "lot-1", FrameNumber: 42, CapturedAt: time.Unix(5, 0).UTC()}
	if err := s.AppendDetectionEvent(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendDetectionEvent(ctx, ev); err != nil {
		t.Fatalf("replay append: %v", err)
	}

	items, err := mr.List("detections:cam-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("replay appended twice: %d entries", len(items))
	}
}
