package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"parking-edge-sync/internal/gate"
	"parking-edge-sync/internal/models"
	"parking-edge-sync/internal/telemetry"
)

// ErrUnknownOperation marks a payload the executor has no dispatch for. This
// is a caller/engine version mismatch, not a transient condition: the record
// goes terminal on the first attempt instead of burning retries.
var ErrUnknownOperation = errors.New("unknown operation kind")

// executor maps an operation's payload type to its concrete effect. Dispatch
// is exhaustive over the payload union; everything else is ErrUnknownOperation.
type executor struct {
	store    Store
	archiver Archiver

	mu    sync.RWMutex
	gates map[string]gate.Controller
}

func newExecutor(store Store, archiver Archiver) *executor {
	return &executor{
		store:    store,
		archiver: archiver,
		gates:    make(map[string]gate.Controller),
	}
}

func (e *executor) registerGate(gateID string, ctrl gate.Controller) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gates[gateID] = ctrl
}

func (e *executor) gateFor(gateID string) (gate.Controller, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ctrl, ok := e.gates[gateID]
	return ctrl, ok
}

func (e *executor) execute(ctx context.Context, op models.QueuedOperation) error {
	switch p := op.Payload.(type) {
	case models.SessionStart:
		return e.store.CreateSessionToken(ctx, p)
	case models.SessionUpdate:
		return e.store.UpdateSessionToken(ctx, p)
	case models.SessionComplete:
		return e.store.CompleteSessionToken(ctx, p)
	case models.Payment:
		return e.store.RecordPayment(ctx, p)
	case models.SlotState:
		return e.store.UpdateSlotState(ctx, p)
	case models.GateCommand:
		ctrl, ok := e.gateFor(p.GateID)
		if !ok {
			// Retryable: the controller may register after a daemon restart.
			return fmt.Errorf("no controller registered for gate %q", p.GateID)
		}
		telemetry.GateCommands.Inc()
		return ctrl.Apply(ctx, p)
	case models.DetectionEvent:
		if err := e.store.AppendDetectionEvent(ctx, p); err != nil {
			return err
		}
		e.archiveSnapshot(ctx, p)
		return nil
	case nil:
		return fmt.Errorf("%w: operation %s carries no payload", ErrUnknownOperation, op.ID)
	default:
		return fmt.Errorf("%w: %T (kind %q)", ErrUnknownOperation, p, op.Kind)
	}
}

// archiveSnapshot is best-effort: telemetry already landed in the store, so
// an archive failure is logged and counted rather than failing the record.
func (e *executor) archiveSnapshot(ctx context.Context, p models.DetectionEvent) {
	if e.archiver == nil || p.SnapshotURL == "" {
		return
	}
	if err := e.archiver.Archive(ctx, p); err != nil {
		telemetry.SnapshotFailures.Inc()
		log.Printf("archive snapshot for event %s: %v", p.EventID, err)
		return
	}
	telemetry.SnapshotsArchived.Inc()
}
