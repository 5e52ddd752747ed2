package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"parking-edge-sync/internal/gate"
	"parking-edge-sync/internal/models"
	"parking-edge-sync/internal/telemetry"
)

// ErrRateLimited is returned when the per-camera detection limiter rejects
// an enqueue. The event is dropped, not queued.
var ErrRateLimited = errors.New("detection rate limited")

// Manager owns the live record set and runs the synchronization loop. All
// mutation goes through its methods; callers only ever see read-only copies.
type Manager struct {
	store Store
	opts  Options
	exec  *executor

	mu       sync.Mutex
	ops      map[string]*models.QueuedOperation
	online   bool
	lastSync *time.Time
	subs     map[int]func(models.SyncStatus)
	nextSub  int

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// New builds a manager around a backing store. If a journal is configured,
// previously live records are restored before the first tick.
func New(store Store, opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	m := &Manager{
		store: store,
		opts:  opts,
		exec:  newExecutor(store, opts.Archiver),
		ops:   make(map[string]*models.QueuedOperation),
		subs:  make(map[int]func(models.SyncStatus)),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	if opts.Journal != nil {
		restored, err := opts.Journal.Load()
		if err != nil {
			return nil, fmt.Errorf("restore journal: %w", err)
		}
		for i := range restored {
			op := restored[i]
			m.ops[op.ID] = &op
		}
		if len(restored) > 0 {
			log.Printf("sync: restored %d journaled operations", len(restored))
		}
	}
	m.updateGauges()
	return m, nil
}

// RegisterGateController binds a hardware controller to a gate ID for
// gate_action operations.
func (m *Manager) RegisterGateController(gateID string, ctrl gate.Controller) {
	m.exec.registerGate(gateID, ctrl)
}

// Run drives the periodic monitor loop until ctx is cancelled or Close is
// called. Each tick re-probes connectivity and, when online, executes every
// pending record in priority order. Subscribers are dropped on exit.
func (m *Manager) Run(ctx context.Context) error {
	defer m.dropSubscribers()

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	// Establish the initial flag before the first interval elapses.
	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.tick(ctx)
		case <-m.wake:
			// Fast path for fresh enqueues and manual retries while online.
			if m.isOnline() {
				m.syncPass(ctx)
			}
		}
	}
}

// Close stops the loop and drops all subscribers. The in-memory queue is not
// flushed; pending work survives only through the journal, if one is set.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.dropSubscribers()
	})
}

func (m *Manager) tick(ctx context.Context) {
	m.setOnline(m.probe(ctx))
	m.evictCompleted(time.Now())
	if m.isOnline() {
		m.syncPass(ctx)
	}
}

// probe checks store liveness. Errors and timeouts mean offline; nothing is
// ever propagated to callers.
func (m *Manager) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.store.Ping(probeCtx) == nil
}

// syncPass executes every record that was pending when the pass began, in
// scheduler order, one attempt each. A record that fails and re-queues waits
// for the next pass; the tick cadence is the only retry pacing.
func (m *Manager) syncPass(ctx context.Context) {
	for _, id := range m.pendingInOrder() {
		if ctx.Err() != nil {
			return
		}
		op, ok := m.claim(id)
		if !ok {
			continue
		}
		execCtx, cancel := context.WithTimeout(ctx, m.opts.ExecTimeout)
		err := m.exec.execute(execCtx, op)
		cancel()
		m.settle(op.ID, err)
	}
}

func (m *Manager) pendingInOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]*models.QueuedOperation, 0, len(m.ops))
	for _, op := range m.ops {
		if op.Status == models.StatusPending {
			pending = append(pending, op)
		}
	}
	executionOrder(pending)
	ids := make([]string, len(pending))
	for i, op := range pending {
		ids[i] = op.ID
	}
	return ids
}

// claim moves a record to processing. The status flip under the lock is the
// single-flight guard: a concurrent ForceSync or manual retry can never
// double-dispatch the same record.
func (m *Manager) claim(id string) (models.QueuedOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok || op.Status != models.StatusPending {
		return models.QueuedOperation{}, false
	}
	op.Status = models.StatusProcessing
	m.journal(op)
	return op.Clone(), true
}

// settle applies the retry policy after an execution attempt.
func (m *Manager) settle(id string, execErr error) {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok || op.Status != models.StatusProcessing {
		m.mu.Unlock()
		return
	}

	switch {
	case execErr == nil:
		now := time.Now()
		op.Status = models.StatusCompleted
		op.ProcessedAt = &now
		op.LastError = nil
		m.lastSync = &now
		telemetry.SyncedCounter.Inc()

	case errors.Is(execErr, ErrUnknownOperation):
		// Programming error: loud and terminal, never silently retried.
		log.Printf("sync: dropping operation %s: %v", id, execErr)
		msg := execErr.Error()
		op.Status = models.StatusFailed
		op.RetryCount = op.MaxRetries
		op.LastError = &msg
		telemetry.FailedCounter.Inc()

	default:
		msg := execErr.Error()
		op.RetryCount++
		op.LastError = &msg
		if op.RetryCount >= op.MaxRetries {
			op.Status = models.StatusFailed
			telemetry.FailedCounter.Inc()
		} else {
			op.Status = models.StatusPending
			telemetry.RetryCounter.Inc()
		}
	}

	m.journal(op)
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.publish()
}

// Enqueue appends a new record and returns its ID. It never blocks on I/O:
// when the engine believes it is online the run loop is woken to attempt the
// record immediately, and any failure there is handled exactly like a
// scheduled one. The payload belongs to the engine after this call.
func (m *Manager) Enqueue(payload models.Payload, priority models.Priority, maxRetries int) (string, error) {
	if payload == nil {
		return "", errors.New("enqueue: nil payload")
	}
	if maxRetries <= 0 {
		maxRetries = m.opts.MaxRetries
	}

	op := &models.QueuedOperation{
		ID:         uuid.New().String(),
		Kind:       payload.OperationKind(),
		Payload:    payload,
		Priority:   priority,
		Status:     models.StatusPending,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now(),
	}

	m.mu.Lock()
	m.ops[op.ID] = op
	m.journal(op)
	m.updateGaugesLocked()
	online := m.online
	m.mu.Unlock()

	telemetry.EnqueuedCounter.Inc()
	m.publish()
	if online {
		m.wakeLoop()
	}
	return op.ID, nil
}

// EnqueueSessionStart queues a vehicle-entry session token creation.
func (m *Manager) EnqueueSessionStart(p models.SessionStart) (string, error) {
	return m.Enqueue(p, models.PriorityHigh, 0)
}

// EnqueueSessionUpdate queues a patch of an open session token.
func (m *Manager) EnqueueSessionUpdate(p models.SessionUpdate) (string, error) {
	return m.Enqueue(p, models.PriorityNormal, 0)
}

// EnqueueSessionComplete queues a vehicle-exit session completion.
func (m *Manager) EnqueueSessionComplete(p models.SessionComplete) (string, error) {
	return m.Enqueue(p, models.PriorityHigh, 0)
}

// EnqueuePayment queues a payment record. Payments are critical.
func (m *Manager) EnqueuePayment(p models.Payment) (string, error) {
	return m.Enqueue(p, models.PriorityCritical, 0)
}

// EnqueueSlotUpdate queues a slot occupancy change.
func (m *Manager) EnqueueSlotUpdate(p models.SlotState) (string, error) {
	return m.Enqueue(p, models.PriorityNormal, 0)
}

// EnqueueGateAction queues a barrier command. Gates must move.
func (m *Manager) EnqueueGateAction(p models.GateCommand) (string, error) {
	return m.Enqueue(p, models.PriorityCritical, 0)
}

// EnqueueDetection queues ANPR telemetry at low priority, subject to the
// per-camera rate limiter when one is configured.
func (m *Manager) EnqueueDetection(ctx context.Context, p models.DetectionEvent) (string, error) {
	if m.opts.Limiter != nil {
		allowed, _, err := m.opts.Limiter.AllowCamera(ctx, p.CameraID)
		if err != nil {
			// Limiter trouble must not stall telemetry; admit and log.
			log.Printf("sync: detection limiter for camera %s: %v", p.CameraID, err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			return "", fmt.Errorf("%w: camera %s", ErrRateLimited, p.CameraID)
		}
	}
	return m.Enqueue(p, models.PriorityLow, 0)
}

// Status recomputes the aggregate snapshot from the live record set.
func (m *Manager) Status() models.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() models.SyncStatus {
	st := models.SyncStatus{IsOnline: m.online}
	for _, op := range m.ops {
		switch op.Status {
		case models.StatusPending, models.StatusProcessing:
			st.PendingCount++
		case models.StatusFailed:
			st.FailedCount++
		}
	}
	if m.lastSync != nil {
		t := *m.lastSync
		st.LastSyncTime = &t
	}
	return st
}

// ListOperations returns read-only copies of every live record, oldest first.
func (m *Manager) ListOperations() []models.QueuedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.QueuedOperation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	executionOrder(out)
	clones := make([]models.QueuedOperation, len(out))
	for i, op := range out {
		clones[i] = op.Clone()
	}
	return clones
}

// RetryOperation resets a failed record to pending with a fresh retry budget
// and wakes the loop when online. Returns false for unknown or non-failed
// records.
func (m *Manager) RetryOperation(id string) bool {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok || op.Status != models.StatusFailed {
		m.mu.Unlock()
		return false
	}
	op.Status = models.StatusPending
	op.RetryCount = 0
	op.LastError = nil
	m.journal(op)
	m.updateGaugesLocked()
	online := m.online
	m.mu.Unlock()

	m.publish()
	if online {
		m.wakeLoop()
	}
	return true
}

// RetryAllFailed retries every failed record and reports how many.
func (m *Manager) RetryAllFailed() int {
	m.mu.Lock()
	retried := 0
	for _, op := range m.ops {
		if op.Status != models.StatusFailed {
			continue
		}
		op.Status = models.StatusPending
		op.RetryCount = 0
		op.LastError = nil
		m.journal(op)
		retried++
	}
	m.updateGaugesLocked()
	online := m.online
	m.mu.Unlock()

	if retried > 0 {
		m.publish()
		if online {
			m.wakeLoop()
		}
	}
	return retried
}

// ClearCompleted removes completed records from the live set.
func (m *Manager) ClearCompleted() int {
	return m.clearByStatus(models.StatusCompleted)
}

// ClearFailed removes terminally failed records from the live set.
func (m *Manager) ClearFailed() int {
	return m.clearByStatus(models.StatusFailed)
}

func (m *Manager) clearByStatus(status string) int {
	m.mu.Lock()
	cleared := 0
	for id, op := range m.ops {
		if op.Status != status {
			continue
		}
		delete(m.ops, id)
		m.unjournal(id)
		cleared++
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if cleared > 0 {
		m.publish()
	}
	return cleared
}

// ForceSync re-probes connectivity, runs one full pass when online, and
// returns the resulting status. Safe to call while the loop runs: the
// processing state guards every record.
func (m *Manager) ForceSync(ctx context.Context) models.SyncStatus {
	m.setOnline(m.probe(ctx))
	if m.isOnline() {
		m.syncPass(ctx)
	}
	return m.Status()
}

// Subscribe registers a callback invoked with a status snapshot on every
// state change. The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(models.SyncStatus)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// publish delivers the current snapshot to every subscriber. A panicking
// subscriber is recovered and logged; it never affects the others or the
// engine itself.
func (m *Manager) publish() {
	m.mu.Lock()
	st := m.statusLocked()
	subs := make([]func(models.SyncStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("sync: status subscriber panicked: %v", r)
				}
			}()
			fn(st)
		}()
	}
}

// setOnline flips the connectivity flag, publishing only on an actual
// transition so subscribers see one event per flip rather than one per tick.
func (m *Manager) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	if online {
		telemetry.OnlineGauge.Set(1)
	} else {
		telemetry.OnlineGauge.Set(0)
	}
	m.mu.Unlock()

	if changed {
		m.publish()
	}
}

func (m *Manager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// evictCompleted drops completed records once the grace delay has passed, so
// a status read right after success can still observe them.
func (m *Manager) evictCompleted(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, op := range m.ops {
		if op.Status != models.StatusCompleted || op.ProcessedAt == nil {
			continue
		}
		if now.Sub(*op.ProcessedAt) >= m.opts.CompletedGrace {
			delete(m.ops, id)
			m.unjournal(id)
		}
	}
}

func (m *Manager) wakeLoop() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dropSubscribers() {
	m.mu.Lock()
	m.subs = make(map[int]func(models.SyncStatus))
	m.mu.Unlock()
}

// journal persists the record's current state. Caller holds the lock.
// Errors are logged and absorbed; the queue keeps running without the file.
func (m *Manager) journal(op *models.QueuedOperation) {
	if m.opts.Journal == nil {
		return
	}
	if err := m.opts.Journal.Record(op.Clone()); err != nil {
		log.Printf("sync: journal %s: %v", op.ID, err)
	}
}

func (m *Manager) unjournal(id string) {
	if m.opts.Journal == nil {
		return
	}
	if err := m.opts.Journal.Remove(id); err != nil {
		log.Printf("sync: journal remove %s: %v", id, err)
	}
}

func (m *Manager) updateGauges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateGaugesLocked()
}

// updateGaugesLocked refreshes the pending/failed gauges. Caller holds the lock.
func (m *Manager) updateGaugesLocked() {
	var pending, failed int
	for _, op := range m.ops {
		switch op.Status {
		case models.StatusPending, models.StatusProcessing:
			pending++
		case models.StatusFailed:
			failed++
		}
	}
	telemetry.PendingGauge.Set(float64(pending))
	telemetry.FailedGauge.Set(float64(failed))
}
