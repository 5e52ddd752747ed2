package engine

import (
	"sort"

	"parking-edge-sync/internal/models"
)

// executionOrder sorts records for dispatch: critical first, then high,
// normal, low; ties broken by original enqueue time so a retried record
// keeps its place and older work is not starved. Stable and side-effect
// free; repeated calls over unchanged records yield the same sequence.
func executionOrder(ops []*models.QueuedOperation) {
	sort.SliceStable(ops, func(a, b int) bool {
		if ops[a].Priority != ops[b].Priority {
			return ops[a].Priority < ops[b].Priority
		}
		return ops[a].EnqueuedAt.Before(ops[b].EnqueuedAt)
	})
}
