package gate

import (
	"context"

	"parking-edge-sync/internal/models"
)

// Controller moves a physical barrier. Implementations are registered with
// the engine per gate ID; the transport (MQTT, serial, relay) is theirs.
type Controller interface {
	// Apply executes the command and returns once the hardware acknowledged
	// it or the context expired. A nil error is the acknowledgement.
	Apply(ctx context.Context, cmd models.GateCommand) error
}
