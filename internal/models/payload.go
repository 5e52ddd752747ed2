package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the closed union of operation payloads. Each operation kind
// carries exactly one payload type; the executor dispatches on it.
type Payload interface {
	OperationKind() OperationKind
}

// SessionStart opens a parking session token when a vehicle enters.
type SessionStart struct {
	TokenID      string    `json:"token_id"`
	ParkingLotID string    `json:"parking_lot_id"`
	ZoneID       string    `json:"zone_id,omitempty"`
	SlotID       string    `json:"slot_id,omitempty"`
	PlateNumber  string    `json:"plate_number"`
	VehicleType  string    `json:"vehicle_type,omitempty"`
	EntryTime    time.Time `json:"entry_time"`
}

func (SessionStart) OperationKind() OperationKind { return KindCreateSessionToken }

// SessionUpdate patches mutable fields of an open session token.
type SessionUpdate struct {
	TokenID     string `json:"token_id"`
	SlotID      string `json:"slot_id,omitempty"`
	ZoneID      string `json:"zone_id,omitempty"`
	PlateNumber string `json:"plate_number,omitempty"`
}

func (SessionUpdate) OperationKind() OperationKind { return KindUpdateSessionToken }

// SessionComplete closes a session token when the vehicle exits.
type SessionComplete struct {
	TokenID  string    `json:"token_id"`
	ExitTime time.Time `json:"exit_time"`
}

func (SessionComplete) OperationKind() OperationKind { return KindCompleteSessionToken }

// Payment records a wallet or cash payment against a session token.
type Payment struct {
	PaymentID string    `json:"payment_id"`
	TokenID   string    `json:"token_id"`
	Amount    int64     `json:"amount_cents"`
	Currency  string    `json:"currency"`
	Method    string    `json:"method"`
	PaidAt    time.Time `json:"paid_at"`
}

func (Payment) OperationKind() OperationKind { return KindRecordPayment }

// SlotState reports a slot's occupancy as seen by a camera or kiosk.
type SlotState struct {
	SlotID       string    `json:"slot_id"`
	ParkingLotID string    `json:"parking_lot_id"`
	Occupied     bool      `json:"occupied"`
	PlateNumber  string    `json:"plate_number,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

func (SlotState) OperationKind() OperationKind { return KindUpdateSlotState }

// GateCommand instructs a registered gate controller to move a barrier.
type GateCommand struct {
	GateID string `json:"gate_id"`
	Action string `json:"action"` // "open" or "close"
	Reason string `json:"reason,omitempty"`
}

func (GateCommand) OperationKind() OperationKind { return KindGateAction }

// Detection is a single recognized object within a detection event.
type Detection struct {
	Label       string  `json:"label"`
	PlateNumber string  `json:"plate_number,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// DetectionEvent is telemetry from the on-site ANPR pipeline.
type DetectionEvent struct {
	EventID      string      `json:"event_id"`
	CameraID     string      `json:"camera_id"`
	ParkingLotID string      `json:"parking_lot_id"`
	ZoneID       string      `json:"zone_id,omitempty"`
	FrameNumber  int64       `json:"frame_number"`
	CapturedAt   time.Time   `json:"captured_at"`
	Detections   []Detection `json:"detections,omitempty"`
	SnapshotURL  string      `json:"snapshot_url,omitempty"`
}

func (DetectionEvent) OperationKind() OperationKind { return KindDetectionEvent }

// DecodePayload parses raw JSON into the concrete payload for a kind.
func DecodePayload(kind OperationKind, raw json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch kind {
	case KindCreateSessionToken:
		var p SessionStart
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindUpdateSessionToken:
		var p SessionUpdate
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindCompleteSessionToken:
		var p SessionComplete
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindRecordPayment:
		var p Payment
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindUpdateSlotState:
		var p SlotState
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindGateAction:
		var p GateCommand
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindDetectionEvent:
		var p DetectionEvent
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return payload, nil
}
