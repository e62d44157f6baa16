package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"
)

// ============================================================================
// Operation Model
//
// An Operation is an immutable record of one user-initiated state mutation.
// Its ID is the idempotency key "deviceID:sequence"; the server silently
// drops re-submitted operations with a known ID, which makes retrying a
// batch after a failed or half-applied network call safe.
//
// Two wire shapes exist: the flat envelope (operation_id, device_id, ...)
// and a legacy format that mirrors the same data inside a nested
// operation_data object. NormalizeWireOperation is the single boundary
// where both are collapsed into the canonical Operation; nothing past that
// point branches on shape.
// ============================================================================

// EntityKind identifies which synced entity an operation mutates.
type EntityKind string

const (
	EntityAddress     EntityKind = "address"
	EntityCompletion  EntityKind = "completion"
	EntityArrangement EntityKind = "arrangement"
	EntitySession     EntityKind = "session"
)

// ActionKind identifies the mutation type.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// MaxPlausibleSequence bounds client-assigned sequence numbers. Counters
// observed far beyond this are corrupted local state, not real activity;
// such a device's stream is quarantined rather than replayed.
const MaxPlausibleSequence = 1_000_000

// MaxClockSkew is how far in the future a client timestamp may sit before
// the operation is rejected at submission time. Accepting it would poison
// every last-write-wins comparison against that entity.
const MaxClockSkew = 24 * time.Hour

// Operation is the canonical in-process form of one logged mutation.
// Payload carries the full record for creates, a partial field diff for
// updates, and just the key reference for deletes.
type Operation struct {
	ID           string         `json:"id"` // deviceID:sequence
	DeviceID     string         `json:"device_id"`
	Sequence     int64          `json:"sequence"`
	Entity       EntityKind     `json:"entity"`
	Action       ActionKind     `json:"action"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	OptimisticID string         `json:"optimistic_id,omitempty"`
}

// OperationID derives the idempotency key for a device/sequence pair.
func OperationID(deviceID string, sequence int64) string {
	return deviceID + ":" + strconv.FormatInt(sequence, 10)
}

// NewOperation builds an operation with a derived ID and the current wall
// clock as the authoring timestamp.
func NewOperation(deviceID string, sequence int64, entity EntityKind, action ActionKind, payload map[string]any) Operation {
	return Operation{
		ID:        OperationID(deviceID, sequence),
		DeviceID:  deviceID,
		Sequence:  sequence,
		Entity:    entity,
		Action:    action,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// ValidateSequence reports whether a sequence number is inside plausible
// bounds. A violation marks the whole device stream as suspect.
func ValidateSequence(sequence int64) error {
	if sequence <= 0 {
		return serr.New("sequence number must be positive")
	}
	if sequence > MaxPlausibleSequence {
		return serr.New(fmt.Sprintf("sequence number %d exceeds plausible bounds", sequence))
	}
	return nil
}

// ValidateTimestamp rejects authoring timestamps implausibly far ahead of
// server time. Past timestamps are fine since offline devices submit late.
func ValidateTimestamp(createdAt, serverNow time.Time) error {
	if createdAt.After(serverNow.Add(MaxClockSkew)) {
		return serr.New("operation timestamp is implausibly far in the future")
	}
	return nil
}

// Validate runs both structural checks plus enum membership.
func (op Operation) Validate(serverNow time.Time) error {
	if op.DeviceID == "" {
		return serr.New("operation missing device id")
	}
	if op.ID != OperationID(op.DeviceID, op.Sequence) {
		return serr.New("operation id does not match deviceID:sequence")
	}
	if err := ValidateSequence(op.Sequence); err != nil {
		return err
	}
	if err := ValidateTimestamp(op.CreatedAt, serverNow); err != nil {
		return err
	}
	switch op.Entity {
	case EntityAddress, EntityCompletion, EntityArrangement, EntitySession:
	default:
		return serr.New("unknown operation entity: " + string(op.Entity))
	}
	switch op.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return serr.New("unknown operation action: " + string(op.Action))
	}
	return nil
}

// ============================================================================
// Wire format
// ============================================================================

// WireOperation is the transmitted/persisted envelope. The flat fields are
// the current format; OperationData mirrors them for legacy readers. The
// payload travels as Base64-encoded msgpack in payload_encoded, smaller
// than JSON for the record-heavy address payloads, while the envelope
// metadata stays human-readable (same hybrid approach as the API's
// msgpack body encoding).
type WireOperation struct {
	OperationID    string             `json:"operation_id"`
	SequenceNumber int64              `json:"sequence_number"`
	UserID         string             `json:"user_id,omitempty"`
	DeviceID       string             `json:"device_id"`
	OperationType  string             `json:"operation_type"` // "<entity>.<action>"
	PayloadEncoded string             `json:"payload_encoded,omitempty"`
	OperationData  *WireOperationData `json:"operation_data,omitempty"`
	Timestamp      string             `json:"timestamp"` // RFC3339
	OptimisticID   string             `json:"optimistic_id,omitempty"`
}

// WireOperationData is the legacy nested record. Field names follow the
// original wire captures (clientId, not client_id).
type WireOperationData struct {
	ID       string         `json:"id"`
	ClientID string         `json:"clientId"`
	Sequence int64          `json:"sequence"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ToWire builds the envelope for transmission. Both the flat fields and the
// legacy nested mirror are emitted so readers on either side of the format
// migration can parse the record.
func (op Operation) ToWire(userID string) (WireOperation, error) {
	encoded, err := EncodePayload(op.Payload)
	if err != nil {
		return WireOperation{}, serr.Wrap(err, "failed to encode operation payload")
	}

	opType := string(op.Entity) + "." + string(op.Action)
	return WireOperation{
		OperationID:    op.ID,
		SequenceNumber: op.Sequence,
		UserID:         userID,
		DeviceID:       op.DeviceID,
		OperationType:  opType,
		PayloadEncoded: encoded,
		OperationData: &WireOperationData{
			ID:       op.ID,
			ClientID: op.DeviceID,
			Sequence: op.Sequence,
			Type:     opType,
			Payload:  op.Payload,
		},
		Timestamp:    op.CreatedAt.UTC().Format(time.RFC3339Nano),
		OptimisticID: op.OptimisticID,
	}, nil
}

// NormalizeWireOperation collapses either wire shape into the canonical
// Operation. Flat envelope fields win; missing ones fall back to the legacy
// nested record. This is the only place legacy shape handling lives.
func NormalizeWireOperation(w WireOperation) (Operation, error) {
	op := Operation{
		ID:           w.OperationID,
		DeviceID:     w.DeviceID,
		Sequence:     w.SequenceNumber,
		OptimisticID: w.OptimisticID,
	}

	opType := w.OperationType
	if legacy := w.OperationData; legacy != nil {
		if op.ID == "" {
			op.ID = legacy.ID
		}
		if op.DeviceID == "" {
			op.DeviceID = legacy.ClientID
		}
		if op.Sequence == 0 {
			op.Sequence = legacy.Sequence
		}
		if opType == "" {
			opType = legacy.Type
		}
	}

	entity, action, err := parseOperationType(opType)
	if err != nil {
		return Operation{}, err
	}
	op.Entity = entity
	op.Action = action

	// Payload: modern msgpack encoding wins, legacy nested JSON map second.
	if w.PayloadEncoded != "" {
		payload, err := DecodePayload(w.PayloadEncoded)
		if err != nil {
			return Operation{}, serr.Wrap(err, "failed to decode operation payload")
		}
		op.Payload = payload
	} else if w.OperationData != nil {
		op.Payload = w.OperationData.Payload
	}

	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			// Some legacy writers used second precision
			ts, err = time.Parse(time.RFC3339, w.Timestamp)
			if err != nil {
				return Operation{}, serr.Wrap(err, "invalid operation timestamp")
			}
		}
		op.CreatedAt = ts.UTC()
	}

	if op.ID == "" {
		op.ID = OperationID(op.DeviceID, op.Sequence)
	}

	return op, nil
}

// parseOperationType splits "<entity>.<action>" into its parts.
func parseOperationType(opType string) (EntityKind, ActionKind, error) {
	parts := strings.SplitN(opType, ".", 2)
	if len(parts) != 2 {
		return "", "", serr.New("malformed operation type: " + opType)
	}
	return EntityKind(parts[0]), ActionKind(parts[1]), nil
}

// ============================================================================
// Payload codec
// ============================================================================

// EncodePayload serializes a payload map as Base64-encoded msgpack bytes.
// Returns empty string for an empty payload (delete operations).
func EncodePayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return "", serr.Wrap(err, "failed to msgpack encode payload")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(encoded string) (map[string]any, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, serr.Wrap(err, "failed to base64 decode payload")
	}
	var payload map[string]any
	if err := msgpack.Unmarshal(raw, &payload); err != nil {
		return nil, serr.Wrap(err, "failed to msgpack decode payload")
	}
	return payload, nil
}

// ============================================================================
// Scoping-key coercion
// ============================================================================

// PayloadInt64 reads an integer field from a payload map, coercing the
// numeric types JSON and msgpack decoding produce plus legacy stringified
// values ("3" for listVersion was observed after a schema drift). The bool
// result is false when the field is absent or unparseable; callers must
// treat that as "no scoping key", never as version zero.
func PayloadInt64(payload map[string]any, key string) (int64, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// PayloadString reads a string field from a payload map.
func PayloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadFloat64 reads a numeric field from a payload map.
func PayloadFloat64(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
