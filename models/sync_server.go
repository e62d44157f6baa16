package models

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Server-side operation apply
//
// ApplyOperations is the single entry point through which device operation
// batches mutate authoritative state. The whole procedure is idempotent: a
// device that re-submits a batch after a dropped response gets the same
// result without double-applying anything.
// ============================================================================

const DDLCreateOperationsSequence = `CREATE SEQUENCE IF NOT EXISTS operations_id_seq START 1;`

const DDLCreateOperationsTable = `
CREATE TABLE IF NOT EXISTS operations (
    id           BIGINT PRIMARY KEY DEFAULT nextval('operations_id_seq'),
    operation_id VARCHAR NOT NULL,
    user_guid    VARCHAR NOT NULL,
    device_id    VARCHAR NOT NULL,
    sequence     BIGINT NOT NULL,
    entity       VARCHAR NOT NULL,
    entity_key   VARCHAR NOT NULL DEFAULT '',
    action       VARCHAR NOT NULL,
    payload      VARCHAR,
    status       VARCHAR NOT NULL,
    authored_at  TIMESTAMP,
    created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const DDLCreateOperationsIndexEntity = `
CREATE INDEX IF NOT EXISTS idx_operations_entity
ON operations (user_guid, entity, entity_key);
`

const DDLCreateOperationsIndexUserDevice = `
CREATE INDEX IF NOT EXISTS idx_operations_user_device
ON operations (user_guid, device_id, sequence);
`

const DDLCreateSequenceAnomaliesSequence = `CREATE SEQUENCE IF NOT EXISTS sequence_anomalies_id_seq START 1;`

const DDLCreateSequenceAnomaliesTable = `
CREATE TABLE IF NOT EXISTS sequence_anomalies (
    id         BIGINT PRIMARY KEY DEFAULT nextval('sequence_anomalies_id_seq'),
    user_guid  VARCHAR NOT NULL,
    device_id  VARCHAR NOT NULL,
    sequence   BIGINT NOT NULL,
    reason     VARCHAR NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Per-operation apply outcomes.
const (
	OpStatusApplied     = "applied"
	OpStatusDuplicate   = "duplicate"
	OpStatusConflict    = "conflict"
	OpStatusOrphaned    = "orphaned"
	OpStatusQuarantined = "quarantined"
	OpStatusRejected    = "rejected"
	OpStatusGap         = "gap"
)

// OperationResult reports what happened to one submitted operation.
type OperationResult struct {
	OperationID  string `json:"operation_id"`
	OptimisticID string `json:"optimistic_id,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// ConflictReport surfaces one resolved conflict back to the submitting
// device so it can fold the merged state in and audit locally.
type ConflictReport struct {
	OperationID    string         `json:"operation_id"`
	Entity         string         `json:"entity"`
	EntityKey      string         `json:"entity_key"`
	Kind           string         `json:"kind"`
	WinnerDeviceID string         `json:"winner_device_id,omitempty"`
	Merged         map[string]any `json:"merged,omitempty"`
	Orphaned       bool           `json:"orphaned,omitempty"`
}

// ApplyOpsResult is the contract of the apply-operations procedure. OK false
// with RetryAfterMs set means the device should back off and resubmit the
// same batch; conflicts are terminal verdicts and are never auto-retried.
type ApplyOpsResult struct {
	OK           bool              `json:"ok"`
	RetryAfterMs int64             `json:"retry_after_ms,omitempty"`
	Results      []OperationResult `json:"results,omitempty"`
	Conflicts    []ConflictReport  `json:"conflicts,omitempty"`
	Applied      int               `json:"applied"`
	Duplicates   int               `json:"duplicates"`
}

// gapRetryMs is the backoff hint returned when a device submits a sequence
// gap; it needs a moment to requeue its missing operations.
const gapRetryMs = 2000

// ApplyOperations validates, deduplicates, conflict-resolves, and applies a
// batch of device operations in submission order.
func ApplyOperations(userGUID string, wireOps []WireOperation) (ApplyOpsResult, error) {
	result := ApplyOpsResult{OK: true}
	now := time.Now().UTC()

	// Devices whose stream broke mid-batch: later ops from the same device
	// are held so they aren't applied out of order.
	heldDevices := map[string]bool{}

	for _, w := range wireOps {
		op, err := NormalizeWireOperation(w)
		if err != nil {
			result.Results = append(result.Results, OperationResult{
				OperationID: w.OperationID, Status: OpStatusRejected, Error: err.Error(),
			})
			continue
		}

		if heldDevices[op.DeviceID] {
			result.Results = append(result.Results, OperationResult{
				OperationID: op.ID, OptimisticID: op.OptimisticID, Status: OpStatusGap,
			})
			continue
		}

		opResult, conflict := applyOneOperation(userGUID, op, now)
		result.Results = append(result.Results, opResult)

		switch opResult.Status {
		case OpStatusApplied:
			result.Applied++
		case OpStatusDuplicate:
			result.Duplicates++
		case OpStatusConflict:
			result.Applied++
		case OpStatusGap:
			heldDevices[op.DeviceID] = true
			result.OK = false
			result.RetryAfterMs = gapRetryMs
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
		}
	}

	return result, nil
}

// applyOneOperation runs the full pipeline for a single operation. Errors
// that indicate bad input become per-op rejections; storage errors are
// logged and reported as rejections too so one broken op can't wedge a
// whole batch.
func applyOneOperation(userGUID string, op Operation, now time.Time) (OperationResult, *ConflictReport) {
	res := OperationResult{OperationID: op.ID, OptimisticID: op.OptimisticID}

	// Implausible sequence: quarantine the op and count the anomaly. The
	// stream is corrupted local state; replaying it would be worse than
	// dropping it.
	if err := ValidateSequence(op.Sequence); err != nil {
		res.Status = OpStatusQuarantined
		res.Error = err.Error()
		if rerr := RecordSequenceAnomaly(userGUID, op.DeviceID, op.Sequence, err.Error()); rerr != nil {
			logger.LogErr(rerr, "failed to record sequence anomaly")
		}
		logOperation(userGUID, op, "", OpStatusQuarantined)
		return res, nil
	}

	if err := ValidateTimestamp(op.CreatedAt, now); err != nil {
		res.Status = OpStatusRejected
		res.Error = err.Error()
		logOperation(userGUID, op, "", OpStatusRejected)
		return res, nil
	}

	if err := op.Validate(now); err != nil {
		res.Status = OpStatusRejected
		res.Error = err.Error()
		return res, nil
	}

	// Idempotency: an operation id we've already logged is a resubmission.
	seen, err := operationSeen(userGUID, op.ID)
	if err != nil {
		res.Status = OpStatusRejected
		res.Error = "failed to check operation log"
		logger.LogErr(err, "operation idempotency check failed", "operation_id", op.ID)
		return res, nil
	}
	if seen {
		res.Status = OpStatusDuplicate
		return res, nil
	}

	// Contiguity: sequences per (user, device) must advance by exactly one.
	// Behind means duplicate; ahead means operations were lost in transit
	// and the device must resubmit from the gap.
	lastSeq, err := lastDeviceSequence(userGUID, op.DeviceID)
	if err != nil {
		res.Status = OpStatusRejected
		res.Error = "failed to check device sequence"
		logger.LogErr(err, "device sequence check failed", "device_id", op.DeviceID)
		return res, nil
	}
	if op.Sequence <= lastSeq {
		res.Status = OpStatusDuplicate
		return res, nil
	}
	if lastSeq > 0 && op.Sequence > lastSeq+1 {
		res.Status = OpStatusGap
		if rerr := RecordSequenceAnomaly(userGUID, op.DeviceID, op.Sequence, "sequence gap"); rerr != nil {
			logger.LogErr(rerr, "failed to record sequence anomaly")
		}
		return res, nil
	}

	et, ok := entityTables[op.Entity]
	if !ok {
		res.Status = OpStatusRejected
		res.Error = "unknown entity kind"
		return res, nil
	}

	entityKey, keyOK := entityKeyForOp(et, op.Payload)

	switch op.Action {
	case ActionCreate, ActionUpdate:
		return applyMutation(userGUID, op, et, entityKey, keyOK)
	case ActionDelete:
		return applyDelete(userGUID, op, et, entityKey)
	}

	res.Status = OpStatusRejected
	res.Error = "unknown action"
	return res, nil
}

// applyMutation handles creates and updates through one path: both resolve
// the target by scoping key, and a create that lands on an existing row is
// just a conflicting update from a device that didn't know the row existed.
func applyMutation(userGUID string, op Operation, et entityTable, entityKey string, keyOK bool) (OperationResult, *ConflictReport) {
	res := OperationResult{OperationID: op.ID, OptimisticID: op.OptimisticID}

	if !keyOK {
		// Unresolvable scoping key. The op was written against a list
		// version we can't identify, so orphan it rather than guess.
		return orphanOperation(userGUID, op, et, entityKey)
	}

	current, err := getEntityStateByKey(userGUID, et, op.Payload)
	if err != nil {
		res.Status = OpStatusRejected
		res.Error = "failed to load current state"
		logger.LogErr(err, "entity state load failed", "entity", string(op.Entity), "key", entityKey)
		return res, nil
	}

	if current == nil {
		if op.Action == ActionUpdate {
			// Update against a row that doesn't exist here: dependency
			// violation, not an implicit create.
			return orphanOperation(userGUID, op, et, entityKey)
		}
		if err := insertEntityFromPayload(userGUID, et, op); err != nil {
			res.Status = OpStatusRejected
			res.Error = "failed to apply create"
			logger.LogErr(err, "entity insert failed", "entity", string(op.Entity), "key", entityKey)
			return res, nil
		}
		logOperation(userGUID, op, entityKey, OpStatusApplied)
		res.Status = OpStatusApplied
		return res, nil
	}

	// The row exists. Work out which of its fields moved on the server
	// since this op was authored, then let the resolver classify.
	serverChanged, err := serverChangedFieldsSince(userGUID, op.Entity, entityKey, op.CreatedAt, op.DeviceID)
	if err != nil {
		res.Status = OpStatusRejected
		res.Error = "failed to compute changed fields"
		logger.LogErr(err, "changed-fields query failed", "entity", string(op.Entity), "key", entityKey)
		return res, nil
	}
	if op.Action == ActionCreate {
		// Concurrent create: every field the other device set is contested.
		for k := range current.State {
			serverChanged[k] = true
		}
	}

	input := ConflictInput{
		Entity:              op.Entity,
		EntityKey:           entityKey,
		Server:              current.State,
		ServerAuthoredAt:    current.AuthoredAt,
		ServerDeviceID:      current.DeviceID,
		ServerChangedFields: serverChanged,
		Client:              op.Payload,
		ClientAuthoredAt:    op.CreatedAt,
		ClientDeviceID:      op.DeviceID,
	}
	verdict := ResolveConflict(input)

	if verdict.Kind == ConflictIdentical {
		// Same values from two devices. Nothing to write, nothing to report.
		logOperation(userGUID, op, entityKey, OpStatusDuplicate)
		res.Status = OpStatusDuplicate
		return res, nil
	}

	authoredAt := op.CreatedAt
	if current.AuthoredAt.After(authoredAt) {
		authoredAt = current.AuthoredAt
	}
	if err := updateEntityFromPayload(userGUID, et, current.GUID, verdict.Merged, authoredAt, verdict.WinnerDeviceID); err != nil {
		res.Status = OpStatusRejected
		res.Error = "failed to apply merged state"
		logger.LogErr(err, "entity merge update failed", "entity", string(op.Entity), "key", entityKey)
		return res, nil
	}

	if verdict.Kind == ConflictFieldMerge && op.Action == ActionUpdate {
		// Clean merge of disjoint fields is normal concurrent editing, not
		// a conflict the device needs to hear about.
		logOperation(userGUID, op, entityKey, OpStatusApplied)
		res.Status = OpStatusApplied
		return res, nil
	}

	if err := RecordConflictAudit(userGUID, input, verdict, op.ID); err != nil {
		logger.LogErr(err, "failed to record conflict audit", "operation_id", op.ID)
	}
	logOperation(userGUID, op, entityKey, OpStatusConflict)

	res.Status = OpStatusConflict
	return res, &ConflictReport{
		OperationID:    op.ID,
		Entity:         string(op.Entity),
		EntityKey:      entityKey,
		Kind:           string(verdict.Kind),
		WinnerDeviceID: verdict.WinnerDeviceID,
		Merged:         verdict.Merged,
	}
}

func applyDelete(userGUID string, op Operation, et entityTable, entityKey string) (OperationResult, *ConflictReport) {
	res := OperationResult{OperationID: op.ID, OptimisticID: op.OptimisticID}

	guid, _ := PayloadString(op.Payload, "guid")
	if guid == "" {
		// Fall back to scope resolution for index-scoped entities.
		current, err := getEntityStateByKey(userGUID, et, op.Payload)
		if err != nil || current == nil {
			// Deleting something already gone is idempotent success.
			logOperation(userGUID, op, entityKey, OpStatusApplied)
			res.Status = OpStatusApplied
			return res, nil
		}
		guid = current.GUID
	}

	if err := softDeleteEntity(userGUID, et, guid, op.DeviceID); err != nil {
		res.Status = OpStatusRejected
		res.Error = "failed to apply delete"
		logger.LogErr(err, "entity delete failed", "entity", string(op.Entity), "guid", guid)
		return res, nil
	}
	logOperation(userGUID, op, entityKey, OpStatusApplied)
	res.Status = OpStatusApplied
	return res, nil
}

// orphanOperation records a dependency-violation verdict: the op is logged
// and audited but never applied, and the device is told it was orphaned.
func orphanOperation(userGUID string, op Operation, et entityTable, entityKey string) (OperationResult, *ConflictReport) {
	res := OperationResult{OperationID: op.ID, OptimisticID: op.OptimisticID, Status: OpStatusOrphaned}

	input := ConflictInput{
		Entity:            op.Entity,
		EntityKey:         entityKey,
		Client:            op.Payload,
		ClientAuthoredAt:  op.CreatedAt,
		ClientDeviceID:    op.DeviceID,
		DependencyMissing: true,
	}
	verdict := ResolveConflict(input)
	if err := RecordConflictAudit(userGUID, input, verdict, op.ID); err != nil {
		logger.LogErr(err, "failed to record orphan audit", "operation_id", op.ID)
	}
	logOperation(userGUID, op, entityKey, OpStatusOrphaned)

	return res, &ConflictReport{
		OperationID: op.ID,
		Entity:      string(op.Entity),
		EntityKey:   entityKey,
		Kind:        string(ConflictDependencyViolation),
		Orphaned:    true,
	}
}

// ============================================================================
// Operation log helpers
// ============================================================================

func operationSeen(userGUID, operationID string) (bool, error) {
	var one int
	err := db.QueryRow(
		`SELECT 1 FROM operations WHERE user_guid = ? AND operation_id = ? LIMIT 1`,
		userGUID, operationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, serr.Wrap(err, "failed to query operation log")
	}
	return true, nil
}

func lastDeviceSequence(userGUID, deviceID string) (int64, error) {
	var last sql.NullInt64
	err := db.QueryRow(
		`SELECT MAX(sequence) FROM operations WHERE user_guid = ? AND device_id = ?`,
		userGUID, deviceID).Scan(&last)
	if err != nil {
		return 0, serr.Wrap(err, "failed to query last device sequence")
	}
	return last.Int64, nil
}

// logOperation appends to the operation log. Log failures are logged but
// don't fail the apply: losing an audit row beats losing a field payment.
func logOperation(userGUID string, op Operation, entityKey, status string) {
	payloadJSON := ""
	if len(op.Payload) > 0 {
		if raw, err := CanonicalJSON(op.Payload); err == nil {
			payloadJSON = string(raw)
		}
	}
	_, err := db.Exec(`
		INSERT INTO operations
		    (operation_id, user_guid, device_id, sequence, entity, entity_key, action, payload, status, authored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, userGUID, op.DeviceID, op.Sequence, string(op.Entity), entityKey,
		string(op.Action), payloadJSON, status, op.CreatedAt)
	if err != nil {
		logger.LogErr(err, "failed to append operation log", "operation_id", op.ID)
	}
}

// serverChangedFieldsSince unions the payload keys of logged mutations on
// one entity from other devices after the given authoring time. These are
// the fields the submitting device could not have seen.
func serverChangedFieldsSince(userGUID string, entity EntityKind, entityKey string, since time.Time, excludeDevice string) (map[string]bool, error) {
	rows, err := db.Query(`
		SELECT payload FROM operations
		WHERE user_guid = ? AND entity = ? AND entity_key = ?
		  AND device_id != ? AND authored_at > ?
		  AND status IN (?, ?)`,
		userGUID, string(entity), entityKey, excludeDevice, since,
		OpStatusApplied, OpStatusConflict)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query entity operation history")
	}
	defer rows.Close()

	changed := map[string]bool{}
	for rows.Next() {
		var payloadJSON sql.NullString
		if err := rows.Scan(&payloadJSON); err != nil {
			return nil, serr.Wrap(err, "failed to scan operation payload")
		}
		if !payloadJSON.Valid || payloadJSON.String == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err != nil {
			continue
		}
		for k := range payload {
			changed[k] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating operation history")
	}
	return changed, nil
}

var serverSeqMu sync.Mutex

// NextDeviceSequence allocates the next contiguous sequence for a device
// acting server-side (API handlers mutating on behalf of a logged-in user).
// Derived from the operation log itself so it stays contiguous per user no
// matter how many users share the hub's device identity.
func NextDeviceSequence(userGUID, deviceID string) (int64, error) {
	serverSeqMu.Lock()
	defer serverSeqMu.Unlock()
	last, err := lastDeviceSequence(userGUID, deviceID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// RecordSequenceAnomaly persists one suspect-sequence event for operator
// visibility.
func RecordSequenceAnomaly(userGUID, deviceID string, sequence int64, reason string) error {
	_, err := db.Exec(`
		INSERT INTO sequence_anomalies (user_guid, device_id, sequence, reason)
		VALUES (?, ?, ?, ?)`, userGUID, deviceID, sequence, reason)
	if err != nil {
		return serr.Wrap(err, "failed to insert sequence anomaly")
	}
	return nil
}

// CountSequenceAnomalies returns how many anomalies a user's devices have
// produced; a growing count is the signal to re-provision a device.
func CountSequenceAnomalies(userGUID string) (int64, error) {
	var count int64
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sequence_anomalies WHERE user_guid = ?`, userGUID).Scan(&count)
	if err != nil {
		return 0, serr.Wrap(err, "failed to count sequence anomalies")
	}
	return count, nil
}

// ============================================================================
// Snapshot + checksum
// ============================================================================

// Snapshot is the full authoritative state a device installs during
// reconciliation. The checksum lets a device verify convergence cheaply.
type Snapshot struct {
	ListVersion  int64            `json:"list_version"`
	Addresses    []map[string]any `json:"addresses"`
	Completions  []map[string]any `json:"completions"`
	Arrangements []map[string]any `json:"arrangements"`
	Sessions     []map[string]any `json:"sessions"`
	Checksum     string           `json:"checksum"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// BuildSnapshot assembles the user's full live state.
func BuildSnapshot(userGUID string) (*Snapshot, error) {
	addresses, err := listEntityMaps(userGUID, EntityAddress)
	if err != nil {
		return nil, serr.Wrap(err, "failed to snapshot addresses")
	}
	completions, err := listEntityMaps(userGUID, EntityCompletion)
	if err != nil {
		return nil, serr.Wrap(err, "failed to snapshot completions")
	}
	arrangements, err := listEntityMaps(userGUID, EntityArrangement)
	if err != nil {
		return nil, serr.Wrap(err, "failed to snapshot arrangements")
	}
	sessions, err := listEntityMaps(userGUID, EntitySession)
	if err != nil {
		return nil, serr.Wrap(err, "failed to snapshot sessions")
	}
	listVersion, err := CurrentListVersion(userGUID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to resolve list version")
	}

	snap := &Snapshot{
		ListVersion:  listVersion,
		Addresses:    addresses,
		Completions:  completions,
		Arrangements: arrangements,
		Sessions:     sessions,
		GeneratedAt:  time.Now().UTC(),
	}
	checksum, err := snapshotChecksum(snap)
	if err != nil {
		return nil, err
	}
	snap.Checksum = checksum
	return snap, nil
}

// StateChecksum computes the convergence checksum without materializing the
// row payloads for the caller.
func StateChecksum(userGUID string) (string, error) {
	snap, err := BuildSnapshot(userGUID)
	if err != nil {
		return "", err
	}
	return snap.Checksum, nil
}

// snapshotChecksum hashes the canonical JSON of every row, in the stable
// order listEntityMaps returns them. Two sides holding equal state always
// produce equal checksums.
func snapshotChecksum(snap *Snapshot) (string, error) {
	h := sha256.New()
	for _, section := range [][]map[string]any{
		snap.Addresses, snap.Completions, snap.Arrangements, snap.Sessions,
	} {
		for _, row := range section {
			canonical, err := CanonicalJSON(row)
			if err != nil {
				return "", serr.Wrap(err, "failed to canonicalize snapshot row")
			}
			h.Write(canonical)
			h.Write([]byte{'\n'})
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
