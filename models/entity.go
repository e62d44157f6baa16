package models

import (
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Synced entity registry
//
// The four synced entities (address, completion, arrangement, session) share
// one apply path: operations carry payload maps, and the registry below maps
// payload keys to columns so creates and updates are a single dynamic
// INSERT/UPDATE per entity kind instead of per-entity conditional forests.
// Entity kind specifics (which scoping key identifies "the same logical
// row" across devices) live in the descriptor, not in branches.
// ============================================================================

// entityTable describes how one synced entity kind maps onto storage.
type entityTable struct {
	kind    EntityKind
	table   string
	columns map[string]string // payload key -> column name
	// indexScoped entities are referenced by (listVersion, index) across
	// devices that may have imported different address lists; creates with
	// the same scope are the same logical row even under different GUIDs.
	indexScoped bool
	scopeIndex  string // payload key of the index within the list
}

var entityTables = map[EntityKind]entityTable{
	EntityAddress: {
		kind:  EntityAddress,
		table: "addresses",
		columns: map[string]string{
			"guid":        "guid",
			"listVersion": "list_version",
			"index":       "list_index",
			"fullAddress": "full_address",
			"latitude":    "latitude",
			"longitude":   "longitude",
			"status":      "status",
			"timeSlot":    "time_slot",
		},
		indexScoped: true,
		scopeIndex:  "index",
	},
	EntityCompletion: {
		kind:  EntityCompletion,
		table: "completions",
		columns: map[string]string{
			"guid":        "guid",
			"listVersion": "list_version",
			"index":       "address_index",
			"addressGuid": "address_guid",
			"outcome":     "outcome",
			"amount":      "amount",
			"notes":       "notes",
		},
		indexScoped: true,
		scopeIndex:  "index",
	},
	EntityArrangement: {
		kind:  EntityArrangement,
		table: "arrangements",
		columns: map[string]string{
			"guid":          "guid",
			"addressGuid":   "address_guid",
			"scheduledDate": "scheduled_date",
			"amount":        "amount",
			"notes":         "notes",
			"status":        "status",
		},
	},
	EntitySession: {
		kind:  EntitySession,
		table: "day_sessions",
		columns: map[string]string{
			"guid":      "guid",
			"date":      "session_date",
			"startTime": "start_time",
			"endTime":   "end_time",
			"status":    "status",
		},
	},
}

// entityKeyForOp resolves the logical key an operation targets. For
// index-scoped entities this is "listVersion/index" so two devices that
// created the same row independently collide on it; otherwise the GUID.
// ok is false when the scoping key cannot be resolved; such operations must
// be orphaned, never matched against the current list.
func entityKeyForOp(et entityTable, payload map[string]any) (string, bool) {
	if et.indexScoped {
		lv, lvOK := PayloadInt64(payload, "listVersion")
		idx, idxOK := PayloadInt64(payload, et.scopeIndex)
		if !lvOK || !idxOK {
			return "", false
		}
		return ScopeKey(lv, idx), true
	}
	guid, ok := PayloadString(payload, "guid")
	return guid, ok && guid != ""
}

// ScopeKey formats the (listVersion, index) pair used as the logical key of
// list-scoped entities.
func ScopeKey(listVersion, index int64) string {
	return strconv.FormatInt(listVersion, 10) + "/" + strconv.FormatInt(index, 10)
}

// getEntityStateByKey fetches the current authoritative value of the entity
// the operation targets, as a payload-shaped map plus its write attribution.
// Returns nil state when the entity does not exist (or is soft-deleted).
type entityState struct {
	State      map[string]any
	GUID       string
	AuthoredAt time.Time
	DeviceID   string
}

func getEntityStateByKey(userGUID string, et entityTable, payload map[string]any) (*entityState, error) {
	var where string
	var args []any
	if et.indexScoped {
		lv, lvOK := PayloadInt64(payload, "listVersion")
		idx, idxOK := PayloadInt64(payload, et.scopeIndex)
		if !lvOK || !idxOK {
			return nil, nil
		}
		where = "user_guid = ? AND list_version = ? AND " + et.columns[et.scopeIndex] + " = ? AND deleted_at IS NULL"
		args = []any{userGUID, lv, idx}
	} else {
		guid, ok := PayloadString(payload, "guid")
		if !ok || guid == "" {
			return nil, nil
		}
		where = "user_guid = ? AND guid = ? AND deleted_at IS NULL"
		args = []any{userGUID, guid}
	}

	cols := payloadColumns(et)
	query := "SELECT guid, authored_at, updated_by_device, " + strings.Join(colNames(et, cols), ", ") +
		" FROM " + et.table + " WHERE " + where

	row := db.QueryRow(query, args...)

	scanDest := make([]any, 0, len(cols)+3)
	var guid string
	var authoredAt sql.NullTime
	var deviceID sql.NullString
	scanDest = append(scanDest, &guid, &authoredAt, &deviceID)
	values := make([]any, len(cols))
	for i := range values {
		scanDest = append(scanDest, &values[i])
	}

	err := row.Scan(scanDest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load entity state")
	}

	state := make(map[string]any, len(cols))
	for i, key := range cols {
		if values[i] != nil {
			state[key] = normalizeDBValue(values[i])
		}
	}

	es := &entityState{State: state, GUID: guid}
	if authoredAt.Valid {
		es.AuthoredAt = authoredAt.Time
	}
	if deviceID.Valid {
		es.DeviceID = deviceID.String
	}
	return es, nil
}

// payloadColumns returns the payload keys of a descriptor in stable order.
func payloadColumns(et entityTable) []string {
	keys := make([]string, 0, len(et.columns))
	for k := range et.columns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func colNames(et entityTable, keys []string) []string {
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = et.columns[k]
	}
	return cols
}

// normalizeDBValue flattens driver types so payload/state comparisons are
// value comparisons, not type comparisons.
func normalizeDBValue(v any) any {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float32:
		return float64(n)
	case []byte:
		return string(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// insertEntityFromPayload applies a create operation. The INSERT column set
// is built from the payload keys the descriptor knows; unknown keys are
// dropped at this boundary rather than deep in the apply path.
func insertEntityFromPayload(userGUID string, et entityTable, op Operation) error {
	cols := []string{"user_guid", "authored_at", "created_by", "updated_by_device"}
	args := []any{userGUID, op.CreatedAt, userGUID, op.DeviceID}

	for _, key := range payloadColumns(et) {
		if v, ok := op.Payload[key]; ok && v != nil {
			cols = append(cols, et.columns[key])
			args = append(args, coercePayloadValue(key, v))
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := "INSERT INTO " + et.table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders + ")"

	if _, err := db.Exec(query, args...); err != nil {
		return serr.Wrap(err, "failed to insert "+string(et.kind))
	}
	return nil
}

// updateEntityFromPayload applies an update diff to the row identified by
// GUID, building the SET clause from the payload's present fields.
func updateEntityFromPayload(userGUID string, et entityTable, guid string, payload map[string]any, authoredAt time.Time, deviceID string) error {
	setClauses := []string{}
	args := []any{}

	for _, key := range payloadColumns(et) {
		if key == "guid" {
			continue
		}
		if v, ok := payload[key]; ok {
			setClauses = append(setClauses, et.columns[key]+" = ?")
			args = append(args, coercePayloadValue(key, v))
		}
	}
	if len(setClauses) == 0 {
		return nil
	}

	setClauses = append(setClauses, "authored_at = ?", "updated_by_device = ?", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, authoredAt, deviceID, userGUID, guid)

	query := "UPDATE " + et.table + " SET " + strings.Join(setClauses, ", ") +
		" WHERE user_guid = ? AND guid = ? AND deleted_at IS NULL"

	if _, err := db.Exec(query, args...); err != nil {
		return serr.Wrap(err, "failed to update "+string(et.kind))
	}
	return nil
}

// softDeleteEntity marks the row deleted. Deleting a row that is already
// gone is an idempotent no-op.
func softDeleteEntity(userGUID string, et entityTable, guid string, deviceID string) error {
	_, err := db.Exec(
		"UPDATE "+et.table+" SET deleted_at = CURRENT_TIMESTAMP, updated_by_device = ? WHERE user_guid = ? AND guid = ? AND deleted_at IS NULL",
		deviceID, userGUID, guid,
	)
	if err != nil {
		return serr.Wrap(err, "failed to soft-delete "+string(et.kind))
	}
	return nil
}

// coercePayloadValue normalizes version-sensitive scoping fields before they
// reach storage: a stringified listVersion ("3") must land as an integer or
// every version-scoped lookup silently misses.
func coercePayloadValue(key string, v any) any {
	switch key {
	case "listVersion", "index":
		if n, ok := PayloadInt64(map[string]any{key: v}, key); ok {
			return n
		}
	case "amount", "latitude", "longitude":
		if f, ok := PayloadFloat64(map[string]any{key: v}, key); ok {
			return f
		}
	}
	return v
}

// listEntityMaps returns all live rows of one entity kind for a user, as
// payload-shaped maps. Reconciliation snapshots are built from these.
func listEntityMaps(userGUID string, kind EntityKind) ([]map[string]any, error) {
	et, ok := entityTables[kind]
	if !ok {
		return nil, serr.New("unknown entity kind: " + string(kind))
	}

	keys := payloadColumns(et)
	query := "SELECT " + strings.Join(colNames(et, keys), ", ") +
		" FROM " + et.table + " WHERE user_guid = ? AND deleted_at IS NULL ORDER BY id"

	rows, err := db.Query(query, userGUID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to list "+string(kind)+" rows")
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(keys))
		dest := make([]any, len(keys))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, serr.Wrap(err, "failed to scan "+string(kind)+" row")
		}
		m := make(map[string]any, len(keys))
		for i, key := range keys {
			if values[i] != nil {
				m[key] = normalizeDBValue(values[i])
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating "+string(kind)+" rows")
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}
