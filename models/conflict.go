package models

import (
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/rohanthewiz/serr"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ============================================================================
// Conflict resolution
//
// ResolveConflict is a pure function over two versions of an entity. The
// classification rules run in a fixed order and the first match wins:
//
//   1. identical       - same values, nothing to resolve, discard quietly
//   2. dependency      - the operation references state that cannot be
//                        resolved (stale list version, missing parent);
//                        it is orphaned for review, never guessed at
//   3. field merge     - the two sides touched disjoint fields; union them
//   4. last-write-wins - same field changed on both sides; later authoring
//                        timestamp wins, device id breaks exact ties
//
// Both hub and device run this same function, so a conflict resolves to the
// same state everywhere without coordination.
// ============================================================================

// ConflictKind classifies how a conflict was resolved.
type ConflictKind string

const (
	ConflictIdentical           ConflictKind = "identical"
	ConflictDependencyViolation ConflictKind = "dependency_violation"
	ConflictFieldMerge          ConflictKind = "field_merge"
	ConflictLastWriteWins       ConflictKind = "last_write_wins"
)

// ConflictInput is everything the resolver may consider. Server holds the
// current authoritative state; Client holds the incoming operation's payload
// (the fields the device changed). ServerChangedFields names the fields the
// server side has changed since the two sides diverged, so a field merge
// only unions what actually moved.
type ConflictInput struct {
	Entity              EntityKind
	EntityKey           string
	Server              map[string]any
	ServerAuthoredAt    time.Time
	ServerDeviceID      string
	ServerChangedFields map[string]bool
	Client              map[string]any
	ClientAuthoredAt    time.Time
	ClientDeviceID      string
	// DependencyMissing is set by the caller when the operation's scoping
	// key or referenced parent cannot be resolved against current state.
	DependencyMissing bool
}

// Resolution is the resolver's verdict. Merged is the state to install
// (nil when Orphaned). Fields lists the client fields that participated,
// for audit records.
type Resolution struct {
	Kind           ConflictKind
	Merged         map[string]any
	WinnerDeviceID string
	Orphaned       bool
	Fields         []string
}

// ResolveConflict classifies and resolves one conflict. It never mutates
// its inputs.
func ResolveConflict(in ConflictInput) Resolution {
	// Rule 1: identical. Every field the client sent already holds the
	// same value on the server.
	if payloadSubsetEqual(in.Client, in.Server) {
		return Resolution{
			Kind:           ConflictIdentical,
			Merged:         copyPayload(in.Server),
			WinnerDeviceID: in.ServerDeviceID,
		}
	}

	// Rule 2: dependency violation. Never resolve against state the
	// operation wasn't written against.
	if in.DependencyMissing {
		return Resolution{Kind: ConflictDependencyViolation, Orphaned: true}
	}

	clientFields := payloadKeys(in.Client)

	// Rule 3: disjoint fields merge cleanly.
	overlap := []string{}
	for _, f := range clientFields {
		if in.ServerChangedFields[f] {
			overlap = append(overlap, f)
		}
	}
	if len(overlap) == 0 {
		merged := copyPayload(in.Server)
		for k, v := range in.Client {
			merged[k] = v
		}
		return Resolution{
			Kind:           ConflictFieldMerge,
			Merged:         merged,
			WinnerDeviceID: in.ClientDeviceID,
			Fields:         clientFields,
		}
	}

	// Rule 4: last-write-wins on the overlapping fields. Ties on the
	// authoring timestamp break by device id lexical order, greater id
	// winning, so both sides pick the same winner.
	clientWins := in.ClientAuthoredAt.After(in.ServerAuthoredAt)
	if in.ClientAuthoredAt.Equal(in.ServerAuthoredAt) {
		clientWins = in.ClientDeviceID > in.ServerDeviceID
	}

	merged := copyPayload(in.Server)
	winner := in.ServerDeviceID
	if clientWins {
		for k, v := range in.Client {
			merged[k] = v
		}
		winner = in.ClientDeviceID
	} else {
		// Server wins contested fields, but client fields the server never
		// touched still merge in.
		for k, v := range in.Client {
			if !in.ServerChangedFields[k] {
				merged[k] = v
			}
		}
	}

	return Resolution{
		Kind:           ConflictLastWriteWins,
		Merged:         merged,
		WinnerDeviceID: winner,
		Fields:         overlap,
	}
}

// payloadSubsetEqual reports whether every key in sub holds an equal value
// in full. Values are compared through their canonical JSON forms so
// numeric type differences from transport decoding don't read as changes.
func payloadSubsetEqual(sub, full map[string]any) bool {
	if len(sub) == 0 {
		return false
	}
	for k, v := range sub {
		fv, ok := full[k]
		if !ok {
			return false
		}
		if !jsonValueEqual(v, fv) {
			return false
		}
	}
	return true
}

func jsonValueEqual(a, b any) bool {
	ja, errA := json.Marshal(normalizeJSONValue(a))
	jb, errB := json.Marshal(normalizeJSONValue(b))
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

// normalizeJSONValue collapses the integer types msgpack decoding produces
// into float64 the way encoding/json would, so 3 == 3.0 across codecs.
func normalizeJSONValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

func payloadKeys(payload map[string]any) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// CanonicalJSON serializes a payload with sorted keys and normalized
// numbers. Equal states always produce equal bytes, which makes the output
// safe to hash and to diff.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	keys := payloadKeys(payload)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, serr.Wrap(err, "failed to marshal canonical key")
		}
		vb, err := json.Marshal(normalizeJSONValue(payload[k]))
		if err != nil {
			return nil, serr.Wrap(err, "failed to marshal canonical value")
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// ============================================================================
// Conflict audit trail
// ============================================================================

// ConflictAudit is the persisted record of one resolved (or orphaned)
// conflict, including a textual diff of the two states for review.
type ConflictAudit struct {
	ID             int64        `json:"id"`
	UserGUID       string       `json:"user_guid"`
	Entity         string       `json:"entity"`
	EntityKey      string       `json:"entity_key"`
	OperationID    string       `json:"operation_id"`
	Kind           string       `json:"kind"`
	WinnerDeviceID string       `json:"winner_device_id"`
	ServerState    string       `json:"server_state"`
	ClientState    string       `json:"client_state"`
	StateDiff      string       `json:"state_diff"`
	Orphaned       bool         `json:"orphaned"`
	CreatedAt      time.Time    `json:"created_at"`
	ReviewedAt     sql.NullTime `json:"reviewed_at,omitempty"`
}

const DDLCreateConflictAuditsSequence = `CREATE SEQUENCE IF NOT EXISTS conflict_audits_id_seq START 1;`

const DDLCreateConflictAuditsTable = `
CREATE TABLE IF NOT EXISTS conflict_audits (
    id               BIGINT PRIMARY KEY DEFAULT nextval('conflict_audits_id_seq'),
    user_guid        VARCHAR NOT NULL,
    entity           VARCHAR NOT NULL,
    entity_key       VARCHAR NOT NULL,
    operation_id     VARCHAR NOT NULL,
    kind             VARCHAR NOT NULL,
    winner_device_id VARCHAR,
    server_state     VARCHAR,
    client_state     VARCHAR,
    state_diff       VARCHAR,
    orphaned         BOOLEAN DEFAULT false,
    created_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    reviewed_at      TIMESTAMP
);
`

const DDLCreateConflictAuditsIndexEntityKey = `
CREATE INDEX IF NOT EXISTS idx_conflict_audits_entity_key
ON conflict_audits (user_guid, entity, entity_key);
`

// RecordConflictAudit persists one resolver verdict with a line-level diff
// of the canonical states.
func RecordConflictAudit(userGUID string, in ConflictInput, res Resolution, operationID string) error {
	serverJSON, err := CanonicalJSON(in.Server)
	if err != nil {
		return serr.Wrap(err, "failed to canonicalize server state")
	}
	clientJSON, err := CanonicalJSON(in.Client)
	if err != nil {
		return serr.Wrap(err, "failed to canonicalize client state")
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(serverJSON), string(clientJSON), false)
	diffText := dmp.DiffPrettyText(diffs)

	_, err = db.Exec(`
		INSERT INTO conflict_audits
		    (user_guid, entity, entity_key, operation_id, kind, winner_device_id,
		     server_state, client_state, state_diff, orphaned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userGUID, string(in.Entity), in.EntityKey, operationID, string(res.Kind),
		res.WinnerDeviceID, string(serverJSON), string(clientJSON), diffText, res.Orphaned)
	if err != nil {
		return serr.Wrap(err, "failed to insert conflict audit")
	}
	return nil
}

// ListConflictAudits returns recent conflict audits, newest first.
func ListConflictAudits(userGUID string, limit int) ([]ConflictAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, user_guid, entity, entity_key, operation_id, kind, winner_device_id,
		       server_state, client_state, state_diff, orphaned, created_at, reviewed_at
		FROM conflict_audits
		WHERE user_guid = ?
		ORDER BY id DESC LIMIT ?`, userGUID, limit)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query conflict audits")
	}
	defer rows.Close()

	var audits []ConflictAudit
	for rows.Next() {
		a := ConflictAudit{}
		var winner sql.NullString
		err := rows.Scan(&a.ID, &a.UserGUID, &a.Entity, &a.EntityKey, &a.OperationID,
			&a.Kind, &winner, &a.ServerState, &a.ClientState, &a.StateDiff,
			&a.Orphaned, &a.CreatedAt, &a.ReviewedAt)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan conflict audit row")
		}
		a.WinnerDeviceID = winner.String
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating conflict audit rows")
	}
	if audits == nil {
		audits = []ConflictAudit{}
	}
	return audits, nil
}
