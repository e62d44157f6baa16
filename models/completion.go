package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// Completion records the outcome of visiting one address: payment taken,
// nobody home, refused, and so on. Like addresses it is scoped by
// (list_version, address_index) so completions from different devices for
// the same stop are recognized as the same logical record.
type Completion struct {
	ID              int64           `json:"id"`
	UserGUID        string          `json:"user_guid"`
	GUID            string          `json:"guid"`
	ListVersion     int64           `json:"list_version"`
	AddressIndex    int64           `json:"address_index"`
	AddressGUID     sql.NullString  `json:"address_guid"`
	Outcome         string          `json:"outcome"`
	Amount          sql.NullFloat64 `json:"amount"`
	Notes           sql.NullString  `json:"notes"`
	CreatedBy       string          `json:"created_by"`
	AuthoredAt      time.Time       `json:"authored_at"`
	UpdatedByDevice sql.NullString  `json:"updated_by_device"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       sql.NullTime    `json:"deleted_at,omitempty"`
}

// Completion outcomes.
const (
	OutcomePaid       = "paid"
	OutcomePartial    = "partial"
	OutcomeNoAnswer   = "no_answer"
	OutcomeRefused    = "refused"
	OutcomeArrangment = "arrangement_made"
)

const DDLCreateCompletionsSequence = `CREATE SEQUENCE IF NOT EXISTS completions_id_seq START 1;`

const DDLCreateCompletionsTable = `
CREATE TABLE IF NOT EXISTS completions (
    id                BIGINT PRIMARY KEY DEFAULT nextval('completions_id_seq'),
    user_guid         VARCHAR NOT NULL,
    guid              VARCHAR NOT NULL,
    list_version      BIGINT NOT NULL,
    address_index     BIGINT NOT NULL,
    address_guid      VARCHAR,
    outcome           VARCHAR NOT NULL DEFAULT '',
    amount            DOUBLE,
    notes             VARCHAR,
    created_by        VARCHAR NOT NULL,
    authored_at       TIMESTAMP,
    updated_by_device VARCHAR,
    created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    deleted_at        TIMESTAMP
);
`

const DDLCreateCompletionsIndexScope = `
CREATE INDEX IF NOT EXISTS idx_completions_scope
ON completions (user_guid, list_version, address_index);
`

const completionSelectColumns = `id, user_guid, guid, list_version, address_index, address_guid,
       outcome, amount, notes, created_by, authored_at, updated_by_device,
       created_at, updated_at, deleted_at`

// GetCompletionByGUID returns nil if no live completion matches.
func GetCompletionByGUID(userGUID, guid string) (*Completion, error) {
	return scanCompletion(db.QueryRow(
		`SELECT `+completionSelectColumns+` FROM completions
		 WHERE user_guid = ? AND guid = ? AND deleted_at IS NULL`, userGUID, guid))
}

// ListCompletions returns the user's live completions, optionally scoped to
// one list version (pass 0 for all).
func ListCompletions(userGUID string, listVersion int64) ([]Completion, error) {
	query := `SELECT ` + completionSelectColumns + ` FROM completions
	          WHERE user_guid = ? AND deleted_at IS NULL`
	args := []any{userGUID}
	if listVersion > 0 {
		query += ` AND list_version = ?`
		args = append(args, listVersion)
	}
	query += ` ORDER BY list_version, address_index`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query completions")
	}
	defer rows.Close()

	var completions []Completion
	for rows.Next() {
		c := Completion{}
		err := rows.Scan(&c.ID, &c.UserGUID, &c.GUID, &c.ListVersion, &c.AddressIndex,
			&c.AddressGUID, &c.Outcome, &c.Amount, &c.Notes, &c.CreatedBy, &c.AuthoredAt,
			&c.UpdatedByDevice, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan completion row")
		}
		completions = append(completions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating completion rows")
	}
	if completions == nil {
		completions = []Completion{}
	}
	return completions, nil
}

// CollectedTotal sums payment amounts over one day's completions.
func CollectedTotal(userGUID string, day time.Time) (float64, error) {
	var total sql.NullFloat64
	err := db.QueryRow(
		`SELECT SUM(amount) FROM completions
		 WHERE user_guid = ? AND deleted_at IS NULL
		   AND authored_at >= ? AND authored_at < ?`,
		userGUID, day.Truncate(24*time.Hour), day.Truncate(24*time.Hour).Add(24*time.Hour),
	).Scan(&total)
	if err != nil {
		return 0, serr.Wrap(err, "failed to sum collected amounts")
	}
	return total.Float64, nil
}

func scanCompletion(row *sql.Row) (*Completion, error) {
	c := &Completion{}
	err := row.Scan(&c.ID, &c.UserGUID, &c.GUID, &c.ListVersion, &c.AddressIndex,
		&c.AddressGUID, &c.Outcome, &c.Amount, &c.Notes, &c.CreatedBy, &c.AuthoredAt,
		&c.UpdatedByDevice, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to scan completion row")
	}
	return c, nil
}
