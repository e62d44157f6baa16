package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// Arrangement is a promise-to-pay made at the door: the customer was not
// able to pay today but agreed on a date and amount. Arrangements reference
// their address by GUID; list re-imports do not reschedule them.
type Arrangement struct {
	ID              int64           `json:"id"`
	UserGUID        string          `json:"user_guid"`
	GUID            string          `json:"guid"`
	AddressGUID     sql.NullString  `json:"address_guid"`
	ScheduledDate   sql.NullString  `json:"scheduled_date"`
	Amount          sql.NullFloat64 `json:"amount"`
	Notes           sql.NullString  `json:"notes"`
	Status          string          `json:"status"`
	CreatedBy       string          `json:"created_by"`
	AuthoredAt      time.Time       `json:"authored_at"`
	UpdatedByDevice sql.NullString  `json:"updated_by_device"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       sql.NullTime    `json:"deleted_at,omitempty"`
}

// Arrangement statuses.
const (
	ArrangementStatusScheduled = "scheduled"
	ArrangementStatusKept      = "kept"
	ArrangementStatusBroken    = "broken"
	ArrangementStatusCancelled = "cancelled"
)

const DDLCreateArrangementsSequence = `CREATE SEQUENCE IF NOT EXISTS arrangements_id_seq START 1;`

const DDLCreateArrangementsTable = `
CREATE TABLE IF NOT EXISTS arrangements (
    id                BIGINT PRIMARY KEY DEFAULT nextval('arrangements_id_seq'),
    user_guid         VARCHAR NOT NULL,
    guid              VARCHAR NOT NULL,
    address_guid      VARCHAR,
    scheduled_date    VARCHAR,
    amount            DOUBLE,
    notes             VARCHAR,
    status            VARCHAR NOT NULL DEFAULT 'scheduled',
    created_by        VARCHAR NOT NULL,
    authored_at       TIMESTAMP,
    updated_by_device VARCHAR,
    created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    deleted_at        TIMESTAMP
);
`

const DDLCreateArrangementsIndexAddress = `
CREATE INDEX IF NOT EXISTS idx_arrangements_address
ON arrangements (user_guid, address_guid);
`

const arrangementSelectColumns = `id, user_guid, guid, address_guid, scheduled_date, amount,
       notes, status, created_by, authored_at, updated_by_device,
       created_at, updated_at, deleted_at`

// GetArrangementByGUID returns nil if no live arrangement matches.
func GetArrangementByGUID(userGUID, guid string) (*Arrangement, error) {
	return scanArrangement(db.QueryRow(
		`SELECT `+arrangementSelectColumns+` FROM arrangements
		 WHERE user_guid = ? AND guid = ? AND deleted_at IS NULL`, userGUID, guid))
}

// ListArrangements returns the user's live arrangements, most recently
// scheduled first.
func ListArrangements(userGUID string) ([]Arrangement, error) {
	rows, err := db.Query(
		`SELECT `+arrangementSelectColumns+` FROM arrangements
		 WHERE user_guid = ? AND deleted_at IS NULL
		 ORDER BY scheduled_date DESC, id DESC`, userGUID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query arrangements")
	}
	defer rows.Close()

	var arrangements []Arrangement
	for rows.Next() {
		a := Arrangement{}
		err := rows.Scan(&a.ID, &a.UserGUID, &a.GUID, &a.AddressGUID, &a.ScheduledDate,
			&a.Amount, &a.Notes, &a.Status, &a.CreatedBy, &a.AuthoredAt,
			&a.UpdatedByDevice, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan arrangement row")
		}
		arrangements = append(arrangements, a)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating arrangement rows")
	}
	if arrangements == nil {
		arrangements = []Arrangement{}
	}
	return arrangements, nil
}

func scanArrangement(row *sql.Row) (*Arrangement, error) {
	a := &Arrangement{}
	err := row.Scan(&a.ID, &a.UserGUID, &a.GUID, &a.AddressGUID, &a.ScheduledDate,
		&a.Amount, &a.Notes, &a.Status, &a.CreatedBy, &a.AuthoredAt,
		&a.UpdatedByDevice, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to scan arrangement row")
	}
	return a, nil
}
