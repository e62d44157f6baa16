package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// Address is one stop on an imported work list. Addresses are scoped by
// (list_version, list_index): two devices that imported the same list
// independently refer to the same stop through that pair, not through the
// locally generated GUID.
type Address struct {
	ID              int64           `json:"id"`
	UserGUID        string          `json:"user_guid"`
	GUID            string          `json:"guid"`
	ListVersion     int64           `json:"list_version"`
	ListIndex       int64           `json:"list_index"`
	FullAddress     string          `json:"full_address"`
	Latitude        sql.NullFloat64 `json:"latitude"`
	Longitude       sql.NullFloat64 `json:"longitude"`
	Status          string          `json:"status"`
	TimeSlot        sql.NullString  `json:"time_slot"`
	CreatedBy       string          `json:"created_by"`
	AuthoredAt      time.Time       `json:"authored_at"`
	UpdatedByDevice sql.NullString  `json:"updated_by_device"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       sql.NullTime    `json:"deleted_at,omitempty"`
}

// Address visit statuses.
const (
	AddressStatusPending   = "pending"
	AddressStatusCompleted = "completed"
	AddressStatusSkipped   = "skipped"
)

const DDLCreateAddressesSequence = `CREATE SEQUENCE IF NOT EXISTS addresses_id_seq START 1;`

const DDLCreateAddressesTable = `
CREATE TABLE IF NOT EXISTS addresses (
    id                BIGINT PRIMARY KEY DEFAULT nextval('addresses_id_seq'),
    user_guid         VARCHAR NOT NULL,
    guid              VARCHAR NOT NULL,
    list_version      BIGINT NOT NULL,
    list_index        BIGINT NOT NULL,
    full_address      VARCHAR NOT NULL DEFAULT '',
    latitude          DOUBLE,
    longitude         DOUBLE,
    status            VARCHAR NOT NULL DEFAULT 'pending',
    time_slot         VARCHAR,
    created_by        VARCHAR NOT NULL,
    authored_at       TIMESTAMP,
    updated_by_device VARCHAR,
    created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    deleted_at        TIMESTAMP
);
`

const DDLCreateAddressesIndexScope = `
CREATE INDEX IF NOT EXISTS idx_addresses_scope
ON addresses (user_guid, list_version, list_index);
`

const addressSelectColumns = `id, user_guid, guid, list_version, list_index, full_address,
       latitude, longitude, status, time_slot, created_by, authored_at,
       updated_by_device, created_at, updated_at, deleted_at`

// GetAddressByGUID returns nil if no live address matches.
func GetAddressByGUID(userGUID, guid string) (*Address, error) {
	return scanAddress(db.QueryRow(
		`SELECT `+addressSelectColumns+` FROM addresses
		 WHERE user_guid = ? AND guid = ? AND deleted_at IS NULL`, userGUID, guid))
}

// GetAddressByScope resolves an address through its list coordinates.
func GetAddressByScope(userGUID string, listVersion, listIndex int64) (*Address, error) {
	return scanAddress(db.QueryRow(
		`SELECT `+addressSelectColumns+` FROM addresses
		 WHERE user_guid = ? AND list_version = ? AND list_index = ? AND deleted_at IS NULL`,
		userGUID, listVersion, listIndex))
}

// ListAddresses returns the user's live addresses, optionally filtered to
// one list version (pass 0 for all versions), ordered by list position.
func ListAddresses(userGUID string, listVersion int64) ([]Address, error) {
	query := `SELECT ` + addressSelectColumns + ` FROM addresses
	          WHERE user_guid = ? AND deleted_at IS NULL`
	args := []any{userGUID}
	if listVersion > 0 {
		query += ` AND list_version = ?`
		args = append(args, listVersion)
	}
	query += ` ORDER BY list_version, list_index`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query addresses")
	}
	defer rows.Close()

	var addresses []Address
	for rows.Next() {
		addr, err := scanAddressRow(rows)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, *addr)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating address rows")
	}
	if addresses == nil {
		addresses = []Address{}
	}
	return addresses, nil
}

// CurrentListVersion returns the highest list version the user has imported,
// or 0 when no list exists yet.
func CurrentListVersion(userGUID string) (int64, error) {
	var version sql.NullInt64
	err := db.QueryRow(
		`SELECT MAX(list_version) FROM addresses WHERE user_guid = ? AND deleted_at IS NULL`,
		userGUID).Scan(&version)
	if err != nil {
		return 0, serr.Wrap(err, "failed to query current list version")
	}
	return version.Int64, nil
}

func scanAddress(row *sql.Row) (*Address, error) {
	a := &Address{}
	err := row.Scan(&a.ID, &a.UserGUID, &a.GUID, &a.ListVersion, &a.ListIndex, &a.FullAddress,
		&a.Latitude, &a.Longitude, &a.Status, &a.TimeSlot, &a.CreatedBy, &a.AuthoredAt,
		&a.UpdatedByDevice, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to scan address row")
	}
	return a, nil
}

func scanAddressRow(rows *sql.Rows) (*Address, error) {
	a := &Address{}
	err := rows.Scan(&a.ID, &a.UserGUID, &a.GUID, &a.ListVersion, &a.ListIndex, &a.FullAddress,
		&a.Latitude, &a.Longitude, &a.Status, &a.TimeSlot, &a.CreatedBy, &a.AuthoredAt,
		&a.UpdatedByDevice, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return nil, serr.Wrap(err, "failed to scan address row")
	}
	return a, nil
}
