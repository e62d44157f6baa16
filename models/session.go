package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// DaySession tracks one working day: when the round started, when it ended,
// and whether it is still active. A user has at most one active session per
// day per device, but concurrent devices may both open one, which the
// conflict resolver folds into a single record.
type DaySession struct {
	ID              int64          `json:"id"`
	UserGUID        string         `json:"user_guid"`
	GUID            string         `json:"guid"`
	SessionDate     string         `json:"session_date"`
	StartTime       sql.NullString `json:"start_time"`
	EndTime         sql.NullString `json:"end_time"`
	Status          string         `json:"status"`
	CreatedBy       string         `json:"created_by"`
	AuthoredAt      time.Time      `json:"authored_at"`
	UpdatedByDevice sql.NullString `json:"updated_by_device"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       sql.NullTime   `json:"deleted_at,omitempty"`
}

// Session statuses.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

const DDLCreateDaySessionsSequence = `CREATE SEQUENCE IF NOT EXISTS day_sessions_id_seq START 1;`

const DDLCreateDaySessionsTable = `
CREATE TABLE IF NOT EXISTS day_sessions (
    id                BIGINT PRIMARY KEY DEFAULT nextval('day_sessions_id_seq'),
    user_guid         VARCHAR NOT NULL,
    guid              VARCHAR NOT NULL,
    session_date      VARCHAR NOT NULL,
    start_time        VARCHAR,
    end_time          VARCHAR,
    status            VARCHAR NOT NULL DEFAULT 'active',
    created_by        VARCHAR NOT NULL,
    authored_at       TIMESTAMP,
    updated_by_device VARCHAR,
    created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    deleted_at        TIMESTAMP
);
`

const DDLCreateDaySessionsIndexDate = `
CREATE INDEX IF NOT EXISTS idx_day_sessions_date
ON day_sessions (user_guid, session_date);
`

const daySessionSelectColumns = `id, user_guid, guid, session_date, start_time, end_time,
       status, created_by, authored_at, updated_by_device,
       created_at, updated_at, deleted_at`

// GetDaySessionByGUID returns nil if no live session matches.
func GetDaySessionByGUID(userGUID, guid string) (*DaySession, error) {
	return scanDaySession(db.QueryRow(
		`SELECT `+daySessionSelectColumns+` FROM day_sessions
		 WHERE user_guid = ? AND guid = ? AND deleted_at IS NULL`, userGUID, guid))
}

// GetDaySessionByDate returns the most recently authored session for a
// calendar date, or nil.
func GetDaySessionByDate(userGUID, sessionDate string) (*DaySession, error) {
	return scanDaySession(db.QueryRow(
		`SELECT `+daySessionSelectColumns+` FROM day_sessions
		 WHERE user_guid = ? AND session_date = ? AND deleted_at IS NULL
		 ORDER BY authored_at DESC LIMIT 1`, userGUID, sessionDate))
}

// ListDaySessions returns the user's sessions, newest date first.
func ListDaySessions(userGUID string) ([]DaySession, error) {
	rows, err := db.Query(
		`SELECT `+daySessionSelectColumns+` FROM day_sessions
		 WHERE user_guid = ? AND deleted_at IS NULL
		 ORDER BY session_date DESC, id DESC`, userGUID)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query day sessions")
	}
	defer rows.Close()

	var sessions []DaySession
	for rows.Next() {
		s := DaySession{}
		err := rows.Scan(&s.ID, &s.UserGUID, &s.GUID, &s.SessionDate, &s.StartTime,
			&s.EndTime, &s.Status, &s.CreatedBy, &s.AuthoredAt,
			&s.UpdatedByDevice, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan day session row")
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating day session rows")
	}
	if sessions == nil {
		sessions = []DaySession{}
	}
	return sessions, nil
}

func scanDaySession(row *sql.Row) (*DaySession, error) {
	s := &DaySession{}
	err := row.Scan(&s.ID, &s.UserGUID, &s.GUID, &s.SessionDate, &s.StartTime,
		&s.EndTime, &s.Status, &s.CreatedBy, &s.AuthoredAt,
		&s.UpdatedByDevice, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to scan day session row")
	}
	return s, nil
}
