package models

import (
	"database/sql"

	"github.com/rohanthewiz/serr"
)

// migrateDB creates all tables, sequences, and indexes.
// DDL statements are defined as constants next to the types they back
// (address.go, completion.go, operation.go, ...) and gathered here so the
// creation order (referenced tables before referencing ones) is explicit.
func migrateDB(db *sql.DB) error {
	statements := []string{
		CreateUsersTableSQL,

		DDLCreateAddressesSequence,
		DDLCreateAddressesTable,
		DDLCreateAddressesIndexScope,

		DDLCreateCompletionsSequence,
		DDLCreateCompletionsTable,
		DDLCreateCompletionsIndexScope,

		DDLCreateArrangementsSequence,
		DDLCreateArrangementsTable,
		DDLCreateArrangementsIndexAddress,

		DDLCreateDaySessionsSequence,
		DDLCreateDaySessionsTable,
		DDLCreateDaySessionsIndexDate,

		DDLCreateOperationsSequence,
		DDLCreateOperationsTable,
		DDLCreateOperationsIndexEntity,
		DDLCreateOperationsIndexUserDevice,

		DDLCreateSequenceAnomaliesSequence,
		DDLCreateSequenceAnomaliesTable,

		DDLCreateConflictAuditsSequence,
		DDLCreateConflictAuditsTable,
		DDLCreateConflictAuditsIndexEntityKey,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return serr.Wrap(err, "migration statement failed")
		}
	}

	return nil
}
