// Package migration describes a single schema change applied by the database migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

// String is recorded in the migrations table as the applied version.
func (m *Migration) String() string {
	return m.Name
}
