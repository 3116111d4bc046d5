package store

import "fmt"

// Truncate empties a SQL store so the shared Postgres database can be reused
// between subtests.
func Truncate(s Store) error {
	sqlStore, ok := s.(*SQLStore)
	if !ok {
		return fmt.Errorf("truncate: %T is not a SQL store", s)
	}
	return sqlStore.db.Exec("DELETE FROM ledger_entries").Error
}
