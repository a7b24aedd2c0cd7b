// Package storage owns the sqlite state database: connection setup, pragmas
// and schema migrations. The domain packages (schedule, quota, contacts,
// dispatch) keep their own queries and run them through *storage.DB.
package storage
