// Package database provides the PostgreSQL connection pool used by the
// notification store's postgres persistence backend.
package database
