// Package store implements the durable local record of notifications and
// pending acknowledgments.
//
// State survives a process restart through a persistence Backend: either
// JSON blobs on disk or a keyed-blob Postgres table, chosen by config.
// Corrupt persisted state resets to empty with a logged warning instead of
// failing startup.
package store
