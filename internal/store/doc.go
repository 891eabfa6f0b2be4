// Package store provides durable SQLite storage for recorded executions:
// content-addressed values, identity/version history, call records,
// per-line snapshots, sessions, and code definitions.
//
// All operations are synchronous and assume a single writer per
// connection. Writers tolerate "already exists" races optimistically:
// attempt the insert, and on conflict re-query and use the existing row.
package store
